// Package config loads the settings shared by the coordinator and pillar
// binaries from a YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/bitkeep/internal/logging"
)

// Collection names a collection and the contributors expected to hold it.
type Collection struct {
	ID           string   `yaml:"id"`
	Contributors []string `yaml:"contributors"`
}

// Timeouts bounds every wait of a conversation.
type Timeouts struct {
	Identify        time.Duration `yaml:"identify"`
	Request         time.Duration `yaml:"request"`
	Operation       time.Duration `yaml:"operation"`
	IdentifyRetries int           `yaml:"identify_retries"`
}

// NATS configures the message bus connection.
type NATS struct {
	URL        string            `yaml:"url"`
	MaxPayload datasize.ByteSize `yaml:"max_payload"`
}

// AuditTrails configures periodic audit trail collection.
type AuditTrails struct {
	Interval   time.Duration `yaml:"interval"`
	MaxResults int           `yaml:"max_results"`
	StorePath  string        `yaml:"store_path"`
}

// Integrity configures periodic checksum collection.
type Integrity struct {
	Interval     time.Duration `yaml:"interval"`
	CachePath    string        `yaml:"cache_path"`
	ChecksumType string        `yaml:"checksum_type"`
}

// Alarms configures alarm forwarding.
type Alarms struct {
	WebhookURL     string        `yaml:"webhook_url"`
	SuppressWindow time.Duration `yaml:"suppress_window"`
	MaxFailures    int           `yaml:"max_failures"`
}

// Pillar configures a reference pillar process.
type Pillar struct {
	ID            string            `yaml:"id"`
	CollectionID  string            `yaml:"collection_id"`
	ChecksumType  string            `yaml:"checksum_type"`
	AuditPageSize int               `yaml:"audit_page_size"`
	MaxFileSize   datasize.ByteSize `yaml:"max_file_size"`
}

// Config is the complete configuration of a bitkeep process.
type Config struct {
	ClientID    string         `yaml:"client_id"`
	HTTPAddr    string         `yaml:"http_addr"`
	NATS        NATS           `yaml:"nats"`
	Timeouts    Timeouts       `yaml:"timeouts"`
	Collections []Collection   `yaml:"collections"`
	AuditTrails AuditTrails    `yaml:"audit_trails"`
	Integrity   Integrity      `yaml:"integrity"`
	Alarms      Alarms         `yaml:"alarms"`
	Log         logging.Config `yaml:"log"`
	Pillar      Pillar         `yaml:"pillar"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ClientID: "bitkeep-coordinator",
		HTTPAddr: ":8080",
		NATS: NATS{
			URL:        "nats://127.0.0.1:4222",
			MaxPayload: 1 * datasize.MB,
		},
		Timeouts: Timeouts{
			Identify:        10 * time.Second,
			Request:         time.Minute,
			IdentifyRetries: 1,
		},
		AuditTrails: AuditTrails{
			Interval:   time.Hour,
			MaxResults: 10000,
			StorePath:  "data/audittrails.db",
		},
		Integrity: Integrity{
			Interval:     24 * time.Hour,
			CachePath:    "data/checksums",
			ChecksumType: "SHA256",
		},
		Alarms: Alarms{
			SuppressWindow: 10 * time.Minute,
			MaxFailures:    3,
		},
		Log: logging.Config{Level: "info"},
		Pillar: Pillar{
			ChecksumType:  "SHA256",
			AuditPageSize: 10000,
			MaxFileSize:   64 * datasize.MB,
		},
	}
}

// Load reads the YAML file at path (when non-empty) over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ClientID = getenv("BITKEEP_CLIENT_ID", c.ClientID)
	c.HTTPAddr = getenv("BITKEEP_HTTP_ADDR", c.HTTPAddr)
	c.NATS.URL = getenv("BITKEEP_NATS_URL", c.NATS.URL)
	c.Log.Level = getenv("BITKEEP_LOG_LEVEL", c.Log.Level)
	c.AuditTrails.StorePath = getenv("BITKEEP_AUDIT_STORE", c.AuditTrails.StorePath)
	c.Integrity.CachePath = getenv("BITKEEP_CHECKSUM_CACHE", c.Integrity.CachePath)
	c.Alarms.WebhookURL = getenv("BITKEEP_ALARM_WEBHOOK", c.Alarms.WebhookURL)
	c.Pillar.ID = getenv("PILLAR_ID", c.Pillar.ID)
	c.Pillar.CollectionID = getenv("PILLAR_COLLECTION", c.Pillar.CollectionID)

	if v := os.Getenv("BITKEEP_AUDIT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BITKEEP_AUDIT_INTERVAL: %w", err)
		}
		c.AuditTrails.Interval = d
	}
	if v := os.Getenv("BITKEEP_AUDIT_MAX_RESULTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BITKEEP_AUDIT_MAX_RESULTS: %w", err)
		}
		c.AuditTrails.MaxResults = n
	}
	// BITKEEP_COLLECTIONS=books:p1,p2;films:p2,p3
	if v := os.Getenv("BITKEEP_COLLECTIONS"); v != "" {
		cols, err := parseCollections(v)
		if err != nil {
			return err
		}
		c.Collections = cols
	}
	return nil
}

func parseCollections(v string) ([]Collection, error) {
	var cols []Collection
	for _, part := range strings.Split(v, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id, list, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("BITKEEP_COLLECTIONS: malformed entry %q", part)
		}
		col := Collection{ID: strings.TrimSpace(id)}
		for _, c := range strings.Split(list, ",") {
			if c = strings.TrimSpace(c); c != "" {
				col.Contributors = append(col.Contributors, c)
			}
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// Validate checks the settings a coordinator needs.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id cannot be empty")
	}
	if c.Timeouts.Identify <= 0 || c.Timeouts.Request <= 0 {
		return fmt.Errorf("identify and request timeouts must be positive, got %v and %v",
			c.Timeouts.Identify, c.Timeouts.Request)
	}
	if c.AuditTrails.MaxResults < 0 {
		return fmt.Errorf("audit_trails.max_results must not be negative, got %d", c.AuditTrails.MaxResults)
	}
	seen := make(map[string]bool)
	for _, col := range c.Collections {
		if col.ID == "" {
			return errors.New("collection id cannot be empty")
		}
		if seen[col.ID] {
			return fmt.Errorf("collection %q configured twice", col.ID)
		}
		seen[col.ID] = true
		if len(col.Contributors) == 0 {
			return fmt.Errorf("collection %q has no contributors", col.ID)
		}
	}
	return nil
}

// ValidatePillar checks the settings a pillar process needs.
func (c *Config) ValidatePillar() error {
	if c.Pillar.ID == "" {
		return errors.New("pillar.id cannot be empty")
	}
	if c.Pillar.CollectionID == "" {
		return errors.New("pillar.collection_id cannot be empty")
	}
	if c.Pillar.AuditPageSize <= 0 {
		return fmt.Errorf("pillar.audit_page_size must be positive, got %d", c.Pillar.AuditPageSize)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
