package pillar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/dreamware/bitkeep/internal/bus"
	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/logging"
	"github.com/dreamware/bitkeep/internal/ops"
	"github.com/dreamware/bitkeep/internal/storage"
)

// Config configures a pillar.
type Config struct {
	ID           string
	CollectionID string
	// ChecksumType is used when a request does not name one.
	ChecksumType string
	// AuditPageSize caps the audit events returned per request.
	AuditPageSize int
	// MaxFileSize rejects larger puts and replaces. Zero means no limit.
	MaxFileSize datasize.ByteSize
	// ReplyTimeout bounds each send of a response.
	ReplyTimeout time.Duration
}

// Pillar is a reference contributor: it archives the files of one
// collection and answers the operations of the conversation protocol.
type Pillar struct {
	cfg     Config
	archive *Archive
	audit   *AuditLog
	channel bus.Channel
	logger  *zap.Logger

	started time.Time

	mu     sync.Mutex
	subs   []bus.Subscription
	paused atomic.Bool
}

// New creates a pillar on channel. Call Start to begin serving.
func New(cfg Config, channel bus.Channel, logger *zap.Logger) (*Pillar, error) {
	if cfg.ID == "" {
		return nil, errors.New("pillar id is required")
	}
	if cfg.CollectionID == "" {
		return nil, errors.New("pillar collection id is required")
	}
	if cfg.ChecksumType == "" {
		cfg.ChecksumType = ChecksumSHA256
	}
	t, err := NormalizeChecksumType(cfg.ChecksumType)
	if err != nil {
		return nil, err
	}
	cfg.ChecksumType = t
	if cfg.AuditPageSize <= 0 {
		cfg.AuditPageSize = 10000
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Second
	}
	return &Pillar{
		cfg:     cfg,
		archive: NewArchive(),
		audit:   NewAuditLog(),
		channel: channel,
		started: time.Now(),
		logger: logging.OrNop(logger).With(
			zap.String("pillar", cfg.ID), zap.String("collection", cfg.CollectionID)),
	}, nil
}

// ID returns the pillar ID.
func (p *Pillar) ID() string { return p.cfg.ID }

// Archive returns the archive of the pillar.
func (p *Pillar) Archive() *Archive { return p.archive }

// AuditLog returns the audit trail of the pillar.
func (p *Pillar) AuditLog() *AuditLog { return p.audit }

// Start subscribes to the collection and pillar destinations.
func (p *Pillar) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) > 0 {
		return nil
	}
	for _, dest := range []string{cluster.CollectionDestination(p.cfg.CollectionID), cluster.ContributorDestination(p.cfg.ID)} {
		sub, err := p.channel.Subscribe(dest, p.Handle)
		if err != nil {
			p.unsubscribeLocked()
			return fmt.Errorf("subscribe to %s: %w", dest, err)
		}
		p.subs = append(p.subs, sub)
	}
	p.logger.Info("pillar started")
	return nil
}

// Stop unsubscribes the pillar.
func (p *Pillar) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribeLocked()
	p.logger.Info("pillar stopped")
}

func (p *Pillar) unsubscribeLocked() {
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	p.subs = nil
}

// Pause makes the pillar ignore every message, like an unreachable node.
func (p *Pillar) Pause() { p.paused.Store(true) }

// Resume undoes Pause.
func (p *Pillar) Resume() { p.paused.Store(false) }

// Paused reports whether the pillar ignores messages.
func (p *Pillar) Paused() bool { return p.paused.Load() }

// CollectionID returns the collection the pillar serves.
func (p *Pillar) CollectionID() string { return p.cfg.CollectionID }

// AddFile archives a file directly, bypassing the protocol, and audits it.
func (p *Pillar) AddFile(fileID string, data []byte) error {
	if err := p.archive.Put(fileID, data); err != nil {
		return err
	}
	p.audit.Append(storage.AuditEvent{FileID: fileID, Actor: p.cfg.ID, Action: ActionPutFile, Info: "added locally"})
	return nil
}

// Handle processes one message addressed to the pillar.
func (p *Pillar) Handle(msg *cluster.Message) {
	if p.paused.Load() {
		return
	}
	if msg.CollectionID != p.cfg.CollectionID {
		p.logger.Debug("ignoring message for other collection", zap.String("message_collection", msg.CollectionID))
		return
	}
	switch msg.Kind {
	case cluster.KindIdentifyRequest:
		code, text := p.identify(msg)
		p.reply(msg, cluster.KindIdentifyResponse, code, text, nil, false)
	case cluster.KindOperationRequest:
		if msg.To != "" && msg.To != p.cfg.ID {
			return
		}
		p.handleRequest(msg)
	default:
		p.logger.Debug("ignoring message", zap.String("kind", string(msg.Kind)))
	}
}

// identify decides whether the pillar can serve the operation.
func (p *Pillar) identify(msg *cluster.Message) (cluster.ResponseCode, string) {
	switch msg.Operation {
	case ops.OpGetChecksums, ops.OpGetFileIDs:
		var q ops.FileQuery
		if len(msg.Payload) > 0 {
			if err := msg.DecodePayload(&q); err != nil {
				return cluster.CodeRequestNotUnderstood, err.Error()
			}
		}
		if q.ChecksumType != "" {
			if _, err := NormalizeChecksumType(q.ChecksumType); err != nil {
				return cluster.CodeRequestNotSupported, err.Error()
			}
		}
		if q.FileID != "" && !p.archive.Has(q.FileID) {
			return cluster.CodeFileNotFound, fmt.Sprintf("file %q not found", q.FileID)
		}
	case ops.OpGetFile:
		var q ops.FileQuery
		if err := msg.DecodePayload(&q); err != nil {
			return cluster.CodeRequestNotUnderstood, err.Error()
		}
		if q.FileID == "" {
			return cluster.CodeRequestNotUnderstood, "file id is required"
		}
		if q.ChecksumType != "" {
			if _, err := NormalizeChecksumType(q.ChecksumType); err != nil {
				return cluster.CodeRequestNotSupported, err.Error()
			}
		}
		if !p.archive.Has(q.FileID) {
			return cluster.CodeFileNotFound, fmt.Sprintf("file %q not found", q.FileID)
		}
	case ops.OpGetAuditTrails, ops.OpGetStatus:
	case ops.OpPutFile, ops.OpReplaceFile, ops.OpDeleteFile:
		var req ops.FileRequest
		if err := msg.DecodePayload(&req); err != nil {
			return cluster.CodeRequestNotUnderstood, err.Error()
		}
		exists := p.archive.Has(req.FileID)
		switch {
		case msg.Operation == ops.OpPutFile && exists:
			return cluster.CodeDuplicateFile, fmt.Sprintf("file %q already exists", req.FileID)
		case msg.Operation != ops.OpPutFile && !exists:
			return cluster.CodeFileNotFound, fmt.Sprintf("file %q not found", req.FileID)
		case p.cfg.MaxFileSize > 0 && req.Size > int64(p.cfg.MaxFileSize.Bytes()):
			return cluster.CodeFailure, fmt.Sprintf("file of %s exceeds the limit of %s",
				datasize.ByteSize(req.Size).HumanReadable(), p.cfg.MaxFileSize.HumanReadable())
		}
	default:
		return cluster.CodeRequestNotSupported, fmt.Sprintf("operation %q not supported", msg.Operation)
	}
	return cluster.CodeIdentificationPositive, ""
}

func (p *Pillar) handleRequest(msg *cluster.Message) {
	var (
		payload any
		partial bool
		err     error
	)
	switch msg.Operation {
	case ops.OpGetChecksums:
		p.reply(msg, cluster.KindProgressResponse, cluster.CodeOperationAccepted, "calculating checksums", nil, false)
		payload, err = p.getChecksums(msg)
	case ops.OpGetFileIDs:
		payload, err = p.getFileIDs(msg)
	case ops.OpGetAuditTrails:
		payload, partial, err = p.getAuditTrails(msg)
	case ops.OpGetFile:
		p.reply(msg, cluster.KindProgressResponse, cluster.CodeOperationAccepted, "reading file", nil, false)
		payload, err = p.getFile(msg)
	case ops.OpGetStatus:
		payload = p.status()
	case ops.OpPutFile, ops.OpReplaceFile, ops.OpDeleteFile:
		p.reply(msg, cluster.KindProgressResponse, cluster.CodeOperationAccepted, "request accepted", nil, false)
		payload, err = p.modify(msg)
	default:
		err = &requestError{code: cluster.CodeRequestNotSupported, text: fmt.Sprintf("operation %q not supported", msg.Operation)}
	}

	if err != nil {
		code, text := cluster.CodeFailure, err.Error()
		var re *requestError
		if errors.As(err, &re) {
			code, text = re.code, re.text
		}
		p.logger.Info("request failed",
			zap.String("operation", msg.Operation), zap.String("code", string(code)), zap.String("text", text))
		if isModifying(msg.Operation) {
			p.audit.Append(storage.AuditEvent{
				Actor:       msg.From,
				Action:      ActionFailure,
				AuditInfo:   msg.Operation,
				Info:        text,
				OperationID: msg.CorrelationID,
			})
		}
		p.reply(msg, cluster.KindFinalResponse, code, text, nil, false)
		return
	}
	p.reply(msg, cluster.KindFinalResponse, cluster.CodeOperationCompleted, "", payload, partial)
}

func isModifying(op string) bool {
	return op == ops.OpPutFile || op == ops.OpReplaceFile || op == ops.OpDeleteFile
}

// requestError maps a failed request to a response code.
type requestError struct {
	code cluster.ResponseCode
	text string
}

func (e *requestError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.text) }

func notUnderstood(err error) error {
	return &requestError{code: cluster.CodeRequestNotUnderstood, text: err.Error()}
}

func (p *Pillar) getChecksums(msg *cluster.Message) (*ops.ChecksumsResponse, error) {
	var q ops.FileQuery
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&q); err != nil {
			return nil, notUnderstood(err)
		}
	}
	checksumType := p.cfg.ChecksumType
	if q.ChecksumType != "" {
		t, err := NormalizeChecksumType(q.ChecksumType)
		if err != nil {
			return nil, &requestError{code: cluster.CodeRequestNotSupported, text: err.Error()}
		}
		checksumType = t
	}

	ids := p.archive.FileIDs()
	if q.FileID != "" {
		ids = []string{q.FileID}
	}
	resp := &ops.ChecksumsResponse{ChecksumType: checksumType, Entries: make([]ops.ChecksumEntry, 0, len(ids))}
	for _, id := range ids {
		sum, at, err := p.archive.Checksum(id, checksumType)
		if errors.Is(err, ErrFileNotFound) {
			return nil, &requestError{code: cluster.CodeFileNotFound, text: fmt.Sprintf("file %q not found", id)}
		}
		if err != nil {
			return nil, err
		}
		resp.Entries = append(resp.Entries, ops.ChecksumEntry{FileID: id, Checksum: sum, CalculatedAt: at})
	}
	p.audit.Append(storage.AuditEvent{
		FileID:      q.FileID,
		Actor:       msg.From,
		Action:      ActionChecksumCalculated,
		Info:        fmt.Sprintf("%d %s checksums", len(resp.Entries), checksumType),
		OperationID: msg.CorrelationID,
	})
	return resp, nil
}

func (p *Pillar) getFileIDs(msg *cluster.Message) (*ops.FileIDsResponse, error) {
	var q ops.FileQuery
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&q); err != nil {
			return nil, notUnderstood(err)
		}
	}
	ids := p.archive.FileIDs()
	if q.FileID != "" {
		ids = []string{q.FileID}
	}
	resp := &ops.FileIDsResponse{Entries: make([]ops.FileIDEntry, 0, len(ids))}
	for _, id := range ids {
		size, modified, err := p.archive.Info(id)
		if err != nil {
			return nil, &requestError{code: cluster.CodeFileNotFound, text: fmt.Sprintf("file %q not found", id)}
		}
		resp.Entries = append(resp.Entries, ops.FileIDEntry{FileID: id, Size: size, LastModified: modified})
	}
	return resp, nil
}

func (p *Pillar) getAuditTrails(msg *cluster.Message) (*ops.AuditTrailsResponse, bool, error) {
	var q ops.AuditTrailQuery
	if err := msg.DecodePayload(&q); err != nil {
		return nil, false, notUnderstood(err)
	}
	limit := p.cfg.AuditPageSize
	if q.MaxResults > 0 && q.MaxResults < limit {
		limit = q.MaxResults
	}
	events, more := p.audit.Query(q.MinSequence, q.MaxSequence, q.FileID, limit)
	if events == nil {
		events = []storage.AuditEvent{}
	}
	return &ops.AuditTrailsResponse{Events: events}, more, nil
}

func (p *Pillar) getFile(msg *cluster.Message) (*ops.FileContent, error) {
	var q ops.FileQuery
	if err := msg.DecodePayload(&q); err != nil {
		return nil, notUnderstood(err)
	}
	checksumType := p.cfg.ChecksumType
	if q.ChecksumType != "" {
		t, err := NormalizeChecksumType(q.ChecksumType)
		if err != nil {
			return nil, &requestError{code: cluster.CodeRequestNotSupported, text: err.Error()}
		}
		checksumType = t
	}
	data, err := p.archive.Get(q.FileID)
	if errors.Is(err, ErrFileNotFound) {
		return nil, &requestError{code: cluster.CodeFileNotFound, text: fmt.Sprintf("file %q not found", q.FileID)}
	}
	if err != nil {
		return nil, err
	}
	_, modified, _ := p.archive.Info(q.FileID)
	sum, err := Checksum(checksumType, data)
	if err != nil {
		return nil, err
	}
	p.audit.Append(storage.AuditEvent{
		FileID:      q.FileID,
		Actor:       msg.From,
		Action:      ActionGetFile,
		AuditInfo:   msg.Operation,
		OperationID: msg.CorrelationID,
	})
	return &ops.FileContent{
		FileID:       q.FileID,
		Checksum:     sum,
		ChecksumType: checksumType,
		Size:         int64(len(data)),
		LastModified: modified,
		Data:         data,
	}, nil
}

func (p *Pillar) status() *ops.StatusResponse {
	st := p.archive.Stats()
	return &ops.StatusResponse{
		ContributorID: p.cfg.ID,
		Files:         st.Files,
		Bytes:         st.Bytes,
		LastSequence:  p.audit.Largest(),
		ChecksumType:  p.cfg.ChecksumType,
		StartedAt:     p.started,
	}
}

func (p *Pillar) modify(msg *cluster.Message) (*ops.FileResponse, error) {
	var req ops.FileRequest
	if err := msg.DecodePayload(&req); err != nil {
		return nil, notUnderstood(err)
	}
	checksumType := p.cfg.ChecksumType
	if req.ChecksumType != "" {
		t, err := NormalizeChecksumType(req.ChecksumType)
		if err != nil {
			return nil, &requestError{code: cluster.CodeRequestNotSupported, text: err.Error()}
		}
		checksumType = t
	}
	if p.cfg.MaxFileSize > 0 && uint64(len(req.Data)) > p.cfg.MaxFileSize.Bytes() {
		return nil, fmt.Errorf("file of %s exceeds the limit of %s",
			datasize.ByteSize(len(req.Data)).HumanReadable(), p.cfg.MaxFileSize.HumanReadable())
	}

	if msg.Operation != ops.OpPutFile && req.ExistingChecksum != "" {
		current, _, err := p.archive.Checksum(req.FileID, checksumType)
		if errors.Is(err, ErrFileNotFound) {
			return nil, &requestError{code: cluster.CodeFileNotFound, text: fmt.Sprintf("file %q not found", req.FileID)}
		}
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(current, req.ExistingChecksum) {
			return nil, fmt.Errorf("existing checksum of %q does not match", req.FileID)
		}
	}

	var sum string
	if msg.Operation != ops.OpDeleteFile {
		var err error
		sum, err = Checksum(checksumType, req.Data)
		if err != nil {
			return nil, err
		}
		if req.Checksum != "" && !strings.EqualFold(sum, req.Checksum) {
			return nil, fmt.Errorf("received data of %q does not match the expected checksum", req.FileID)
		}
	}

	var (
		err    error
		action string
	)
	switch msg.Operation {
	case ops.OpPutFile:
		err, action = p.archive.Put(req.FileID, req.Data), ActionPutFile
	case ops.OpReplaceFile:
		err, action = p.archive.Replace(req.FileID, req.Data), ActionReplaceFile
	case ops.OpDeleteFile:
		err, action = p.archive.Delete(req.FileID), ActionDeleteFile
	}
	switch {
	case errors.Is(err, ErrFileExists):
		return nil, &requestError{code: cluster.CodeDuplicateFile, text: fmt.Sprintf("file %q already exists", req.FileID)}
	case errors.Is(err, ErrFileNotFound):
		return nil, &requestError{code: cluster.CodeFileNotFound, text: fmt.Sprintf("file %q not found", req.FileID)}
	case err != nil:
		return nil, err
	}

	p.audit.Append(storage.AuditEvent{
		FileID:      req.FileID,
		Actor:       msg.From,
		Action:      action,
		AuditInfo:   msg.Operation,
		OperationID: msg.CorrelationID,
	})
	return &ops.FileResponse{FileID: req.FileID, Checksum: sum, ChecksumType: checksumType}, nil
}

func (p *Pillar) reply(req *cluster.Message, kind cluster.Kind, code cluster.ResponseCode, text string, payload any, partial bool) {
	resp := req.Reply(kind, p.cfg.ID, code, text)
	resp.PartialResult = partial
	if payload != nil {
		if err := resp.SetPayload(payload); err != nil {
			p.logger.Error("failed to encode response", zap.Error(err))
			resp = req.Reply(kind, p.cfg.ID, cluster.CodeFailure, err.Error())
		}
	}
	if req.ReplyTo == "" {
		p.logger.Warn("request without reply destination", zap.String("from", req.From))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReplyTimeout)
	defer cancel()
	if err := p.channel.Send(ctx, resp, req.ReplyTo); err != nil {
		p.logger.Warn("failed to send response",
			zap.String("to", req.ReplyTo), zap.String("kind", string(kind)), zap.Error(err))
	}
}
