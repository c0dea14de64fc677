package pillar

import (
	"sync"
	"time"

	"github.com/dreamware/bitkeep/internal/storage"
)

// Audit actions recorded by a pillar.
const (
	ActionPutFile            = "PUT_FILE"
	ActionReplaceFile        = "REPLACE_FILE"
	ActionDeleteFile         = "DELETE_FILE"
	ActionGetFile            = "GET_FILE"
	ActionChecksumCalculated = "CHECKSUM_CALCULATED"
	ActionFailure            = "FAILURE"
)

// AuditLog is the append-only audit trail of a pillar. Sequence numbers
// start at 1 and have no gaps.
type AuditLog struct {
	mu     sync.RWMutex
	events []storage.AuditEvent
	now    func() time.Time
}

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{now: time.Now}
}

// Append records an event and returns it with its sequence number set.
func (l *AuditLog) Append(e storage.AuditEvent) storage.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.SequenceNumber = uint64(len(l.events)) + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	l.events = append(l.events, e)
	return e
}

// Largest returns the sequence number of the newest event, or 0.
func (l *AuditLog) Largest() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// Query returns up to limit events with sequence numbers in [min, max],
// oldest first, optionally restricted to one file. A zero max means no upper
// bound and a non-positive limit means no limit. more reports whether
// further matching events exist beyond the returned ones.
func (l *AuditLog) Query(min, max uint64, fileID string, limit int) (events []storage.AuditEvent, more bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if min < 1 {
		min = 1
	}
	for i := min - 1; i < uint64(len(l.events)); i++ {
		e := l.events[i]
		if max > 0 && e.SequenceNumber > max {
			break
		}
		if fileID != "" && e.FileID != fileID {
			continue
		}
		if limit > 0 && len(events) == limit {
			return events, true
		}
		events = append(events, e)
	}
	return events, false
}
