package ops

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/aggregate"
	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/storage"
)

// ErrChecksumMismatch is returned when a contributor reports a checksum other
// than the one requested.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// GetChecksumsOp collects file checksums. Records are keyed by file ID with
// one checksum per contributor.
type GetChecksumsOp struct {
	Query   FileQuery
	results *aggregate.Aggregator[string, string]
}

// NewGetChecksums creates the descriptor for contributors.
func NewGetChecksums(contributors []string, q FileQuery) *GetChecksumsOp {
	return &GetChecksumsOp{
		Query:   q,
		results: aggregate.New[string, string](contributors, aggregate.Options[string]{Equal: strings.EqualFold}),
	}
}

func (d *GetChecksumsOp) Operation() string                { return OpGetChecksums }
func (d *GetChecksumsOp) IdentifyRequest() (any, error)    { return d.Query, nil }
func (d *GetChecksumsOp) BuildRequest(string) (any, error) { return d.Query, nil }

// Results returns the aggregator the responses are merged into.
func (d *GetChecksumsOp) Results() *aggregate.Aggregator[string, string] { return d.results }

func (d *GetChecksumsOp) MergeResponse(contributor string, msg *cluster.Message) error {
	var resp ChecksumsResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return err
	}
	if d.Query.ChecksumType != "" && resp.ChecksumType != "" && !strings.EqualFold(d.Query.ChecksumType, resp.ChecksumType) {
		return fmt.Errorf("asked for %s checksums, got %s", d.Query.ChecksumType, resp.ChecksumType)
	}
	items := make([]aggregate.Item[string, string], 0, len(resp.Entries))
	for _, e := range resp.Entries {
		if d.Query.FileID != "" && e.FileID != d.Query.FileID {
			continue
		}
		items = append(items, aggregate.Item[string, string]{Key: e.FileID, Value: e.Checksum, Timestamp: e.CalculatedAt})
	}
	return d.results.AddResults(contributor, items)
}

// GetFileIDsOp collects the files held by contributors. Contributors conflict
// when they report different sizes for the same file.
type GetFileIDsOp struct {
	Query   FileQuery
	results *aggregate.Aggregator[string, FileIDEntry]
}

// NewGetFileIDs creates the descriptor for contributors.
func NewGetFileIDs(contributors []string, q FileQuery) *GetFileIDsOp {
	return &GetFileIDsOp{
		Query: q,
		results: aggregate.New[string, FileIDEntry](contributors, aggregate.Options[FileIDEntry]{
			Equal: func(a, b FileIDEntry) bool { return a.Size == b.Size },
			Merge: func(old, new FileIDEntry) FileIDEntry {
				if new.LastModified.Before(old.LastModified) {
					return old
				}
				return new
			},
		}),
	}
}

func (d *GetFileIDsOp) Operation() string                { return OpGetFileIDs }
func (d *GetFileIDsOp) IdentifyRequest() (any, error)    { return d.Query, nil }
func (d *GetFileIDsOp) BuildRequest(string) (any, error) { return d.Query, nil }

// Results returns the aggregator the responses are merged into.
func (d *GetFileIDsOp) Results() *aggregate.Aggregator[string, FileIDEntry] { return d.results }

func (d *GetFileIDsOp) MergeResponse(contributor string, msg *cluster.Message) error {
	var resp FileIDsResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return err
	}
	items := make([]aggregate.Item[string, FileIDEntry], 0, len(resp.Entries))
	for _, e := range resp.Entries {
		if d.Query.FileID != "" && e.FileID != d.Query.FileID {
			continue
		}
		items = append(items, aggregate.Item[string, FileIDEntry]{Key: e.FileID, Value: e, Timestamp: e.LastModified})
	}
	return d.results.AddResults(contributor, items)
}

// AuditTrailPage is what one contributor returned for its audit trail query.
type AuditTrailPage struct {
	Events  []storage.AuditEvent
	Partial bool
}

// Highest returns the largest sequence number on the page, or 0.
func (p AuditTrailPage) Highest() uint64 {
	var seq uint64
	for _, e := range p.Events {
		if e.SequenceNumber > seq {
			seq = e.SequenceNumber
		}
	}
	return seq
}

// GetAuditTrailsOp asks every contributor for the part of its audit trail
// described by its own query. Pages are kept per contributor; they are
// persisted by the caller, not aggregated.
type GetAuditTrailsOp struct {
	mu      sync.Mutex
	queries map[string]AuditTrailQuery
	pages   map[string]AuditTrailPage
}

// NewGetAuditTrails creates the descriptor. The contributors of the
// operation are the keys of queries.
func NewGetAuditTrails(queries map[string]AuditTrailQuery) *GetAuditTrailsOp {
	q := make(map[string]AuditTrailQuery, len(queries))
	for c, query := range queries {
		q[c] = query
	}
	return &GetAuditTrailsOp{queries: q, pages: make(map[string]AuditTrailPage)}
}

func (d *GetAuditTrailsOp) Operation() string             { return OpGetAuditTrails }
func (d *GetAuditTrailsOp) IdentifyRequest() (any, error) { return nil, nil }

// Contributors returns the queried contributors, sorted.
func (d *GetAuditTrailsOp) Contributors() []string {
	out := make([]string, 0, len(d.queries))
	for c := range d.queries {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (d *GetAuditTrailsOp) BuildRequest(contributor string) (any, error) {
	q, ok := d.queries[contributor]
	if !ok {
		return nil, fmt.Errorf("no audit trail query for %q", contributor)
	}
	return q, nil
}

func (d *GetAuditTrailsOp) MergeResponse(contributor string, msg *cluster.Message) error {
	var resp AuditTrailsResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return err
	}
	q := d.queries[contributor]
	for _, e := range resp.Events {
		if e.SequenceNumber < q.MinSequence || (q.MaxSequence > 0 && e.SequenceNumber > q.MaxSequence) {
			return fmt.Errorf("audit event %d outside requested range [%d, %d]", e.SequenceNumber, q.MinSequence, q.MaxSequence)
		}
	}
	events := slices.Clone(resp.Events)
	slices.SortFunc(events, func(a, b storage.AuditEvent) int {
		switch {
		case a.SequenceNumber < b.SequenceNumber:
			return -1
		case a.SequenceNumber > b.SequenceNumber:
			return 1
		}
		return 0
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[contributor] = AuditTrailPage{Events: events, Partial: msg.PartialResult}
	return nil
}

// Page returns the page merged for contributor.
func (d *GetAuditTrailsOp) Page(contributor string) (AuditTrailPage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[contributor]
	return p, ok
}

// Pages returns a copy of every merged page.
func (d *GetAuditTrailsOp) Pages() map[string]AuditTrailPage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]AuditTrailPage, len(d.pages))
	for c, p := range d.pages {
		out[c] = p
	}
	return out
}

// GetFileOp retrieves one file. Every contributor is asked whether it holds
// the file but the request goes only to the first one that answers
// positively.
type GetFileOp struct {
	Query FileQuery

	mu       sync.Mutex
	selected string
	file     *FileContent
}

// NewGetFile creates the descriptor for the file named by q.
func NewGetFile(q FileQuery) *GetFileOp {
	return &GetFileOp{Query: q}
}

func (d *GetFileOp) Operation() string                { return OpGetFile }
func (d *GetFileOp) IdentifyRequest() (any, error)    { return d.Query, nil }
func (d *GetFileOp) BuildRequest(string) (any, error) { return d.Query, nil }

// SelectContributors picks the fastest positive responder.
func (d *GetFileOp) SelectContributors(identified []string) []string {
	if len(identified) == 0 {
		return nil
	}
	d.mu.Lock()
	d.selected = identified[0]
	d.mu.Unlock()
	return identified[:1]
}

// Selected returns the contributor the file was requested from.
func (d *GetFileOp) Selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

func (d *GetFileOp) MergeResponse(contributor string, msg *cluster.Message) error {
	var resp FileContent
	if err := msg.DecodePayload(&resp); err != nil {
		return err
	}
	if resp.FileID != d.Query.FileID {
		return fmt.Errorf("response for file %q, expected %q", resp.FileID, d.Query.FileID)
	}
	if int64(len(resp.Data)) != resp.Size {
		return fmt.Errorf("file %q: got %d bytes, announced %d", resp.FileID, len(resp.Data), resp.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.file = &resp
	return nil
}

// File returns the retrieved file, or nil.
func (d *GetFileOp) File() *FileContent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file
}

// GetStatusOp asks every contributor for its status.
type GetStatusOp struct {
	mu       sync.Mutex
	statuses map[string]StatusResponse
}

// NewGetStatus creates the descriptor.
func NewGetStatus() *GetStatusOp {
	return &GetStatusOp{statuses: make(map[string]StatusResponse)}
}

func (d *GetStatusOp) Operation() string                { return OpGetStatus }
func (d *GetStatusOp) IdentifyRequest() (any, error)    { return nil, nil }
func (d *GetStatusOp) BuildRequest(string) (any, error) { return nil, nil }

func (d *GetStatusOp) MergeResponse(contributor string, msg *cluster.Message) error {
	var resp StatusResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return err
	}
	if resp.ContributorID != "" && resp.ContributorID != contributor {
		return fmt.Errorf("status of %q reported by %q", resp.ContributorID, contributor)
	}
	resp.ContributorID = contributor
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[contributor] = resp
	return nil
}

// Statuses returns a copy of the statuses merged so far.
func (d *GetStatusOp) Statuses() map[string]StatusResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]StatusResponse, len(d.statuses))
	for c, st := range d.statuses {
		out[c] = st
	}
	return out
}

// ModifyFile is the descriptor of PutFile, ReplaceFile and DeleteFile. The
// result holds, per file, the checksum each contributor stored.
type ModifyFile struct {
	op      string
	Request FileRequest
	results *aggregate.Aggregator[string, string]
}

// NewPutFile creates a put descriptor. Contributors that already hold the
// file identify negatively.
func NewPutFile(contributors []string, req FileRequest) *ModifyFile {
	return newModifyFile(OpPutFile, contributors, req)
}

// NewReplaceFile creates a replace descriptor.
func NewReplaceFile(contributors []string, req FileRequest) *ModifyFile {
	return newModifyFile(OpReplaceFile, contributors, req)
}

// NewDeleteFile creates a delete descriptor. Contributors that do not hold
// the file identify negatively.
func NewDeleteFile(contributors []string, req FileRequest) *ModifyFile {
	return newModifyFile(OpDeleteFile, contributors, req)
}

func newModifyFile(op string, contributors []string, req FileRequest) *ModifyFile {
	return &ModifyFile{
		op:      op,
		Request: req,
		results: aggregate.New[string, string](contributors, aggregate.Options[string]{Equal: strings.EqualFold}),
	}
}

// Validate checks that the request carries what the operation needs.
func (d *ModifyFile) Validate() error {
	if d.Request.FileID == "" {
		return fmt.Errorf("%s: file id is required", d.op)
	}
	switch d.op {
	case OpPutFile, OpReplaceFile:
		if d.Request.Data == nil {
			return fmt.Errorf("%s: file data is required", d.op)
		}
	}
	if d.op == OpReplaceFile && d.Request.ExistingChecksum == "" {
		return fmt.Errorf("%s: checksum of the existing file is required", d.op)
	}
	return nil
}

func (d *ModifyFile) Operation() string { return d.op }

func (d *ModifyFile) IdentifyRequest() (any, error) {
	identify := d.Request
	identify.Data = nil
	return identify, nil
}

func (d *ModifyFile) BuildRequest(string) (any, error) { return d.Request, nil }

// Results returns the aggregator the responses are merged into.
func (d *ModifyFile) Results() *aggregate.Aggregator[string, string] { return d.results }

func (d *ModifyFile) MergeResponse(contributor string, msg *cluster.Message) error {
	var resp FileResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return err
	}
	if resp.FileID != d.Request.FileID {
		return fmt.Errorf("response for file %q, expected %q", resp.FileID, d.Request.FileID)
	}
	if d.op != OpDeleteFile && d.Request.Checksum != "" && !strings.EqualFold(resp.Checksum, d.Request.Checksum) {
		return fmt.Errorf("%w: stored %s, expected %s", ErrChecksumMismatch, resp.Checksum, d.Request.Checksum)
	}
	return d.results.AddResults(contributor, []aggregate.Item[string, string]{
		{Key: resp.FileID, Value: resp.Checksum, Timestamp: time.Now()},
	})
}
