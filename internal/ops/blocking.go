package ops

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/aggregate"
	"github.com/dreamware/bitkeep/internal/conversation"
)

// Starter starts conversations. *conversation.Client implements it.
type Starter interface {
	Start(ctx context.Context, p conversation.Params, contributors []string, handler conversation.EventHandler) (*conversation.Conversation, error)
}

// Result is the outcome of a blocking operation. It is returned together
// with the error of a failed operation so that partial results stay
// available.
type Result[V any] struct {
	Completed   []aggregate.Record[string, V]
	Uncompleted []aggregate.Record[string, V]
	Summary     *conversation.Summary
}

// Conflicts returns the completed and uncompleted records whose
// contributors disagree.
func (r *Result[V]) Conflicts() []aggregate.Record[string, V] {
	var out []aggregate.Record[string, V]
	for _, rec := range append(slices.Clone(r.Completed), r.Uncompleted...) {
		if rec.Conflict {
			out = append(out, rec)
		}
	}
	return out
}

// Record returns the record for key, completed or not.
func (r *Result[V]) Record(key string) (aggregate.Record[string, V], bool) {
	for _, recs := range [][]aggregate.Record[string, V]{r.Completed, r.Uncompleted} {
		for _, rec := range recs {
			if rec.Key == key {
				return rec, true
			}
		}
	}
	return aggregate.Record[string, V]{}, false
}

func collect[V any](agg *aggregate.Aggregator[string, V], summary *conversation.Summary) *Result[V] {
	res := &Result[V]{
		Completed:   agg.CompletedResults(),
		Uncompleted: agg.UncompletedResults(),
		Summary:     summary,
	}
	slices.SortFunc(res.Uncompleted, func(a, b aggregate.Record[string, V]) int {
		return strings.Compare(a.Key, b.Key)
	})
	return res
}

// Run starts desc against contributors and waits for it to finish. The
// summary is nil only when the conversation could not be started or ctx
// ended first.
func Run(ctx context.Context, s Starter, collectionID string, contributors []string, desc conversation.Descriptor, handler conversation.EventHandler) (*conversation.Summary, error) {
	conv, err := s.Start(ctx, conversation.Params{CollectionID: collectionID, Descriptor: desc}, contributors, handler)
	if err != nil {
		return nil, err
	}
	summary, err := conv.Wait(ctx)
	if summary == nil {
		conv.Cancel()
	}
	return summary, err
}

// GetChecksums collects checksums from contributors and blocks until the
// operation ends.
func GetChecksums(ctx context.Context, s Starter, collectionID string, contributors []string, q FileQuery) (*Result[string], error) {
	d := NewGetChecksums(contributors, q)
	summary, err := Run(ctx, s, collectionID, contributors, d, nil)
	if summary == nil {
		return nil, err
	}
	return collect(d.results, summary), err
}

// GetFileIDs lists the files of contributors and blocks until the operation
// ends.
func GetFileIDs(ctx context.Context, s Starter, collectionID string, contributors []string, q FileQuery) (*Result[FileIDEntry], error) {
	d := NewGetFileIDs(contributors, q)
	summary, err := Run(ctx, s, collectionID, contributors, d, nil)
	if summary == nil {
		return nil, err
	}
	return collect(d.results, summary), err
}

// AuditTrailsResult holds the page each contributor returned.
type AuditTrailsResult struct {
	Pages   map[string]AuditTrailPage
	Summary *conversation.Summary
}

// GetAuditTrails runs one audit trail query per contributor and blocks until
// the operation ends.
func GetAuditTrails(ctx context.Context, s Starter, collectionID string, queries map[string]AuditTrailQuery) (*AuditTrailsResult, error) {
	d := NewGetAuditTrails(queries)
	summary, err := Run(ctx, s, collectionID, d.Contributors(), d, nil)
	if summary == nil {
		return nil, err
	}
	return &AuditTrailsResult{Pages: d.Pages(), Summary: summary}, err
}

// ErrFileIDRequired is returned by GetFile for an empty file ID.
var ErrFileIDRequired = errors.New("file id is required")

// FileResult is the outcome of GetFile.
type FileResult struct {
	File        *FileContent
	Contributor string
	Summary     *conversation.Summary
}

// GetFile retrieves a file from the first contributor that reports holding
// it and blocks until the transfer ends.
func GetFile(ctx context.Context, s Starter, collectionID string, contributors []string, q FileQuery) (*FileResult, error) {
	if q.FileID == "" {
		return nil, ErrFileIDRequired
	}
	d := NewGetFile(q)
	summary, err := Run(ctx, s, collectionID, contributors, d, nil)
	if summary == nil {
		return nil, err
	}
	return &FileResult{File: d.File(), Contributor: d.Selected(), Summary: summary}, err
}

// StatusResult holds the status each contributor reported.
type StatusResult struct {
	Statuses map[string]StatusResponse
	Summary  *conversation.Summary
}

// GetStatus asks contributors for their status and blocks until the
// operation ends.
func GetStatus(ctx context.Context, s Starter, collectionID string, contributors []string) (*StatusResult, error) {
	d := NewGetStatus()
	summary, err := Run(ctx, s, collectionID, contributors, d, nil)
	if summary == nil {
		return nil, err
	}
	return &StatusResult{Statuses: d.Statuses(), Summary: summary}, err
}

// PutFile stores a new file on contributors.
func PutFile(ctx context.Context, s Starter, collectionID string, contributors []string, req FileRequest) (*Result[string], error) {
	return modify(ctx, s, collectionID, NewPutFile(contributors, req), contributors)
}

// ReplaceFile replaces an existing file on contributors.
func ReplaceFile(ctx context.Context, s Starter, collectionID string, contributors []string, req FileRequest) (*Result[string], error) {
	return modify(ctx, s, collectionID, NewReplaceFile(contributors, req), contributors)
}

// DeleteFile removes a file from contributors.
func DeleteFile(ctx context.Context, s Starter, collectionID string, contributors []string, req FileRequest) (*Result[string], error) {
	return modify(ctx, s, collectionID, NewDeleteFile(contributors, req), contributors)
}

func modify(ctx context.Context, s Starter, collectionID string, d *ModifyFile, contributors []string) (*Result[string], error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	summary, err := Run(ctx, s, collectionID, contributors, d, nil)
	if summary == nil {
		return nil, err
	}
	return collect(d.results, summary), err
}
