package pillar

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/bitkeep/internal/bus"
	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/ops"
)

const (
	testCollection = "books"
	replyTo        = "test.client"
)

// inbox collects the responses sent to replyTo.
type inbox chan *cluster.Message

func newTestPillar(t *testing.T, cfg Config) (*Pillar, *bus.Local, inbox) {
	t.Helper()
	ch := bus.NewLocal(nil)
	t.Cleanup(func() { ch.Close() })

	if cfg.ID == "" {
		cfg.ID = "pillar-1"
	}
	if cfg.CollectionID == "" {
		cfg.CollectionID = testCollection
	}
	p, err := New(cfg, ch, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Stop)

	in := make(inbox, 16)
	if _, err := ch.Subscribe(replyTo, func(m *cluster.Message) { in <- m }); err != nil {
		t.Fatal(err)
	}
	return p, ch, in
}

func (in inbox) next(t *testing.T) *cluster.Message {
	t.Helper()
	select {
	case m := <-in:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for response")
		return nil
	}
}

// final skips progress responses.
func (in inbox) final(t *testing.T) *cluster.Message {
	t.Helper()
	for {
		m := in.next(t)
		if m.Kind == cluster.KindFinalResponse {
			return m
		}
	}
}

func (in inbox) empty(t *testing.T) {
	t.Helper()
	select {
	case m := <-in:
		t.Errorf("Expected no response, got %s %s", m.Kind, m.ResponseCode)
	case <-time.After(50 * time.Millisecond):
	}
}

func request(t *testing.T, kind cluster.Kind, op string, payload any) *cluster.Message {
	t.Helper()
	m := &cluster.Message{
		Kind:          kind,
		Operation:     op,
		CorrelationID: "conv-1",
		CollectionID:  testCollection,
		From:          "client-1",
		ReplyTo:       replyTo,
	}
	if payload != nil {
		if err := m.SetPayload(payload); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestNewValidation(t *testing.T) {
	ch := bus.NewLocal(nil)
	defer ch.Close()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing id", Config{CollectionID: testCollection}},
		{"missing collection", Config{ID: "p"}},
		{"bad checksum", Config{ID: "p", CollectionID: testCollection, ChecksumType: "crc32"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, ch, nil); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	p, _, in := newTestPillar(t, Config{MaxFileSize: 10})
	if err := p.AddFile("present", []byte("data")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		op      string
		payload any
		want    cluster.ResponseCode
	}{
		{"all checksums", ops.OpGetChecksums, nil, cluster.CodeIdentificationPositive},
		{"checksum of present file", ops.OpGetChecksums, ops.FileQuery{FileID: "present"}, cluster.CodeIdentificationPositive},
		{"checksum of missing file", ops.OpGetChecksums, ops.FileQuery{FileID: "missing"}, cluster.CodeFileNotFound},
		{"unsupported checksum", ops.OpGetChecksums, ops.FileQuery{ChecksumType: "crc32"}, cluster.CodeRequestNotSupported},
		{"file ids", ops.OpGetFileIDs, nil, cluster.CodeIdentificationPositive},
		{"audit trails", ops.OpGetAuditTrails, nil, cluster.CodeIdentificationPositive},
		{"put new file", ops.OpPutFile, ops.FileRequest{FileID: "new", Size: 3}, cluster.CodeIdentificationPositive},
		{"put existing file", ops.OpPutFile, ops.FileRequest{FileID: "present"}, cluster.CodeDuplicateFile},
		{"put oversized file", ops.OpPutFile, ops.FileRequest{FileID: "big", Size: 11}, cluster.CodeFailure},
		{"replace missing file", ops.OpReplaceFile, ops.FileRequest{FileID: "missing"}, cluster.CodeFileNotFound},
		{"delete present file", ops.OpDeleteFile, ops.FileRequest{FileID: "present"}, cluster.CodeIdentificationPositive},
		{"get present file", ops.OpGetFile, ops.FileQuery{FileID: "present"}, cluster.CodeIdentificationPositive},
		{"get missing file", ops.OpGetFile, ops.FileQuery{FileID: "missing"}, cluster.CodeFileNotFound},
		{"get without file id", ops.OpGetFile, ops.FileQuery{}, cluster.CodeRequestNotUnderstood},
		{"get with unsupported checksum", ops.OpGetFile, ops.FileQuery{FileID: "present", ChecksumType: "crc32"}, cluster.CodeRequestNotSupported},
		{"status", ops.OpGetStatus, nil, cluster.CodeIdentificationPositive},
		{"unknown operation", "Teleport", nil, cluster.CodeRequestNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.Handle(request(t, cluster.KindIdentifyRequest, tt.op, tt.payload))
			resp := in.next(t)
			if resp.Kind != cluster.KindIdentifyResponse {
				t.Fatalf("Expected identify response, got %s", resp.Kind)
			}
			if resp.ResponseCode != tt.want {
				t.Errorf("Expected %s, got %s (%s)", tt.want, resp.ResponseCode, resp.ResponseText)
			}
			if resp.From != "pillar-1" || resp.CorrelationID != "conv-1" || resp.CollectionID != testCollection {
				t.Errorf("Response not addressed back correctly: %+v", resp)
			}
		})
	}
}

func TestIgnoresForeignCollectionAndPause(t *testing.T) {
	p, _, in := newTestPillar(t, Config{})

	msg := request(t, cluster.KindIdentifyRequest, ops.OpGetFileIDs, nil)
	msg.CollectionID = "other"
	p.Handle(msg)
	in.empty(t)

	p.Pause()
	p.Handle(request(t, cluster.KindIdentifyRequest, ops.OpGetFileIDs, nil))
	in.empty(t)

	p.Resume()
	p.Handle(request(t, cluster.KindIdentifyRequest, ops.OpGetFileIDs, nil))
	if resp := in.next(t); resp.ResponseCode != cluster.CodeIdentificationPositive {
		t.Errorf("Expected positive identification after resume, got %s", resp.ResponseCode)
	}
}

func TestBroadcastReachesPillar(t *testing.T) {
	_, ch, in := newTestPillar(t, Config{})

	msg := request(t, cluster.KindIdentifyRequest, ops.OpGetFileIDs, nil)
	if err := ch.Send(context.Background(), msg, cluster.CollectionDestination(testCollection)); err != nil {
		t.Fatal(err)
	}
	if resp := in.next(t); resp.ResponseCode != cluster.CodeIdentificationPositive {
		t.Errorf("Expected positive identification, got %s", resp.ResponseCode)
	}
}

func TestGetChecksums(t *testing.T) {
	p, _, in := newTestPillar(t, Config{ChecksumType: "md5"})
	if err := p.AddFile("f1", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	p.Handle(request(t, cluster.KindOperationRequest, ops.OpGetChecksums, ops.FileQuery{}))
	resp := in.final(t)
	if resp.ResponseCode != cluster.CodeOperationCompleted {
		t.Fatalf("Expected completion, got %s (%s)", resp.ResponseCode, resp.ResponseText)
	}
	var body ops.ChecksumsResponse
	if err := resp.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if body.ChecksumType != ChecksumMD5 || len(body.Entries) != 1 {
		t.Fatalf("Unexpected response: %+v", body)
	}
	if body.Entries[0].Checksum != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("Unexpected checksum %s", body.Entries[0].Checksum)
	}

	events, _ := p.AuditLog().Query(0, 0, "", 0)
	if last := events[len(events)-1]; last.Action != ActionChecksumCalculated || last.OperationID != "conv-1" {
		t.Errorf("Expected checksum audit event, got %+v", last)
	}
}

func TestGetFileIDs(t *testing.T) {
	p, _, in := newTestPillar(t, Config{})
	for _, id := range []string{"b", "a"} {
		if err := p.AddFile(id, []byte(id+id)); err != nil {
			t.Fatal(err)
		}
	}

	p.Handle(request(t, cluster.KindOperationRequest, ops.OpGetFileIDs, nil))
	resp := in.final(t)
	var body ops.FileIDsResponse
	if err := resp.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Entries) != 2 || body.Entries[0].FileID != "a" || body.Entries[0].Size != 2 {
		t.Errorf("Unexpected entries: %+v", body.Entries)
	}
}

func TestGetFile(t *testing.T) {
	p, _, in := newTestPillar(t, Config{ChecksumType: "md5"})
	if err := p.AddFile("f1", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	p.Handle(request(t, cluster.KindOperationRequest, ops.OpGetFile, ops.FileQuery{FileID: "f1"}))
	resp := in.final(t)
	if resp.ResponseCode != cluster.CodeOperationCompleted {
		t.Fatalf("Expected completion, got %s (%s)", resp.ResponseCode, resp.ResponseText)
	}
	var body ops.FileContent
	if err := resp.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if string(body.Data) != "hello" || body.Size != 5 || body.FileID != "f1" {
		t.Errorf("Unexpected file: %+v", body)
	}
	if body.ChecksumType != ChecksumMD5 || body.Checksum != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("Unexpected checksum %s %s", body.ChecksumType, body.Checksum)
	}

	events, _ := p.AuditLog().Query(0, 0, "f1", 0)
	if last := events[len(events)-1]; last.Action != ActionGetFile || last.Actor != "client-1" {
		t.Errorf("Expected get file audit event, got %+v", last)
	}

	p.Handle(request(t, cluster.KindOperationRequest, ops.OpGetFile, ops.FileQuery{FileID: "gone"}))
	if resp := in.final(t); resp.ResponseCode != cluster.CodeFileNotFound {
		t.Errorf("Expected %s for missing file, got %s", cluster.CodeFileNotFound, resp.ResponseCode)
	}
}

func TestGetStatus(t *testing.T) {
	p, _, in := newTestPillar(t, Config{})
	for _, id := range []string{"a", "b"} {
		if err := p.AddFile(id, []byte("xyz")); err != nil {
			t.Fatal(err)
		}
	}

	p.Handle(request(t, cluster.KindOperationRequest, ops.OpGetStatus, nil))
	resp := in.final(t)
	var body ops.StatusResponse
	if err := resp.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if body.ContributorID != "pillar-1" || body.Files != 2 || body.Bytes != 6 || body.LastSequence != 2 {
		t.Errorf("Unexpected status: %+v", body)
	}
	if body.ChecksumType != ChecksumSHA256 || body.StartedAt.IsZero() {
		t.Errorf("Unexpected status: %+v", body)
	}
}

func TestGetAuditTrailsPaging(t *testing.T) {
	p, _, in := newTestPillar(t, Config{AuditPageSize: 2})
	for _, id := range []string{"a", "b", "c"} {
		if err := p.AddFile(id, nil); err != nil {
			t.Fatal(err)
		}
	}

	p.Handle(request(t, cluster.KindOperationRequest, ops.OpGetAuditTrails, ops.AuditTrailQuery{MinSequence: 1, MaxResults: 10}))
	resp := in.final(t)
	var body ops.AuditTrailsResponse
	if err := resp.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Events) != 2 || !resp.PartialResult {
		t.Fatalf("Expected a partial page of 2, got %d (partial=%v)", len(body.Events), resp.PartialResult)
	}

	p.Handle(request(t, cluster.KindOperationRequest, ops.OpGetAuditTrails, ops.AuditTrailQuery{MinSequence: 3}))
	resp = in.final(t)
	body = ops.AuditTrailsResponse{}
	if err := resp.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Events) != 1 || body.Events[0].SequenceNumber != 3 || resp.PartialResult {
		t.Errorf("Expected the last event only, got %+v (partial=%v)", body.Events, resp.PartialResult)
	}
}

func TestModifyFiles(t *testing.T) {
	p, _, in := newTestPillar(t, Config{})
	sum, _ := Checksum(ChecksumSHA256, []byte("v1"))
	sum2, _ := Checksum(ChecksumSHA256, []byte("v2"))

	p.Handle(request(t, cluster.KindOperationRequest, ops.OpPutFile, ops.FileRequest{FileID: "f", Checksum: sum, Data: []byte("v1")}))
	resp := in.final(t)
	if resp.ResponseCode != cluster.CodeOperationCompleted {
		t.Fatalf("Put failed: %s %s", resp.ResponseCode, resp.ResponseText)
	}
	var body ops.FileResponse
	if err := resp.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if body.Checksum != sum {
		t.Errorf("Expected stored checksum %s, got %s", sum, body.Checksum)
	}

	t.Run("replace with wrong existing checksum", func(t *testing.T) {
		p.Handle(request(t, cluster.KindOperationRequest, ops.OpReplaceFile,
			ops.FileRequest{FileID: "f", ExistingChecksum: "bad", Data: []byte("v2")}))
		if resp := in.final(t); resp.ResponseCode != cluster.CodeFailure {
			t.Errorf("Expected failure, got %s", resp.ResponseCode)
		}
	})

	t.Run("replace", func(t *testing.T) {
		p.Handle(request(t, cluster.KindOperationRequest, ops.OpReplaceFile,
			ops.FileRequest{FileID: "f", ExistingChecksum: sum, Checksum: sum2, Data: []byte("v2")}))
		if resp := in.final(t); resp.ResponseCode != cluster.CodeOperationCompleted {
			t.Errorf("Replace failed: %s %s", resp.ResponseCode, resp.ResponseText)
		}
		if data, _ := p.Archive().Get("f"); string(data) != "v2" {
			t.Errorf("Expected v2, got %q", data)
		}
	})

	t.Run("put corrupted in transit", func(t *testing.T) {
		p.Handle(request(t, cluster.KindOperationRequest, ops.OpPutFile,
			ops.FileRequest{FileID: "g", Checksum: sum, Data: []byte("not v1")}))
		if resp := in.final(t); resp.ResponseCode != cluster.CodeFailure {
			t.Errorf("Expected failure, got %s", resp.ResponseCode)
		}
		if p.Archive().Has("g") {
			t.Error("Corrupted file must not be stored")
		}
	})

	t.Run("delete", func(t *testing.T) {
		p.Handle(request(t, cluster.KindOperationRequest, ops.OpDeleteFile, ops.FileRequest{FileID: "f", ExistingChecksum: sum2}))
		if resp := in.final(t); resp.ResponseCode != cluster.CodeOperationCompleted {
			t.Errorf("Delete failed: %s %s", resp.ResponseCode, resp.ResponseText)
		}
		p.Handle(request(t, cluster.KindOperationRequest, ops.OpDeleteFile, ops.FileRequest{FileID: "f"}))
		if resp := in.final(t); resp.ResponseCode != cluster.CodeFileNotFound {
			t.Errorf("Expected file not found, got %s", resp.ResponseCode)
		}
	})

	events, _ := p.AuditLog().Query(0, 0, "", 0)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
		if e.Actor != "client-1" {
			t.Errorf("Expected actor client-1, got %q", e.Actor)
		}
	}
	want := []string{ActionPutFile, ActionFailure, ActionReplaceFile, ActionFailure, ActionDeleteFile, ActionFailure}
	if len(actions) != len(want) {
		t.Fatalf("Expected actions %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("Action %d: expected %s, got %s", i, want[i], actions[i])
		}
	}
}

func TestRequestForOtherPillarIgnored(t *testing.T) {
	p, _, in := newTestPillar(t, Config{})
	msg := request(t, cluster.KindOperationRequest, ops.OpGetFileIDs, nil)
	msg.To = "pillar-2"
	p.Handle(msg)
	in.empty(t)
}

func TestMalformedRequest(t *testing.T) {
	p, _, in := newTestPillar(t, Config{})
	msg := request(t, cluster.KindOperationRequest, ops.OpGetAuditTrails, nil)
	msg.Payload = []byte(`{"min_sequence": "one"}`)
	p.Handle(msg)
	if resp := in.final(t); resp.ResponseCode != cluster.CodeRequestNotUnderstood {
		t.Errorf("Expected not understood, got %s", resp.ResponseCode)
	}
}
