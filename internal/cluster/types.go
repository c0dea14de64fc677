package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies the role of a message in a conversation.
type Kind string

const (
	KindIdentifyRequest  Kind = "identify-request"
	KindIdentifyResponse Kind = "identify-response"
	KindOperationRequest Kind = "operation-request"
	KindProgressResponse Kind = "progress-response"
	KindFinalResponse    Kind = "final-response"
)

// ResponseCode is the outcome a contributor reports in a response.
type ResponseCode string

const (
	CodeIdentificationPositive ResponseCode = "IDENTIFICATION_POSITIVE"
	CodeIdentificationNegative ResponseCode = "IDENTIFICATION_NEGATIVE"
	CodeOperationAccepted      ResponseCode = "OPERATION_ACCEPTED_PROGRESS"
	CodeOperationCompleted     ResponseCode = "OPERATION_COMPLETED"
	CodeFailure                ResponseCode = "FAILURE"
	CodeFileNotFound           ResponseCode = "FILE_NOT_FOUND_FAILURE"
	CodeDuplicateFile          ResponseCode = "DUPLICATE_FILE_FAILURE"
	CodeRequestNotSupported    ResponseCode = "REQUEST_NOT_SUPPORTED"
	CodeRequestNotUnderstood   ResponseCode = "REQUEST_NOT_UNDERSTOOD_FAILURE"
)

// Positive reports whether the code ends a request successfully or signals
// progress towards doing so.
func (c ResponseCode) Positive() bool {
	switch c {
	case CodeIdentificationPositive, CodeOperationAccepted, CodeOperationCompleted:
		return true
	}
	return false
}

// Message is the envelope exchanged between clients and contributors.
// Payload carries the operation specific body as raw JSON.
type Message struct {
	Kind          Kind            `json:"kind"`
	Operation     string          `json:"operation"`
	CorrelationID string          `json:"correlation_id"`
	CollectionID  string          `json:"collection_id"`
	From          string          `json:"from"`
	To            string          `json:"to,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	ResponseCode  ResponseCode    `json:"response_code,omitempty"`
	ResponseText  string          `json:"response_text,omitempty"`
	PartialResult bool            `json:"partial_result,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// IsResponse reports whether the message travels from a contributor to a client.
func (m *Message) IsResponse() bool {
	switch m.Kind {
	case KindIdentifyResponse, KindProgressResponse, KindFinalResponse:
		return true
	}
	return false
}

// Reply builds a response to m with the sender set to from.
func (m *Message) Reply(kind Kind, from string, code ResponseCode, text string) *Message {
	return &Message{
		Kind:          kind,
		Operation:     m.Operation,
		CorrelationID: m.CorrelationID,
		CollectionID:  m.CollectionID,
		From:          from,
		To:            m.ReplyTo,
		ResponseCode:  code,
		ResponseText:  text,
	}
}

// SetPayload encodes v as the message payload.
func (m *Message) SetPayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", m.Operation, err)
	}
	m.Payload = raw
	return nil
}

// DecodePayload decodes the message payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s %s from %q: empty payload", m.Operation, m.Kind, m.From)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload from %q: %w", m.Operation, m.From, err)
	}
	return nil
}

// CollectionDestination is the destination every contributor of a collection
// listens on for identify broadcasts.
func CollectionDestination(collectionID string) string {
	return "bitkeep.collection." + collectionID
}

// ContributorDestination is the destination a single contributor listens on
// for operation requests.
func ContributorDestination(contributorID string) string {
	return "bitkeep.contributor." + contributorID
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
