// Package envelope defines the wire message exchanged between inspector contexts.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const logPrefix = "envelope:envelope"

// Kind is the closed set of message kinds carried by an Envelope.
type Kind string

const (
	KindSupportQuery        Kind = "support-query"
	KindSupportResponse     Kind = "support-response"
	KindTreeQuery           Kind = "tree-query"
	KindTreeResponse        Kind = "tree-response"
	KindNodeQuery           Kind = "node-query"
	KindNodeResponse        Kind = "node-response"
	KindSetProperty         Kind = "set-property"
	KindSetPropertyResponse Kind = "set-property-response"
	KindError               Kind = "error"
)

var kinds = map[Kind]struct{}{
	KindSupportQuery:        {},
	KindSupportResponse:     {},
	KindTreeQuery:           {},
	KindTreeResponse:        {},
	KindNodeQuery:           {},
	KindNodeResponse:        {},
	KindSetProperty:         {},
	KindSetPropertyResponse: {},
	KindError:               {},
}

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// IsResponse reports whether k answers an earlier request.
func (k Kind) IsResponse() bool {
	switch k {
	case KindSupportResponse, KindTreeResponse, KindNodeResponse, KindSetPropertyResponse, KindError:
		return true
	}
	return false
}

// ResponseKind returns the kind that answers a request of kind k.
func (k Kind) ResponseKind() (Kind, bool) {
	switch k {
	case KindSupportQuery:
		return KindSupportResponse, true
	case KindTreeQuery:
		return KindTreeResponse, true
	case KindNodeQuery:
		return KindNodeResponse, true
	case KindSetProperty:
		return KindSetPropertyResponse, true
	}
	return "", false
}

// ContextID names one of the four isolated execution contexts.
type ContextID string

const (
	ContextPage    ContextID = "page"
	ContextContent ContextID = "content"
	ContextRelay   ContextID = "relay"
	ContextPanel   ContextID = "panel"
)

// Valid reports whether c is a known context.
func (c ContextID) Valid() bool {
	switch c {
	case ContextPage, ContextContent, ContextRelay, ContextPanel:
		return true
	}
	return false
}

// Envelope is the unit of communication between contexts. Once sent it is never mutated.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Source    ContextID       `json:"source"`
	Target    ContextID       `json:"target"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// ErrorDetail is the payload of a KindError envelope.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Error codes carried in ErrorDetail.
const (
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeKindNotSupported = "KIND_NOT_SUPPORTED"
	CodeNoRoute          = "NO_ROUTE"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeConnectionLost   = "CONNECTION_LOST"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
)

// NewID mints a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// New builds an envelope with a fresh correlation id. payload may be nil.
func New(kind Kind, source, target ContextID, payload any) (*Envelope, error) {
	return NewWithID(NewID(), kind, source, target, payload)
}

// NewWithID builds an envelope carrying the given correlation id.
func NewWithID(id string, kind Kind, source, target ContextID, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        id,
		Kind:      kind,
		Source:    source,
		Target:    target,
		Payload:   raw,
		CreatedAt: time.Now().UnixMilli(),
	}, nil
}

// Reply builds a response to req: same id, source and target swapped.
func Reply(req *Envelope, kind Kind, payload any) (*Envelope, error) {
	return NewWithID(req.ID, kind, req.Target, req.Source, payload)
}

// NewError builds an error envelope answering req.
func NewError(req *Envelope, code, message string, retryable bool) *Envelope {
	raw, _ := json.Marshal(&ErrorDetail{Code: code, Message: message, Retryable: retryable})
	return &Envelope{
		ID:        req.ID,
		Kind:      KindError,
		Source:    req.Target,
		Target:    req.Source,
		Payload:   raw,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// DecodePayload unmarshals the payload into v. An absent payload leaves v untouched.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s - failed to decode %s payload: %w", logPrefix, e.Kind, err)
	}
	return nil
}

// ErrorDetail decodes the payload of an error envelope.
func (e *Envelope) ErrorDetail() *ErrorDetail {
	var detail ErrorDetail
	if err := e.DecodePayload(&detail); err != nil || detail.Code == "" {
		return &ErrorDetail{Code: CodeInternal, Message: "malformed error payload"}
	}
	return &detail
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s id=%s %s->%s", e.Kind, e.ID, e.Source, e.Target)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode payload: %w", logPrefix, err)
	}
	return raw, nil
}
