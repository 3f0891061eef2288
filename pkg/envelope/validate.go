package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnvelope is matched by every validation failure.
var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

// InvalidEnvelopeError describes why a raw message was rejected.
type InvalidEnvelopeError struct {
	Field  string
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrInvalidEnvelope, e.Reason)
	}
	return fmt.Sprintf("%v: %s %s", ErrInvalidEnvelope, e.Field, e.Reason)
}

func (e *InvalidEnvelopeError) Unwrap() error { return ErrInvalidEnvelope }

// wireEnvelope mirrors Envelope with pointers so absent fields can be told apart from zero values.
type wireEnvelope struct {
	ID        *string         `json:"id"`
	Kind      *string         `json:"kind"`
	Source    *string         `json:"source"`
	Target    *string         `json:"target"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt *int64          `json:"createdAt"`
}

// Validate decodes raw JSON and checks it structurally. It never panics.
func Validate(raw []byte) (*Envelope, error) {
	return ValidateWith(JSONCodec{}, raw)
}

// ValidateWith decodes raw with codec and checks it structurally.
func ValidateWith(codec Codec, raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, &InvalidEnvelopeError{Reason: "empty message"}
	}
	var w wireEnvelope
	if err := codec.Unmarshal(raw, &w); err != nil {
		return nil, &InvalidEnvelopeError{Reason: "malformed " + codec.Name() + ": " + err.Error()}
	}
	return w.toEnvelope()
}

// Check validates an already decoded envelope.
func Check(e *Envelope) error {
	if e == nil {
		return &InvalidEnvelopeError{Reason: "nil envelope"}
	}
	if strings.TrimSpace(e.ID) == "" {
		return &InvalidEnvelopeError{Field: "id", Reason: "is required"}
	}
	if e.Kind == "" {
		return &InvalidEnvelopeError{Field: "kind", Reason: "is required"}
	}
	if !e.Kind.Valid() {
		return &InvalidEnvelopeError{Field: "kind", Reason: fmt.Sprintf("%q is not recognized", e.Kind)}
	}
	if e.Source == "" {
		return &InvalidEnvelopeError{Field: "source", Reason: "is required"}
	}
	if !e.Source.Valid() {
		return &InvalidEnvelopeError{Field: "source", Reason: fmt.Sprintf("%q is not a context", e.Source)}
	}
	if e.Target == "" {
		return &InvalidEnvelopeError{Field: "target", Reason: "is required"}
	}
	if !e.Target.Valid() {
		return &InvalidEnvelopeError{Field: "target", Reason: fmt.Sprintf("%q is not a context", e.Target)}
	}
	if e.Source == e.Target {
		return &InvalidEnvelopeError{Field: "target", Reason: "must differ from source"}
	}
	return nil
}

func (w *wireEnvelope) toEnvelope() (*Envelope, error) {
	if w.ID == nil {
		return nil, &InvalidEnvelopeError{Field: "id", Reason: "is required"}
	}
	if w.Kind == nil {
		return nil, &InvalidEnvelopeError{Field: "kind", Reason: "is required"}
	}
	if w.Source == nil {
		return nil, &InvalidEnvelopeError{Field: "source", Reason: "is required"}
	}
	if w.Target == nil {
		return nil, &InvalidEnvelopeError{Field: "target", Reason: "is required"}
	}
	e := &Envelope{
		ID:      *w.ID,
		Kind:    Kind(*w.Kind),
		Source:  ContextID(*w.Source),
		Target:  ContextID(*w.Target),
		Payload: w.Payload,
	}
	if w.CreatedAt != nil {
		e.CreatedAt = *w.CreatedAt
	}
	if err := Check(e); err != nil {
		return nil, err
	}
	return e, nil
}
