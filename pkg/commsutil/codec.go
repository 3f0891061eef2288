package commsutil

import (
	"encoding/json"

	comms "github.com/nats-io/nats.go"
)

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// NewControlMsg builds an empty-bodied port control frame.
func NewControlMsg(subject, control string) *comms.Msg {
	msg := comms.NewMsg(subject)
	msg.Header.Set(HeaderPortControl, control)
	return msg
}

// ControlOf returns the control verb of msg, or "" for a data frame.
func ControlOf(msg *comms.Msg) string {
	if msg == nil || msg.Header == nil {
		return ""
	}
	return msg.Header.Get(HeaderPortControl)
}
