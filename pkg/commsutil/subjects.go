package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects and headers.
const (
	SubjectRoot       = "inspector"
	SubjectStateEvent = "inspector.state"
	HeaderPortControl = "Port-Control"
	HeaderPortLink    = "Port-Link"
	HeaderPortError   = "Port-Error"
	DefaultNamespace  = "default"
)

// Port control frames carried in HeaderPortControl.
const (
	ControlClose = "close"
	ControlPing  = "ping"
)

// Link sides. Each end of a link listens on its own side's subject.
const (
	SideDialer   = "dialer"
	SideListener = "listener"
)

func token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}

// BuildPortConnectSubject builds the handshake subject a channel listener answers on.
func BuildPortConnectSubject(namespace, channel string) string {
	return fmt.Sprintf("%s.%s.port.%s.connect", SubjectRoot, token(namespace), token(channel))
}

// BuildLinkSubject builds the data subject one side of a link receives on.
func BuildLinkSubject(namespace, linkID, side string) string {
	return fmt.Sprintf("%s.%s.link.%s.%s", SubjectRoot, token(namespace), token(linkID), side)
}

// BuildStateSubject builds a granular state event subject for one context.
func BuildStateSubject(namespace, context, component string) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectStateEvent, token(namespace), token(context), token(component))
}
