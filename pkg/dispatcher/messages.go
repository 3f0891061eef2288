// Package dispatcher answers inspector requests addressed to the page context.
package dispatcher

import (
	"github.com/morezero/inspector-bridge/pkg/detect"
	"github.com/morezero/inspector-bridge/pkg/introspect"
	"github.com/morezero/inspector-bridge/pkg/snapshot"
)

// SupportResponse is the payload of a support-response envelope.
type SupportResponse = detect.Result

// TreeQuery is the payload of a tree-query envelope. Zero limits use the dispatcher defaults.
type TreeQuery struct {
	MaxDepth    int `json:"maxDepth,omitempty"`
	MaxChildren int `json:"maxChildren,omitempty"`
}

// TreeResponse is the payload of a tree-response envelope.
type TreeResponse struct {
	Nodes      []snapshot.TreeNode `json:"nodes"`
	Generation uint64              `json:"generation"`
}

// NodeQuery is the payload of a node-query envelope.
type NodeQuery struct {
	Handle      string `json:"handle"`
	ShowPrivate bool   `json:"showPrivate,omitempty"`
	ShowMethods bool   `json:"showMethods,omitempty"`
}

// NodeResponse is the payload of a node-response envelope.
type NodeResponse struct {
	Handle     string                      `json:"handle"`
	Properties []introspect.PropertyRecord `json:"properties"`
}

// SetProperty is the payload of a set-property envelope.
type SetProperty struct {
	Handle string   `json:"handle"`
	Path   []string `json:"path"`
	Value  any      `json:"value"`
}

// SetPropertyResponse is the payload of a set-property-response envelope. Mutation failures are
// reported here rather than as error envelopes.
type SetPropertyResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
