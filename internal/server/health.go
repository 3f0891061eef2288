package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/detect"
	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/events"
	"github.com/morezero/inspector-bridge/pkg/router"
)

// ListenerHealth describes one accepting port set.
type ListenerHealth struct {
	Context envelope.ContextID `json:"context"`
	Channel string             `json:"channel"`
	Links   int                `json:"links"`
}

// ConnectionHealth describes one dialing connection manager.
type ConnectionHealth struct {
	Context envelope.ContextID `json:"context"`
	connection.Status
}

// DetectionHealth is the page's engine detection state.
type DetectionHealth struct {
	State  detect.State   `json:"state"`
	Result *detect.Result `json:"result,omitempty"`
}

// RouterHealth carries the counters of one context's router.
type RouterHealth struct {
	Context envelope.ContextID `json:"context"`
	router.Stats
}

// HealthOutput is served by /health and rendered on the status page.
type HealthOutput struct {
	Status      string                     `json:"status"`
	Role        string                     `json:"role"`
	Namespace   string                     `json:"namespace"`
	Ready       bool                       `json:"ready"`
	Listeners   []ListenerHealth           `json:"listeners"`
	Connections []ConnectionHealth         `json:"connections"`
	Routers     []RouterHealth             `json:"routers"`
	Detection   *DetectionHealth           `json:"detection,omitempty"`
	Recent      []events.StateChangedEvent `json:"recent"`
	Timestamp   string                     `json:"timestamp"`
}

// Health reports the state of every hosted context. The process is unhealthy before Start
// completes and whenever a connection manager has given up reconnecting.
func (s *Server) Health(_ context.Context) *HealthOutput {
	s.mu.Lock()
	listeners := append([]listenerEntry(nil), s.listeners...)
	managers := append([]managerEntry(nil), s.managers...)
	routers := append([]*router.Router(nil), s.routers...)
	recent := append([]events.StateChangedEvent{}, s.events...)
	machine := s.machine
	s.mu.Unlock()

	// Components publish into s.record under their own locks, so they are queried unlocked.
	out := &HealthOutput{
		Status:      "healthy",
		Role:        s.cfg.Role,
		Namespace:   s.cfg.Namespace,
		Ready:       s.ready.Load(),
		Listeners:   make([]ListenerHealth, 0, len(listeners)),
		Connections: make([]ConnectionHealth, 0, len(managers)),
		Routers:     make([]RouterHealth, 0, len(routers)),
		Recent:      recent,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, l := range listeners {
		out.Listeners = append(out.Listeners, ListenerHealth{Context: l.local, Channel: l.set.Channel(), Links: l.set.Len()})
	}
	for _, m := range managers {
		st := m.m.State()
		if st.State == connection.StatePermanentlyClosed {
			out.Status = "unhealthy"
		}
		out.Connections = append(out.Connections, ConnectionHealth{Context: m.local, Status: st})
	}
	for _, r := range routers {
		out.Routers = append(out.Routers, RouterHealth{Context: r.Local(), Stats: r.Stats()})
	}
	if machine != nil {
		d := &DetectionHealth{State: machine.State()}
		if res, ok := machine.Result(); ok {
			d.Result = &res
		}
		out.Detection = d
	}
	if !out.Ready {
		out.Status = "unhealthy"
	}
	return out
}

// Handler serves the status page, /health and /ready.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.Health(healthCtx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	return mux
}

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, s.Health(ctx)); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Inspector Bridge</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Inspector Bridge</h1>
  <p class="meta">Role {{.Role}} in namespace {{.Namespace}}.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Status}}">{{.Status}}</span></p>
    <p>Ready: {{.Ready}}</p>
    <p>Timestamp: {{.Timestamp}}</p>
  </section>

  {{if .Detection}}
  <section>
    <h2>Engine</h2>
    <p>Detection: {{.Detection.State}}</p>
    {{with .Detection.Result}}<p>{{.Msg}}</p>{{end}}
  </section>
  {{end}}

  <section>
    <h2>Ports</h2>
    {{if not .Listeners}}{{if not .Connections}}<p>No ports open.</p>{{end}}{{end}}
    {{if .Listeners}}
    <table>
      <thead><tr><th>Context</th><th>Accepting on</th><th>Links</th></tr></thead>
      <tbody>
        {{range .Listeners}}<tr><td>{{.Context}}</td><td>{{.Channel}}</td><td>{{.Links}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
    {{if .Connections}}
    <table>
      <thead><tr><th>Context</th><th>Dialing</th><th>State</th><th>Reconnects</th><th>Last error</th></tr></thead>
      <tbody>
        {{range .Connections}}<tr><td>{{.Context}}</td><td>{{.Channel}}</td><td>{{.State}}</td><td>{{.ReconnectAttempts}}</td><td class="error">{{.LastError}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Routing</h2>
    <table>
      <thead><tr><th>Context</th><th>Dispatched</th><th>Forwarded</th><th>Failed</th><th>Dropped</th></tr></thead>
      <tbody>
        {{range .Routers}}<tr><td>{{.Context}}</td><td>{{.Dispatched}}</td><td>{{.Forwarded}}</td><td>{{.Failed}}</td><td>{{.Dropped}}</td></tr>{{end}}
      </tbody>
    </table>
  </section>

  <section>
    <h2>Recent state changes</h2>
    {{if not .Recent}}<p>None yet.</p>{{else}}
    <table>
      <thead><tr><th>Time</th><th>Context</th><th>Component</th><th>Channel</th><th>State</th><th>Detail</th></tr></thead>
      <tbody>
        {{range .Recent}}<tr><td>{{.Timestamp}}</td><td>{{.Context}}</td><td>{{.Component}}</td><td>{{.Channel}}</td><td>{{.State}}</td><td>{{.Detail}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`
