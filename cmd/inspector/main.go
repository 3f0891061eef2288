// Package main is the entrypoint for the inspector bridge (binary name "inspector").
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/morezero/inspector-bridge/internal/config"
	"github.com/morezero/inspector-bridge/internal/server"
	"github.com/morezero/inspector-bridge/pkg/commsutil"
	"github.com/morezero/inspector-bridge/pkg/connection"
	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/panel"
	"github.com/morezero/inspector-bridge/pkg/port"
	"github.com/morezero/inspector-bridge/pkg/retry"
)

const usage = `Usage: inspector [command] [flags]
       inspector serve                          Host the contexts selected by INSPECTOR_ROLE.
       inspector support                        Report whether the page runs a supported engine.
       inspector tree                           Print the display tree of the page.
       inspector props <handle>                 Print the properties of one node.
       inspector set <handle> <path> <value>    Write a property; path is dot separated, value is JSON.

Commands:
  serve     (default) Start the inspector bridge (COMMS, ports, HTTP health).
  support   Query engine support through the relay.
  tree      Request a fresh snapshot. Handles from earlier snapshots become stale.
  props     Describe a node by handle.
  set       Mutate a node, e.g. inspector set 3f2a... alpha 0.5

Client flags:
  --comms-url   COMMS server URL (default: COMMS_URL or nats://127.0.0.1:4222)
  --namespace   Inspector namespace (default: INSPECTOR_NAMESPACE or default)
  --codec       Wire codec, json or cbor (default: WIRE_CODEC or json)
  --timeout     Overall deadline for the request (default 10s)

Environment: COMMS_URL, INSPECTOR_ROLE (page, content, relay, all), INSPECTOR_NAMESPACE, SCENE_FILE.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "support", "tree", "props", "set":
		if err := runClient(cmd, args[1:], os.Stdout); err != nil {
			log.Fatalf("inspector %s: %v", cmd, err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("inspector: %v", err)
	}
}

// clientFlags are shared by every client command.
type clientFlags struct {
	commsURL  string
	namespace string
	codec     string
	timeout   time.Duration
	args      []string
}

func parseClientFlags(cmd string, args []string, cfg *config.Config) (*clientFlags, error) {
	f := &clientFlags{}
	flagSet := pflag.NewFlagSet("inspector "+cmd, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&f.commsURL, "comms-url", cfg.COMMSURL, "COMMS server URL")
	flagSet.StringVar(&f.namespace, "namespace", cfg.Namespace, "inspector namespace")
	flagSet.StringVar(&f.codec, "codec", cfg.WireCodec, "wire codec (json, cbor)")
	flagSet.DurationVar(&f.timeout, "timeout", 10*time.Second, "overall request deadline")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	f.args = flagSet.Args()

	want := map[string]int{"support": 0, "tree": 0, "props": 1, "set": 3}[cmd]
	if len(f.args) != want {
		return nil, fmt.Errorf("expected %d argument(s), got %d", want, len(f.args))
	}
	if f.timeout <= 0 {
		return nil, errors.New("--timeout must be positive")
	}
	if _, err := envelope.CodecByName(f.codec); err != nil {
		return nil, err
	}
	return f, nil
}

// parsePath splits a dot separated property path.
func parsePath(raw string) ([]string, error) {
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid property path %q", raw)
		}
	}
	return parts, nil
}

// parseValue decodes a JSON literal; anything that is not valid JSON is taken as a string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func runClient(cmd string, args []string, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	f, err := parseClientFlags(cmd, args, cfg)
	if err != nil {
		return err
	}
	codec, _ := envelope.CodecByName(f.codec)

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	nc, err := commsutil.Connect(f.commsURL, cfg.COMMSName+"-cli")
	if err != nil {
		return fmt.Errorf("connect to COMMS: %w", err)
	}
	defer nc.Close()

	transport := port.NewNATSTransport(nc, port.NATSOptions{
		Namespace:         f.namespace,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DeadAfter:         cfg.PeerDeadAfter,
	})
	m := connection.NewManager(transport, connection.Options{
		Local:            envelope.ContextPanel,
		Channel:          server.ChannelPanel,
		Codec:            codec,
		Reconnect:        cfg.Policy(retry.FamilyCommunicate),
		DisableReconnect: true,
	})
	if err := m.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer m.Disconnect()

	client := panel.New(m, panel.Options{
		Policy:      cfg.Policy(retry.FamilyQuery),
		MaxDepth:    cfg.TreeMaxDepth,
		MaxChildren: cfg.TreeMaxChildren,
		ShowPrivate: cfg.ShowPrivate,
		ShowMethods: cfg.ShowMethods,
	})

	var result any
	switch cmd {
	case "support":
		result, err = client.QuerySupport(ctx)
	case "tree":
		result, err = client.RequestTree(ctx)
	case "props":
		result, err = client.RequestProperties(ctx, f.args[0])
	case "set":
		path, perr := parsePath(f.args[1])
		if perr != nil {
			return perr
		}
		result, err = client.SetProperty(ctx, f.args[0], path, parseValue(f.args[2]))
	}
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
