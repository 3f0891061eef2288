// Package config provides inspector configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/inspector-bridge/pkg/envelope"
	"github.com/morezero/inspector-bridge/pkg/retry"
	"github.com/morezero/inspector-bridge/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Roles a serve process can take. RoleAll hosts every context in one process over an in-memory hub.
const (
	RolePage    = "page"
	RoleContent = "content"
	RoleRelay   = "relay"
	RoleAll     = "all"
)

// Config holds inspector-bridge configuration.
type Config struct {
	// COMMS: connect to a standalone NATS at COMMSURL, or start one in-process when COMMSEmbedded.
	COMMSURL      string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName     string `envconfig:"SERVICE_NAME" default:"inspector-bridge"`
	COMMSEmbedded bool   `envconfig:"COMMS_EMBEDDED" default:"false"`

	Role      string `envconfig:"INSPECTOR_ROLE" default:"all"`
	Namespace string `envconfig:"INSPECTOR_NAMESPACE" default:"default"`
	WireCodec string `envconfig:"WIRE_CODEC" default:"json"`

	// Snapshot and property limits
	TreeMaxDepth      int  `envconfig:"TREE_MAX_DEPTH" default:"3"`
	TreeMaxChildren   int  `envconfig:"TREE_MAX_CHILDREN" default:"100"`
	SerializeMaxDepth int  `envconfig:"SERIALIZE_MAX_DEPTH" default:"3"`
	SerializeMaxItems int  `envconfig:"SERIALIZE_MAX_ITEMS" default:"10"`
	ShowPrivate       bool `envconfig:"SHOW_PRIVATE" default:"false"`
	ShowMethods       bool `envconfig:"SHOW_METHODS" default:"false"`

	// Retry families
	DetectMaxAttempts int           `envconfig:"DETECT_MAX_ATTEMPTS" default:"10"`
	DetectBaseDelay   time.Duration `envconfig:"DETECT_BASE_DELAY" default:"300ms"`
	DetectTimeout     time.Duration `envconfig:"DETECT_TIMEOUT" default:"5s"`
	DetectBackoff     string        `envconfig:"DETECT_BACKOFF" default:"fixed"`

	InjectMaxAttempts int           `envconfig:"INJECT_MAX_ATTEMPTS" default:"3"`
	InjectBaseDelay   time.Duration `envconfig:"INJECT_BASE_DELAY" default:"1s"`
	InjectTimeout     time.Duration `envconfig:"INJECT_TIMEOUT" default:"10s"`
	InjectBackoff     string        `envconfig:"INJECT_BACKOFF" default:"fixed"`

	CommMaxAttempts int           `envconfig:"COMM_MAX_ATTEMPTS" default:"5"`
	CommBaseDelay   time.Duration `envconfig:"COMM_BASE_DELAY" default:"1s"`
	CommTimeout     time.Duration `envconfig:"COMM_TIMEOUT" default:"10s"`
	CommBackoff     string        `envconfig:"COMM_BACKOFF" default:"exponential"`

	QueryMaxAttempts int           `envconfig:"QUERY_MAX_ATTEMPTS" default:"3"`
	QueryBaseDelay   time.Duration `envconfig:"QUERY_BASE_DELAY" default:"500ms"`
	QueryTimeout     time.Duration `envconfig:"QUERY_TIMEOUT" default:"5s"`
	QueryBackoff     string        `envconfig:"QUERY_BACKOFF" default:"fixed"`

	// Port liveness over COMMS
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	PeerDeadAfter     time.Duration `envconfig:"PEER_DEAD_AFTER" default:"15s"`

	// Page
	SceneFile        string `envconfig:"SCENE_FILE"`
	EngineMinVersion string `envconfig:"ENGINE_MIN_VERSION"`

	// HTTP health endpoint
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the role, codec, limits and retry families.
func (c *Config) Validate() error {
	switch c.Role {
	case RolePage, RoleContent, RoleRelay, RoleAll:
	default:
		return fmt.Errorf("%s - INSPECTOR_ROLE must be one of page, content, relay, all; got %q", logPrefix, c.Role)
	}
	if _, err := envelope.CodecByName(c.WireCodec); err != nil {
		return fmt.Errorf("%s - WIRE_CODEC: %w", logPrefix, err)
	}
	if c.TreeMaxDepth <= 0 || c.TreeMaxChildren <= 0 {
		return fmt.Errorf("%s - TREE_MAX_DEPTH and TREE_MAX_CHILDREN must be positive", logPrefix)
	}
	if c.SerializeMaxDepth <= 0 || c.SerializeMaxItems <= 0 {
		return fmt.Errorf("%s - SERIALIZE_MAX_DEPTH and SERIALIZE_MAX_ITEMS must be positive", logPrefix)
	}
	for _, f := range []retry.Family{retry.FamilyDetect, retry.FamilyInject, retry.FamilyCommunicate, retry.FamilyQuery} {
		p, err := c.policy(f)
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s - %s policy: %w", logPrefix, strings.ToUpper(string(f)), err)
		}
	}
	if c.HeartbeatInterval < 0 || c.PeerDeadAfter < 0 {
		return fmt.Errorf("%s - HEARTBEAT_INTERVAL and PEER_DEAD_AFTER must not be negative", logPrefix)
	}
	if c.HeartbeatInterval > 0 && c.PeerDeadAfter > 0 && c.PeerDeadAfter <= c.HeartbeatInterval {
		return fmt.Errorf("%s - PEER_DEAD_AFTER must exceed HEARTBEAT_INTERVAL", logPrefix)
	}
	if _, err := c.Requirement(); err != nil {
		return err
	}
	if c.HTTPPort <= 0 {
		return fmt.Errorf("%s - HTTP_PORT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// Policy returns the retry policy configured for family. Invalid backoff names fall back to the
// family default; Validate reports them.
func (c *Config) Policy(family retry.Family) retry.Policy {
	p, err := c.policy(family)
	if err != nil {
		p.Backoff = retry.Defaults(family).Backoff
	}
	return p
}

func (c *Config) policy(family retry.Family) (retry.Policy, error) {
	var p retry.Policy
	var backoff string
	switch family {
	case retry.FamilyDetect:
		p, backoff = retry.Policy{MaxAttempts: c.DetectMaxAttempts, BaseDelay: c.DetectBaseDelay, Timeout: c.DetectTimeout}, c.DetectBackoff
	case retry.FamilyInject:
		p, backoff = retry.Policy{MaxAttempts: c.InjectMaxAttempts, BaseDelay: c.InjectBaseDelay, Timeout: c.InjectTimeout}, c.InjectBackoff
	case retry.FamilyCommunicate:
		p, backoff = retry.Policy{MaxAttempts: c.CommMaxAttempts, BaseDelay: c.CommBaseDelay, Timeout: c.CommTimeout}, c.CommBackoff
	case retry.FamilyQuery:
		p, backoff = retry.Policy{MaxAttempts: c.QueryMaxAttempts, BaseDelay: c.QueryBaseDelay, Timeout: c.QueryTimeout}, c.QueryBackoff
	default:
		return retry.Defaults(family), nil
	}
	b, err := retry.ParseBackoff(backoff)
	if err != nil {
		return p, fmt.Errorf("%s - %s backoff: %w", logPrefix, strings.ToUpper(string(family)), err)
	}
	p.Backoff = b
	return p, nil
}

// Requirement parses ENGINE_MIN_VERSION. An empty value yields nil, which accepts every engine.
// A bare version such as "5.2" means "at least 5.2".
func (c *Config) Requirement() (*semver.Requirement, error) {
	raw := strings.TrimSpace(c.EngineMinVersion)
	if raw == "" {
		return nil, nil
	}
	if semver.IsExactVersion(raw) || !strings.ContainsAny(raw, "<>=~^*xX ,|@") {
		if normalized, err := semver.Normalize(raw); err == nil {
			raw = ">=" + normalized
		}
	}
	req, err := semver.ParseRequirement(raw)
	if err != nil {
		return nil, fmt.Errorf("%s - ENGINE_MIN_VERSION: %w", logPrefix, err)
	}
	return req, nil
}

// Codec returns the configured wire codec, defaulting to JSON.
func (c *Config) Codec() envelope.Codec {
	codec, err := envelope.CodecByName(c.WireCodec)
	if err != nil {
		return envelope.JSONCodec{}
	}
	return codec
}
