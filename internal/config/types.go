package config

import (
	"net"
	"strconv"
	"time"
)

// Config represents the complete cartd configuration.
type Config struct {
	Include      []string           `yaml:"include,omitempty"`
	Service      ServiceConfig      `yaml:"service"`
	State        StateConfig        `yaml:"state"`
	AMR          AMRConfig          `yaml:"amr"`
	Sequence     SequenceConfig     `yaml:"sequence"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Goals        GoalsConfig        `yaml:"goals"`
	Bus          BusConfig          `yaml:"bus"`
	API          APIConfig          `yaml:"api,omitempty"`
	Ingest       *IngestConfig      `yaml:"ingest,omitempty"`

	// SourceFiles lists the root config file followed by every include.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name             string        `yaml:"name"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	DedupeTTL        time.Duration `yaml:"dedupe_ttl"`
	JournalRetention time.Duration `yaml:"journal_retention"`
	LockPath         string        `yaml:"lock_path"`
}

// StateConfig defines where the journal and snapshots live.
type StateConfig struct {
	Path        string `yaml:"path"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

// AMRConfig defines the line-protocol connection to the robot.
type AMRConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	ReadyMarker  string        `yaml:"ready_marker,omitempty"`
	InitCommands []string      `yaml:"init_commands"`
	BackoffMin   time.Duration `yaml:"backoff_min"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	LogCapacity  int           `yaml:"log_capacity"`
}

// Addr returns host:port.
func (a AMRConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// SequenceConfig defines the fixed dispatch sequence.
type SequenceConfig struct {
	Staging             string        `yaml:"staging"`
	Home                string        `yaml:"home"`
	PauseSecs           int           `yaml:"pause_secs"`
	Announce            string        `yaml:"announce"`
	StepTimeout         time.Duration `yaml:"step_timeout"`
	SpeechMarkerTimeout time.Duration `yaml:"speech_marker_timeout"`
	ReleaseTimeout      time.Duration `yaml:"release_timeout"`
}

// Queue overflow policies.
const (
	OverflowRejectNew  = "reject_new"
	OverflowDropOldest = "drop_oldest"
)

// OrchestratorConfig defines job gating and watchdog settings.
type OrchestratorConfig struct {
	PhotoSensors     []string      `yaml:"photo_sensors"`
	ClearDuration    time.Duration `yaml:"clear_duration"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	AdvanceGrace     time.Duration `yaml:"advance_grace"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	Overflow         string        `yaml:"overflow"`
	IndicatorTargets []string      `yaml:"indicator_targets"`
}

// GoalsConfig points at the goal id to waypoint map.
type GoalsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// BusConfig sizes the in-process event hub.
type BusConfig struct {
	History          int `yaml:"history"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// IngestConfig defines the signed HTTP ingest listener.
type IngestConfig struct {
	Listen    string           `yaml:"listen"`
	Endpoints []IngestEndpoint `yaml:"endpoints"`
}

// IngestEndpoint maps one signed URL path to a bus topic.
type IngestEndpoint struct {
	Path            string `yaml:"path"`
	Topic           string `yaml:"topic"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// Defaults returns a Config with the values used by a single-cart install.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "cartd",
			TickInterval:     time.Second,
			LogLevel:         "info",
			LogFormat:        "json",
			DedupeTTL:        24 * time.Hour,
			JournalRetention: 30 * 24 * time.Hour,
			LockPath:         "./data/cartd.lock",
		},
		State: StateConfig{
			Path:        "./data/journal.db",
			SnapshotDir: "./data/state",
		},
		AMR: AMRConfig{
			Port:         7171,
			DialTimeout:  5 * time.Second,
			AuthTimeout:  5 * time.Second,
			InitCommands: []string{"echo off", "status"},
			BackoffMin:   time.Second,
			BackoffMax:   15 * time.Second,
			LogCapacity:  1000,
		},
		Sequence: SequenceConfig{
			Staging:             "Staging",
			Home:                "Home",
			PauseSecs:           5,
			Announce:            "Smart cart has arrived",
			StepTimeout:         5 * time.Minute,
			SpeechMarkerTimeout: 3 * time.Second,
			ReleaseTimeout:      15 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			PhotoSensors:     []string{"barcode1", "barcode2", "rfidA", "rfidB"},
			ClearDuration:    5 * time.Second,
			StallTimeout:     30 * time.Minute,
			AdvanceGrace:     400 * time.Millisecond,
			QueueCapacity:    32,
			Overflow:         OverflowRejectNew,
			IndicatorTargets: []string{"cuh1", "cuh2", "kit1", "kit2"},
		},
		Goals: GoalsConfig{
			Path:  "./goals.yaml",
			Watch: true,
		},
		Bus: BusConfig{
			History:          256,
			SubscriberBuffer: 256,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
