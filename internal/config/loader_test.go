package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config keeps defaults",
			yaml: `
amr:
  host: 192.168.1.50
  password: adept
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.AMR.Addr() != "192.168.1.50:7171" {
					t.Errorf("AMR.Addr() = %q", cfg.AMR.Addr())
				}
				if cfg.Orchestrator.ClearDuration != 5*time.Second {
					t.Errorf("clear_duration default not applied: %s", cfg.Orchestrator.ClearDuration)
				}
				if cfg.Sequence.Staging != "Staging" || cfg.Sequence.Home != "Home" {
					t.Error("sequence defaults not applied")
				}
				if len(cfg.SourceFiles) != 1 {
					t.Errorf("len(SourceFiles) = %d, want 1", len(cfg.SourceFiles))
				}
			},
		},
		{
			name: "overrides and durations",
			yaml: `
service:
  tick_interval: 250ms
  log_level: debug
amr:
  host: amr.local
  port: 7272
  init_commands: ["status"]
orchestrator:
  photo_sensors: [left, right]
  clear_duration: 2s
  stall_timeout: 10m
  overflow: drop_oldest
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.TickInterval != 250*time.Millisecond {
					t.Errorf("tick_interval = %s", cfg.Service.TickInterval)
				}
				if cfg.AMR.Port != 7272 {
					t.Errorf("port = %d", cfg.AMR.Port)
				}
				if len(cfg.AMR.InitCommands) != 1 || cfg.AMR.InitCommands[0] != "status" {
					t.Errorf("init_commands = %v", cfg.AMR.InitCommands)
				}
				if got := strings.Join(cfg.Orchestrator.PhotoSensors, ","); got != "left,right" {
					t.Errorf("photo_sensors = %s", got)
				}
				if cfg.Orchestrator.Overflow != OverflowDropOldest {
					t.Errorf("overflow = %s", cfg.Orchestrator.Overflow)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${CARTD_TEST_DB}
amr:
  host: ${CARTD_TEST_HOST}
  password: ${CARTD_TEST_PASS}
`,
			env: map[string]string{
				"CARTD_TEST_DB":   "/tmp/cart.db",
				"CARTD_TEST_HOST": "10.0.0.7",
				"CARTD_TEST_PASS": "secret",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "/tmp/cart.db" {
					t.Errorf("state.path = %s", cfg.State.Path)
				}
				if cfg.AMR.Password != "secret" {
					t.Error("password not interpolated")
				}
			},
		},
		{
			name: "missing env var in password fails",
			yaml: `
amr:
  host: amr.local
  password: ${CARTD_TEST_UNSET}
`,
			wantErr: "CARTD_TEST_UNSET",
		},
		{
			name:    "missing host",
			yaml:    "service:\n  log_level: info\n",
			wantErr: "amr.host",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: loud
amr:
  host: amr.local
`,
			wantErr: "log_level",
		},
		{
			name: "staging equals home",
			yaml: `
amr:
  host: amr.local
sequence:
  staging: Dock
  home: dock
`,
			wantErr: "must differ",
		},
		{
			name: "stall timeout not above clear duration",
			yaml: `
amr:
  host: amr.local
orchestrator:
  clear_duration: 10s
  stall_timeout: 5s
`,
			wantErr: "stall_timeout",
		},
		{
			name: "duplicate photo sensor",
			yaml: `
amr:
  host: amr.local
orchestrator:
  photo_sensors: [a, a]
`,
			wantErr: "duplicate",
		},
		{
			name: "backoff max below min",
			yaml: `
amr:
  host: amr.local
  backoff_min: 5s
  backoff_max: 1s
`,
			wantErr: "backoff_max",
		},
		{
			name: "ingest endpoint with unknown topic",
			yaml: `
amr:
  host: amr.local
ingest:
  listen: 127.0.0.1:9090
  endpoints:
    - path: /intake
      topic: nope.nothing
      secret: s3cret
      signature_header: X-Signature
`,
			wantErr: "not an external topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), "config.yaml", tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "amr.yaml", `
amr:
  host: from-include
  port: 7000
`)
	writeConfig(t, dir, "orchestrator.yaml", `
include: [nested.yaml]
orchestrator:
  queue_capacity: 4
`)
	writeConfig(t, dir, "nested.yaml", `
orchestrator:
  overflow: drop_oldest
`)
	root := writeConfig(t, dir, "config.yaml", `
include:
  - amr.yaml
  - orchestrator.yaml
service:
  log_level: warn
amr:
  host: from-root
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AMR.Host != "from-include" {
		t.Errorf("amr.host = %q, want later include to win", cfg.AMR.Host)
	}
	if cfg.Service.LogLevel != "warn" {
		t.Errorf("service.log_level = %q", cfg.Service.LogLevel)
	}
	if cfg.Orchestrator.QueueCapacity != 4 || cfg.Orchestrator.Overflow != OverflowDropOldest {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
	if len(cfg.SourceFiles) != 4 {
		t.Fatalf("SourceFiles = %v, want 4 entries", cfg.SourceFiles)
	}
	if filepath.Base(cfg.SourceFiles[0]) != "config.yaml" {
		t.Errorf("SourceFiles[0] = %s, want root first", cfg.SourceFiles[0])
	}
	if cfg.Include != nil {
		t.Errorf("Include should be cleared after loading, got %v", cfg.Include)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeConfig(t, dir, "b.yaml", "include: [a.yaml]\n")
	root := writeConfig(t, dir, "config.yaml", "include: [a.yaml]\namr:\n  host: x\n")

	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("Load() error = %v, want circular dependency", err)
	}
}

func TestLoadMissingInclude(t *testing.T) {
	dir := t.TempDir()
	root := writeConfig(t, dir, "config.yaml", "include: [missing.yaml]\namr:\n  host: x\n")

	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("Load() error = %v, want file not found", err)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "amr:\n  host: x\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.AMR.Host != "x" {
		t.Errorf("amr.host = %q", cfg.AMR.Host)
	}
}

func TestLoadVerifiesChecksums(t *testing.T) {
	dir := t.TempDir()
	root := writeConfig(t, dir, "config.yaml", "amr:\n  host: x\n")

	if _, err := Lock([]string{root}, false); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if _, err := Load(root); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}

	writeConfig(t, dir, "config.yaml", "amr:\n  host: y\n")
	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestSourcePathsSkipsVerification(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "tokens.yaml", "api:\n  auth:\n    api_key: k\n")
	root := writeConfig(t, dir, "config.yaml", "include: [tokens.yaml]\namr:\n  host: x\n")

	if _, err := Lock([]string{root}, false); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	writeConfig(t, dir, "config.yaml", "include: [tokens.yaml]\namr:\n  host: y\n")

	paths, err := SourcePaths(root)
	if err != nil {
		t.Fatalf("SourcePaths() failed: %v", err)
	}
	if len(paths) != 2 || filepath.Base(paths[1]) != "tokens.yaml" {
		t.Fatalf("SourcePaths() = %v", paths)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "host: ${CARTD_HOST}",
			env:   map[string]string{"CARTD_HOST": "10.0.0.1"},
			want:  "host: 10.0.0.1",
		},
		{
			name:  "multiple vars",
			input: "${CARTD_U}:${CARTD_P}@${CARTD_H}",
			env: map[string]string{
				"CARTD_U": "admin",
				"CARTD_P": "secret",
				"CARTD_H": "localhost",
			},
			want: "admin:secret@localhost",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${CARTD_UNDEFINED}",
			want:  "key: ${CARTD_UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got := interpolateEnv(tt.input)
			if got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.AMR.Host = "amr.local"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{"defaults with host", func(*Config) {}, false},
		{"zero tick", func(c *Config) { c.Service.TickInterval = 0 }, true},
		{"bad port", func(c *Config) { c.AMR.Port = 70000 }, true},
		{"negative pause", func(c *Config) { c.Sequence.PauseSecs = -1 }, true},
		{"empty announce", func(c *Config) { c.Sequence.Announce = " " }, true},
		{"zero capacity", func(c *Config) { c.Orchestrator.QueueCapacity = 0 }, true},
		{"bad overflow", func(c *Config) { c.Orchestrator.Overflow = "block" }, true},
		{"api token without scopes", func(c *Config) {
			c.API.Enabled = true
			c.API.Auth.Tokens = []APIToken{{Token: "t"}}
		}, true},
		{"api token with scopes", func(c *Config) {
			c.API.Enabled = true
			c.API.Auth.Tokens = []APIToken{{Token: "t", Scopes: []string{"status:ro"}}}
		}, false},
		{"ingest path without slash", func(c *Config) {
			c.Ingest = &IngestConfig{Listen: ":9090", Endpoints: []IngestEndpoint{{
				Path: "intake", Topic: "job.intake", Secret: "s", SignatureHeader: "X-Signature",
			}}}
		}, true},
		{"ingest internal topic", func(c *Config) {
			c.Ingest = &IngestConfig{Listen: ":9090", Endpoints: []IngestEndpoint{{
				Path: "/trigger", Topic: "dispatch.trigger", Secret: "s", SignatureHeader: "X-Signature",
			}}}
		}, true},
		{"ingest valid", func(c *Config) {
			c.Ingest = &IngestConfig{Listen: ":9090", Endpoints: []IngestEndpoint{{
				Path: "/intake", Topic: "job.intake", Secret: "s", SignatureHeader: "X-Signature",
			}}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
