package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// Values missing from the file keep their Defaults(); files listed under
// include are overlaid in order after the root file.
func Load(configPath string) (*Config, error) {
	cfg, err := readTree(configPath)
	if err != nil {
		return nil, err
	}

	// Hash-verify all configuration files (root config + all includes)
	if err := verifySources(cfg.SourceFiles); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SourcePaths returns the root config file and every include it pulls in,
// without verifying checksums or validating values. config lock uses it to
// re-hash files that no longer match their recorded hashes.
func SourcePaths(configPath string) ([]string, error) {
	cfg, err := readTree(configPath)
	if err != nil {
		return nil, err
	}
	return cfg.SourceFiles, nil
}

func readTree(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	visited := map[string]bool{absPath: true}
	includes, err := overlayFile(cfg, absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{absPath}

	if err := loadIncludes(cfg, includes, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}
	cfg.Include = nil
	return cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $CARTD_CONFIG, ~/.config/cartd/config.yaml, /etc/cartd/config.yaml, ./config.yaml
func Discover() (string, error) {
	if path := os.Getenv("CARTD_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "cartd", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/cartd/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $CARTD_CONFIG, ~/.config/cartd/config.yaml, /etc/cartd/config.yaml, ./config.yaml)")
}

// loadIncludes recursively overlays files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		visited[absPath] = true
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		nested, err := overlayFile(cfg, absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		if len(nested) > 0 {
			if err := loadIncludes(cfg, nested, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// overlayFile decodes path on top of cfg and returns the file's own include
// list. Keys absent from the file leave cfg untouched.
func overlayFile(cfg *Config, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := []byte(interpolateEnv(string(data)))

	var partial struct {
		Include []string `yaml:"include"`
	}
	if err := yaml.Unmarshal(interpolated, &partial); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	cfg.Include = nil
	if err := yaml.Unmarshal(interpolated, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	cfg.Include = nil

	return partial.Include, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	// Service validation
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.DedupeTTL <= 0 {
		return fmt.Errorf("service.dedupe_ttl must be positive")
	}

	// State validation
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.SnapshotDir == "" {
		return fmt.Errorf("state.snapshot_dir is required")
	}

	if err := validateAMR(cfg.AMR); err != nil {
		return err
	}
	if err := validateSequence(cfg.Sequence); err != nil {
		return err
	}
	if err := validateOrchestrator(cfg.Orchestrator); err != nil {
		return err
	}

	if cfg.Bus.History <= 0 || cfg.Bus.SubscriberBuffer <= 0 {
		return fmt.Errorf("bus.history and bus.subscriber_buffer must be positive")
	}

	// API auth validation
	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Ingest != nil {
		if err := validateIngest(cfg.Ingest); err != nil {
			return err
		}
	}

	return nil
}

func validateAMR(a AMRConfig) error {
	if strings.TrimSpace(a.Host) == "" {
		return fmt.Errorf("amr.host is required")
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("amr.port must be between 1 and 65535 (got %d)", a.Port)
	}
	if err := unresolved("amr.password", a.Password); err != nil {
		return err
	}
	if a.DialTimeout <= 0 || a.AuthTimeout <= 0 {
		return fmt.Errorf("amr.dial_timeout and amr.auth_timeout must be positive")
	}
	if a.BackoffMin <= 0 {
		return fmt.Errorf("amr.backoff_min must be positive")
	}
	if a.BackoffMax < a.BackoffMin {
		return fmt.Errorf("amr.backoff_max (%s) must be >= amr.backoff_min (%s)", a.BackoffMax, a.BackoffMin)
	}
	if a.LogCapacity <= 0 {
		return fmt.Errorf("amr.log_capacity must be positive")
	}
	return nil
}

func validateSequence(s SequenceConfig) error {
	if strings.TrimSpace(s.Staging) == "" || strings.TrimSpace(s.Home) == "" {
		return fmt.Errorf("sequence.staging and sequence.home are required")
	}
	if strings.EqualFold(s.Staging, s.Home) {
		return fmt.Errorf("sequence.staging and sequence.home must differ (both %q)", s.Home)
	}
	if s.PauseSecs < 0 {
		return fmt.Errorf("sequence.pause_secs must not be negative")
	}
	if strings.TrimSpace(s.Announce) == "" {
		return fmt.Errorf("sequence.announce is required")
	}
	if s.StepTimeout <= 0 {
		return fmt.Errorf("sequence.step_timeout must be positive")
	}
	if s.SpeechMarkerTimeout <= 0 || s.ReleaseTimeout <= 0 {
		return fmt.Errorf("sequence.speech_marker_timeout and sequence.release_timeout must be positive")
	}
	return nil
}

func validateOrchestrator(o OrchestratorConfig) error {
	if len(o.PhotoSensors) == 0 {
		return fmt.Errorf("orchestrator.photo_sensors must be non-empty")
	}
	seen := make(map[string]bool, len(o.PhotoSensors))
	for _, name := range o.PhotoSensors {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("orchestrator.photo_sensors: empty sensor name")
		}
		if seen[name] {
			return fmt.Errorf("orchestrator.photo_sensors: duplicate sensor %q", name)
		}
		seen[name] = true
	}
	if o.ClearDuration <= 0 {
		return fmt.Errorf("orchestrator.clear_duration must be positive")
	}
	if o.StallTimeout <= o.ClearDuration {
		return fmt.Errorf("orchestrator.stall_timeout (%s) must exceed orchestrator.clear_duration (%s)", o.StallTimeout, o.ClearDuration)
	}
	if o.AdvanceGrace < 0 {
		return fmt.Errorf("orchestrator.advance_grace must not be negative")
	}
	if o.QueueCapacity <= 0 {
		return fmt.Errorf("orchestrator.queue_capacity must be positive")
	}
	switch o.Overflow {
	case OverflowRejectNew, OverflowDropOldest:
	default:
		return fmt.Errorf("orchestrator.overflow must be %s or %s (got %q)", OverflowRejectNew, OverflowDropOldest, o.Overflow)
	}
	return nil
}

func validateIngest(in *IngestConfig) error {
	if in.Listen == "" {
		return fmt.Errorf("ingest.listen is required")
	}
	paths := make(map[string]bool, len(in.Endpoints))
	for i, ep := range in.Endpoints {
		field := fmt.Sprintf("ingest.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if paths[ep.Path] {
			return fmt.Errorf("%s.path %q is already used", field, ep.Path)
		}
		paths[ep.Path] = true
		if !protocol.IsExternalTopic(ep.Topic) {
			return fmt.Errorf("%s.topic %q is not an external topic (job.intake, match.result, sensor.photo)", field, ep.Topic)
		}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := unresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("%s.signature_header is required", field)
		}
	}
	return nil
}
