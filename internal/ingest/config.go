package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Toonzaza/cart-sensor/internal/config"
	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

// DefaultMaxBodySize applies when an endpoint sets no limit.
const DefaultMaxBodySize = 64 << 10

// Config holds ingest server configuration.
type Config struct {
	Listen    string
	Endpoints []Endpoint
}

// Endpoint maps one signed path to a bus topic.
type Endpoint struct {
	Path            string
	Topic           string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// FromConfig converts the loaded ingest section, parsing body size limits.
func FromConfig(ic *config.IngestConfig) (Config, error) {
	if ic == nil {
		return Config{}, fmt.Errorf("ingest config is nil")
	}
	cfg := Config{Listen: ic.Listen, Endpoints: make([]Endpoint, len(ic.Endpoints))}
	for i, ep := range ic.Endpoints {
		if !protocol.IsExternalTopic(ep.Topic) {
			return Config{}, fmt.Errorf("ingest endpoint %q: topic %q cannot be published from outside", ep.Path, ep.Topic)
		}
		size, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("ingest endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		cfg.Endpoints[i] = Endpoint{
			Path:            ep.Path,
			Topic:           ep.Topic,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     size,
		}
	}
	return cfg, nil
}

// parseMaxBodySize parses "65536", "64KB" or "1MB".
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier, upper = 1<<10, strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier, upper = 1<<20, strings.TrimSuffix(upper, "MB")
	}
	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if value > (1<<40)/multiplier {
		return 0, fmt.Errorf("size too large")
	}
	return value * multiplier, nil
}
