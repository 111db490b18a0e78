package scheduler

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_ticker.go -package=mocks github.com/Toonzaza/cart-sensor/internal/scheduler Ticker

// Ticker is a component driven by the shared watchdog tick.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) error
}

// Publisher announces each tick on the bus.
type Publisher interface {
	Publish(topic string, data any) error
}
