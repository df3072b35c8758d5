package storage

import (
	"fmt"

	"github.com/tinkermonkey/apibuddy/pkg/telemetry"
)

// New creates a Store from the given configuration after checking it with
// Validate; an invalid cfg (such as one with an empty Path) is rejected.
// metrics may be nil if telemetry is disabled.
func New(cfg Config, metrics *telemetry.Metrics) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return NewSQLiteStore(cfg, metrics)
}
