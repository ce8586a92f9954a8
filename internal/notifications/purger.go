package notifications

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
)

// Purger runs PurgeExpired on a fixed schedule, outside the request path.
type Purger struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
}

// NewPurger constructs a Purger for service.
func NewPurger(service *Service, interval time.Duration, logger *zap.Logger) (*Purger, error) {
	if service == nil {
		return nil, errors.New("notifications: service required")
	}
	if interval <= 0 {
		return nil, errors.New("notifications: purge interval must be positive")
	}
	return &Purger{service: service, interval: interval, logger: logging.OrNop(logger)}, nil
}

// Run purges once per interval until ctx is cancelled. Purge failures are logged and retried on
// the next tick.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := p.service.PurgeExpired(ctx)
			if err != nil {
				continue
			}
			if removed > 0 {
				p.logger.Info("expired notifications purged", zap.Int64("removed", removed))
			}
		}
	}
}
