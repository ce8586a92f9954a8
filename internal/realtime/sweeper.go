package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
)

const idleCloseReason = "idle timeout"

// LivenessSweeperConfig describes how often and how aggressively idle connections are evicted.
type LivenessSweeperConfig struct {
	Connections *ConnectionRegistry
	Interval    time.Duration
	IdleTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// LivenessSweeper closes connections that have been silent for longer than the idle timeout.
type LivenessSweeper struct {
	connections *ConnectionRegistry
	interval    time.Duration
	idleTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewLivenessSweeper validates cfg and constructs a sweeper.
func NewLivenessSweeper(cfg LivenessSweeperConfig) (*LivenessSweeper, error) {
	if cfg.Connections == nil {
		return nil, errMissingConnections
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("realtime: sweep interval must be positive")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, errors.New("realtime: idle timeout must be positive")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &LivenessSweeper{
		connections: cfg.Connections,
		interval:    cfg.Interval,
		idleTimeout: cfg.IdleTimeout,
		clock:       clock,
		logger:      logging.OrNop(cfg.Logger),
	}, nil
}

// Sweep evicts every connection idle past the timeout and returns how many were evicted.
// An entry touched after the idle snapshot was taken is left alone. A transport that fails or
// panics while closing is still evicted.
func (s *LivenessSweeper) Sweep() int {
	cutoff := s.clock().Add(-s.idleTimeout)
	evicted := 0
	for _, connection := range s.connections.IdleSince(cutoff) {
		if !s.connections.ReleaseIfIdle(connection.Principal.ID, connection.Transport, cutoff) {
			continue
		}
		evicted++
		if err := closeQuietly(connection.Transport); err != nil {
			s.logger.Warn("idle connection close failed",
				zap.String("principal_id", connection.Principal.ID),
				zap.Error(err))
		}
	}
	if evicted > 0 {
		s.logger.Info("idle connections evicted",
			zap.Int("evicted", evicted),
			zap.Int("remaining", s.connections.Count()))
	}
	return evicted
}

// Run sweeps on every tick until ctx is cancelled.
func (s *LivenessSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func closeQuietly(transport Transport) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("realtime: transport close panicked: %v", recovered)
		}
	}()
	return transport.Close(websocket.CloseNormalClosure, idleCloseReason)
}
