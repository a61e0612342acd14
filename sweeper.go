package hive

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// IdleSweeper runs CheckIdle on a cron schedule so idle warnings surface
// without any caller polling the manager.
type IdleSweeper struct {
	c *cron.Cron
	m *Manager
}

// NewIdleSweeper creates a sweeper that runs on the given cron spec
// (e.g. "@every 1m").
func NewIdleSweeper(m *Manager, spec string) (*IdleSweeper, error) {
	s := &IdleSweeper{
		c: cron.New(),
		m: m,
	}
	if _, err := s.c.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the cron runner and blocks until ctx is cancelled.
func (s *IdleSweeper) Start(ctx context.Context) {
	s.c.Start()
	s.m.logger.Info("idle sweeper started")
	<-ctx.Done()
	s.c.Stop()
	s.m.logger.Info("idle sweeper stopped")
}

// sweep is the cron callback. CheckIdle already logs and emits per-agent
// warnings.
func (s *IdleSweeper) sweep() {
	if idle := s.m.CheckIdle(); len(idle) > 0 {
		s.m.logger.Info("idle sweep", "count", len(idle))
	}
}
