// Package scheduler drives due automation rules from a single ticking
// goroutine.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"suasflow/internal/domain"
	"suasflow/internal/metrics"
)

const defaultInterval = time.Minute

// Executor runs the rules of a scope whose frequency has elapsed.
type Executor interface {
	ExecuteDue(ctx context.Context, scope domain.Scope) ([]domain.RuleExecution, error)
}

// Scheduler calls ExecuteDue for every scope on each tick. Interval must be
// shorter than the smallest rule frequency.
type Scheduler struct {
	Exec     Executor
	Scopes   []domain.Scope
	Interval time.Duration
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

// Run ticks until ctx is cancelled. The first tick happens immediately.
func (s Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	log := s.log()
	log.Info("scheduler started", zap.Duration("interval", interval), zap.Int("scopes", len(s.Scopes)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one polling round and returns the executions it produced.
func (s Scheduler) Tick(ctx context.Context) []domain.RuleExecution {
	s.Metrics.ObserveTick()
	log := s.log()
	var all []domain.RuleExecution
	for _, scope := range s.Scopes {
		if ctx.Err() != nil {
			break
		}
		execs, err := s.Exec.ExecuteDue(ctx, scope)
		if err != nil {
			log.Error("execute due rules", zap.String("municipality_id", scope.MunicipalityID), zap.String("unit_id", scope.UnitID), zap.Error(err))
			continue
		}
		for _, x := range execs {
			fields := []zap.Field{
				zap.String("municipality_id", scope.MunicipalityID),
				zap.String("rule_key", x.RuleKey),
				zap.Int("created", x.Created),
				zap.Int("skipped", x.Skipped),
				zap.Int("errored", x.Errored),
			}
			if x.Error != "" {
				log.Warn("scheduled rule finished with error", append(fields, zap.String("error", x.Error))...)
				continue
			}
			log.Debug("scheduled rule finished", fields...)
		}
		all = append(all, execs...)
	}
	return all
}

func (s Scheduler) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
