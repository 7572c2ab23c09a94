package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"suasflow/internal/domain"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []domain.Scope
	fail  map[string]bool
}

func (f *fakeExecutor) ExecuteDue(_ context.Context, scope domain.Scope) ([]domain.RuleExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scope)
	if f.fail[scope.MunicipalityID] {
		return nil, errors.New("database is locked")
	}
	return []domain.RuleExecution{{RuleKey: "caso_sem_movimentacao", Created: 1}}, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestTickVisitsEveryScope(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	exec := &fakeExecutor{fail: map[string]bool{"4106902": true}}
	s := Scheduler{
		Exec:   exec,
		Scopes: []domain.Scope{{MunicipalityID: "3550308"}, {MunicipalityID: "4106902"}, {MunicipalityID: "3304557"}},
		Log:    zap.New(core),
	}

	execs := s.Tick(context.Background())
	assert.Len(t, execs, 2)
	assert.Equal(t, 3, exec.count())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "execute due rules", logs.All()[0].Message)
}

func TestRunStopsOnCancel(t *testing.T) {
	exec := &fakeExecutor{}
	s := Scheduler{Exec: exec, Scopes: []domain.Scope{{MunicipalityID: "3550308"}}, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return exec.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
