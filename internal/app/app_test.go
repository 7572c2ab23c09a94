package app

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suasflow/internal/config"
	"suasflow/internal/lock"
)

func TestBuildWiresEngines(t *testing.T) {
	ws := t.TempDir()
	yml := config.GenerateDefault("3550308") + "\n"
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(yml), 0o644))

	a, err := Build(context.Background(), Options{Workspace: ws})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "3550308", a.Scope().MunicipalityID)
	assert.IsType(t, &lock.Local{}, a.Locker)
	assert.NotNil(t, a.Automation.Metrics)

	res, err := a.Automation.Seed(context.Background(), a.Scope(), "gestor")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Inserted)

	s := a.Scheduler()
	assert.Len(t, s.Scopes, 1)
	assert.Equal(t, a.Config.Automation.PollInterval(), s.Interval)

	d := a.Dispatcher()
	assert.Empty(t, d.Sinks)
}

func TestLoadConfigOverlay(t *testing.T) {
	v := viper.New()
	v.Set("municipality", "4106902")
	v.Set("log.level", "debug")
	cfg, err := LoadConfig(Options{Workspace: t.TempDir(), Viper: v})
	require.NoError(t, err)
	assert.Equal(t, "4106902", cfg.Scope.MunicipalityID)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = LoadConfig(Options{Workspace: t.TempDir()})
	assert.ErrorContains(t, err, "municipality_id is required")
}

func TestUnitScopes(t *testing.T) {
	cfg := config.Default("3550308")
	cfg.Scope.Units = []string{"cras-centro", "", "cras-norte"}
	a := &App{Config: cfg}
	scopes := a.UnitScopes()
	require.Len(t, scopes, 3)
	assert.Empty(t, scopes[0].UnitID)
	assert.Equal(t, "cras-norte", scopes[2].UnitID)
}

func TestNewLockerRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	var cfg config.LockConfig
	cfg.Backend = "redis"
	cfg.TTLSeconds = 30
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Prefix = "suas:lock:"

	l, closeFn, err := NewLocker(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()
	h, err := l.TryLock(context.Background(), "rule:r1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("suas:lock:rule:r1"))
	require.NoError(t, h.Unlock(context.Background()))

	mr.Close()
	_, _, err = NewLocker(context.Background(), cfg)
	assert.Error(t, err)

	cfg.Backend = "etcd"
	_, _, err = NewLocker(context.Background(), cfg)
	assert.Error(t, err)
}
