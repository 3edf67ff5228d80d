package main

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/bhashasuraksha/pipeline/config"
	"github.com/bhashasuraksha/pipeline/store"
)

func TestNewLogger(t *testing.T) {
	log, err := newLogger("warn", "json", false)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	log, err = newLogger("warn", "text", true)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	_, err = newLogger("loud", "text", false)
	assert.Error(t, err)
}

func TestParseCoord(t *testing.T) {
	v, err := parseCoord("")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = parseCoord("12.5")
	require.NoError(t, err)
	assert.Equal(t, 12.5, *v)

	_, err = parseCoord("north")
	assert.Error(t, err)
}

func loadIsolated(t *testing.T, env map[string]string) *cfg.Root {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BHASHA_STORE_DSN", "")
	for k, v := range env {
		t.Setenv(k, v)
	}
	conf, err := cfg.Load("")
	require.NoError(t, err)
	return conf
}

func TestOpenStoreRequiresDSN(t *testing.T) {
	conf := loadIsolated(t, nil)
	require.Equal(t, "postgres", conf.Store.Backend)

	log, hook := test.NewNullLogger()
	st, err := openStore(context.Background(), conf, log)
	require.Error(t, err)
	assert.Nil(t, st)
	assert.Contains(t, err.Error(), "store.dsn")
	assert.Empty(t, hook.AllEntries(), "no silent switch to memory")
}

func TestOpenStoreMemoryIsDegraded(t *testing.T) {
	conf := loadIsolated(t, map[string]string{"BHASHA_STORE_BACKEND": "memory"})

	log, hook := test.NewNullLogger()
	st, err := openStore(context.Background(), conf, log)
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "degraded", entry.Data["mode"])
}

func TestBuildWiresConfiguredPolicy(t *testing.T) {
	conf := loadIsolated(t, map[string]string{
		"BHASHA_STORE_BACKEND":         "memory",
		"BHASHA_LEDGER_IN_MEMORY":      "true",
		"BHASHA_CLUSTERING_USE_DBSCAN": "true",
	})
	log, _ := test.NewNullLogger()

	a, err := build(context.Background(), conf, log)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "density", a.engine.Policy().Name())
	assert.NotEmpty(t, a.filesDir, "local blob backend is served under /files")
	assert.NotNil(t, a.pipeline)
}
