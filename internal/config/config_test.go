package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "signal-engine", cfg.App.Name)
	assert.Equal(t, 4*time.Hour, cfg.Workflow.SLA["critical"])
	assert.Equal(t, "log", cfg.Delivery.Gateway)
	assert.Empty(t, cfg.Database.DSN)
	assert.Equal(t, 100000, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 10, cfg.ResolveMaxPoints(10))
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  workers: 2
workflow:
  sla:
    high: 2h
ingest:
  enabled: true
  brokers: [localhost:9092]
`), 0o644))
	t.Setenv("SIGNALENGINE_HTTP_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 2*time.Hour, cfg.Workflow.SLA["high"])
	assert.Equal(t, []string{"localhost:9092"}, cfg.Ingest.Brokers)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}

func TestValidateRejectsBadGateway(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Delivery.Gateway = "webhook"
	assert.Error(t, cfg.Validate())
	cfg.Delivery.Webhook.URL = "http://example.invalid/hook"
	assert.NoError(t, cfg.Validate())

	cfg.Delivery.Gateway = "pigeon"
	assert.Error(t, cfg.Validate())
}
