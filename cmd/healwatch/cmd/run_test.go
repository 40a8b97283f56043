package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/psantana5/healwatch/internal/config"
	"github.com/psantana5/healwatch/pkg/models"
)

func TestWatchedPathsDeduplicates(t *testing.T) {
	cfg := config.Default()
	cfg.Artifacts = []string{"config.yaml", "api.py"}
	cfg.Workers = []models.WorkerSpec{
		{Name: "api", Command: []string{"python3", "api.py"}, Source: "api.py"},
		{Name: "ui", Command: []string{"node", "ui.js"}, Source: "ui.js"},
		{Name: "cron", Command: []string{"./cron"}},
	}

	assert.Equal(t, []string{"config.yaml", "api.py", "ui.js"}, watchedPaths(cfg))
}

func TestNewLoggerWithoutDir(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug", Format: "json"}, true)
	assert.NoError(t, err)
	assert.NotNil(t, logger)
}
