package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/config"
)

func TestNew_LevelAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger := New(config.Log{Level: "debug", File: path, MaxSizeMB: 1, JSON: true})

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("component", "test").Info("hello")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	logger := New(config.Log{Level: "loud"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
