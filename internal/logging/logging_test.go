package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestAuditFileReceivesWarnAndAbove(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "engine.log")
	auditPath := filepath.Join(dir, "audit.log")

	var console bytes.Buffer
	l, err := New(Options{Level: "debug", File: logPath, AuditFile: auditPath, Console: &console, JSON: true})
	require.NoError(t, err)

	l.Info().Msg("routine")
	l.Warn().Msg("suspicious")
	l.Audit("initialize", map[string]interface{}{"principal": "alice"})
	require.NoError(t, l.Close())

	full, err := os.ReadFile(logPath)
	require.NoError(t, err)
	audit, err := os.ReadFile(auditPath)
	require.NoError(t, err)

	assert.Contains(t, string(full), "routine")
	assert.Contains(t, string(full), "suspicious")
	assert.Contains(t, console.String(), "routine")

	assert.NotContains(t, string(audit), "routine")
	assert.Contains(t, string(audit), "suspicious")
	assert.Contains(t, string(audit), `"audit":"initialize"`)
	assert.Contains(t, string(audit), `"principal":"alice"`)
}

func TestLevelFilters(t *testing.T) {
	var console bytes.Buffer
	l, err := New(Options{Level: "warn", Console: &console, JSON: true})
	require.NoError(t, err)
	defer l.Close()

	l.Info().Msg("hidden")
	l.Error().Msg("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}
