package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetrpc/config"
)

func TestAutoPicksJSONWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	log, err := build(&config.Logging{Level: "info", Format: "auto"}, &buf, false)
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("hello", zap.String("k", "v"))
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "v", entry["k"])
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := build(&config.Logging{Level: "debug", Format: "console"}, &buf, false)
	require.NoError(t, err)
	log.Debug("visible")
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "visible")
	assert.NotContains(t, buf.String(), "\x1b[", "no colors without a terminal")
}

func TestBadConfig(t *testing.T) {
	_, err := build(&config.Logging{Level: "loud", Format: "json"}, &bytes.Buffer{}, false)
	assert.Error(t, err)
	_, err = build(&config.Logging{Level: "info", Format: "xml"}, &bytes.Buffer{}, false)
	assert.Error(t, err)
}
