package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer

	log, err := New("info", "json", &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shard connected", zap.Int("shard", 3))
	require.NoError(t, log.Sync())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shard connected"`)
	assert.Contains(t, buf.String(), `"shard":3`)
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer

	log, err := New("debug", "console", &buf)
	require.NoError(t, err)

	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
