package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "json", "debug")
	defer Configure(nil, "console", "info")

	log := NewLogger("Dispatcher").With("run", "r-1")
	log.Info("service finished", "service", "google", "items", 12, "error", fmt.Errorf("none"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "Dispatcher", entry["component"])
	assert.Equal(t, "r-1", entry["run"])
	assert.Equal(t, "google", entry["service"])
	assert.Equal(t, float64(12), entry["items"])
	assert.Equal(t, "none", entry["error"])
	assert.Equal(t, "service finished", entry["message"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "json", "warn")
	defer Configure(nil, "console", "info")

	log := NewLogger("Normalizer")
	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown", "odd")

	out := strings.TrimSpace(buf.String())
	assert.Equal(t, 1, strings.Count(out, "\n")+1)
	assert.Contains(t, out, "shown")
}
