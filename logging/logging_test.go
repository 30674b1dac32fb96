package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn", "json")

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept", "component", "accrual")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "accrual", line["component"])
}

func TestNewWriter_TextDefault(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "unknown", "").Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
