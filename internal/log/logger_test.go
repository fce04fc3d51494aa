package log

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel_FiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetLevel("info")
		SetOutput(os.Stderr)
	})

	SetLevel("warn")
	Infof("[test] hidden")
	Warnf("[test] shown %d", 1)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 1")
}

func TestSetLevel_UnknownMeansInfo(t *testing.T) {
	SetLevel("loud")
	assert.Equal(t, "info", logger.GetLevel().String())
}

func TestSetFormat_JSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	t.Cleanup(func() {
		SetFormat("text")
		SetOutput(os.Stderr)
	})

	WithFields(Fields{"user_id": "u1"}).Info("[test] structured")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "[test] structured", line["msg"])
}
