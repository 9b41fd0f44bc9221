package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "production", "")

	log.Info().Str("job_id", "j1").Msg("job completed")
	log.Debug().Msg("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "job completed", entry["message"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Contains(t, entry, "time")
}

func TestLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "production", "warn")
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log = NewWithWriter(&buf, "development", "")
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	log = NewWithWriter(&buf, "production", "bogus")
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}
