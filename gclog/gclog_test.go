package gclog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{
		"off":     LevelOff,
		"":        LevelOff,
		"ERROR":   LevelError,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		" info ":  LevelInfo,
		"debug":   LevelDebug,
	} {
		level, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, level, input)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn)
	log.Debugf("dropped")
	log.Infof("dropped")
	log.Warnf("kept %d", 1)
	log.Errorf("kept %d", 2)
	assert.Equal(t, "gc: warn: kept 1\ngc: error: kept 2\n", buf.String())
}

func TestSetLevelTakesEffect(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelOff)
	log.Errorf("dropped")
	log.SetLevel(LevelDebug)
	log.Debugf("kept")
	assert.Equal(t, "gc: debug: kept\n", buf.String())
}
