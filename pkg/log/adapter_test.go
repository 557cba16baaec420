package log

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferedEntry(level logrus.Level) (*logrus.Entry, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logrus.NewEntry(logger), &buf
}

func TestNewLogger(t *testing.T) {
	t.Run("json debug", func(t *testing.T) {
		var buf bytes.Buffer
		logger, warnings := NewLogger("debug", "json", &buf)
		assert.Empty(t, warnings)
		assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

		logger.WithField("crawler", "docs").Debug("hello")
		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "hello", line["msg"])
		assert.Equal(t, "docs", line["crawler"])
	})

	t.Run("fallbacks", func(t *testing.T) {
		logger, warnings := NewLogger("loud", "xml", io.Discard)
		assert.Len(t, warnings, 2)
		assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
		assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
	})

	t.Run("defaults", func(t *testing.T) {
		logger, warnings := NewLogger("warn", "", io.Discard)
		assert.Empty(t, warnings)
		assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	})
}

func TestBadgerLogrusAdapter_Levels(t *testing.T) {
	entry, buf := bufferedEntry(logrus.InfoLevel)
	adapter := NewBadgerLogrusAdapter(entry)

	adapter.Infof("compaction %d\n", 1)
	adapter.Debugf("table %s\n", "x")
	assert.Empty(t, buf.String(), "info and debug are demoted below info")

	adapter.Warningf("slow write %d\n", 42)
	adapter.Errorf("error %s\n", "test")
	out := buf.String()
	assert.Contains(t, out, "level=warning msg=\"slow write 42\"")
	assert.Contains(t, out, "level=error msg=\"error test\"")
}

func TestBadgerLogrusAdapter_DebugLevel(t *testing.T) {
	entry, buf := bufferedEntry(logrus.DebugLevel)
	NewBadgerLogrusAdapter(entry).Infof("opened %s\n", "db")
	assert.Contains(t, buf.String(), "msg=\"opened db\"")
}
