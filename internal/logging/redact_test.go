package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encodeFields(t *testing.T, fields ...zap.Field) string {
	t.Helper()
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc := NewRedactingEncoder(base, DefaultRedactFields())

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "test"}, fields)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactingEncoderByKey(t *testing.T) {
	out := encodeFields(t,
		zap.String("token", "sk-live-secret-value"),
		zap.String("task_id", "T1"),
	)

	assert.NotContains(t, out, "sk-live-secret-value")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "T1", "non-sensitive fields pass through")
}

func TestRedactingEncoderCaseInsensitive(t *testing.T) {
	out := encodeFields(t, zap.String("API_KEY", "abc123xyz"))
	assert.NotContains(t, out, "abc123xyz")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactingEncoderByteString(t *testing.T) {
	out := encodeFields(t, zap.ByteString("password", []byte("hunter2")))
	assert.NotContains(t, out, "hunter2")
}

func TestRedactingEncoderCloneKeepsFields(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc := NewRedactingEncoder(base, DefaultRedactFields())

	clone, ok := enc.Clone().(*RedactingEncoder)
	require.True(t, ok)
	assert.True(t, clone.shouldRedactKey("secret"))
}
