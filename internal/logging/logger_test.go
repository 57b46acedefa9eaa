package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crewd/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Logging
		wantErr bool
	}{
		{name: "json info", cfg: config.Logging{Level: "info", Format: "json"}},
		{name: "console debug", cfg: config.Logging{Level: "debug", Format: "console"}},
		{name: "invalid level", cfg: config.Logging{Level: "loud", Format: "json"}, wantErr: true},
		{name: "invalid format", cfg: config.Logging{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	require.NotNil(t, logger)
	logger.Info("discarded")
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("token", "sk-live-abcdef")
	assert.Equal(t, "token", f.Key)
	assert.Equal(t, "[REDACTED:14]", f.String)
}
