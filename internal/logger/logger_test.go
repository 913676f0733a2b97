package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, typ := range []string{TypePretty, TypePlain} {
		log, err := New(typ, "warn")
		require.NoError(t, err, typ)
		assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
		assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	}

	_, err := New("fancy", "info")
	assert.Error(t, err)
	_, err = New(TypePlain, "loud")
	assert.Error(t, err)
}
