package middleware

import (
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLog_WrappedFiberError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	app := fiber.New()
	app.Use(AccessLog(zap.New(core)))
	app.Get("/", func(c *fiber.Ctx) error {
		return fmt.Errorf("lookup: %w", fiber.ErrNotFound)
	})

	_, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	entries := logs.FilterMessage("Request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(fiber.StatusNotFound), entries[0].ContextMap()["status"])
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}
