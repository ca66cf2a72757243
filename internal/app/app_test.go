package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kafkabridge/internal/config"
)

func memoryConfig() config.Config {
	var cfg config.Config
	cfg.Bridge.Driver = "memory"
	cfg.Bridge.PollInterval = 5 * time.Millisecond
	cfg.Demo.Enabled = true
	cfg.Demo.Partitions = 3
	cfg.Demo.Produce = 6
	cfg.Demo.ExitWhenDone = true
	config.ApplyDefaults(&cfg)
	return cfg
}

func TestDemoRoundTripOnMemoryDriver(t *testing.T) {
	cfg := memoryConfig()
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	a, err := Bootstrap(ctx, cfg, &out)
	require.NoError(t, err)
	require.NoError(t, a.Run(ctx))
	require.NoError(t, ctx.Err(), "demo should finish before the deadline")

	text := out.String()
	assert.Equal(t, 6, strings.Count(text, "consumed kbridge-demo["), text)
	assert.Equal(t, 6, strings.Count(text, "delivered kbridge-demo["), text)
	assert.Equal(t, 6, a.demo.consumed)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := memoryConfig()
	cfg.Demo.Produce = 0

	ctx, cancel := context.WithCancel(context.Background())
	a, err := Bootstrap(ctx, cfg, &bytes.Buffer{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, a.Close(), "Close is idempotent")
}

func TestBootstrapRejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Bridge.Driver = "nope"
	_, err := Bootstrap(context.Background(), cfg, &bytes.Buffer{})
	assert.Error(t, err)
}
