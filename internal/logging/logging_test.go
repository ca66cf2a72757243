package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigure_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "warn", JSON: true, Output: &buf})
	t.Cleanup(func() { Configure(Options{}) })

	L().Info("hidden")
	L().Warn("shown", "k", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":1`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestInitFromEnv(t *testing.T) {
	t.Setenv("KBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("KBRIDGE_LOG_JSON", "true")
	InitFromEnv()
	t.Cleanup(func() { Configure(Options{}) })
	if !L().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be enabled")
	}
}
