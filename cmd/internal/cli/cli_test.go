package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay/cmd/internal/app"
)

func startRelay(t *testing.T) string {
	t.Helper()

	cfg := app.DefaultConfig()
	a, err := app.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close()
	})
	return srv.URL
}

func deadURL() string {
	srv := httptest.NewServer(nil)
	u := srv.URL
	srv.Close()
	return u
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := NewRootCommand(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestProbe_ReportsEachEndpoint(t *testing.T) {
	live := startRelay(t)
	dead := deadURL()

	out, err := runCLI(t, "probe", "--timeout", "2s", dead, live)
	if err != nil {
		t.Fatalf("probe err=%v out=%s", err, out)
	}
	if !strings.Contains(out, "FAIL "+dead) {
		t.Fatalf("dead endpoint not reported as failed:\n%s", out)
	}
	if !strings.Contains(out, "PASS "+live) {
		t.Fatalf("live endpoint not reported as passed:\n%s", out)
	}
	if !strings.Contains(out, "online=0") {
		t.Fatalf("snapshot lists other users only:\n%s", out)
	}
}

func TestProbe_AllDeadFails(t *testing.T) {
	out, err := runCLI(t, "probe", "--timeout", "500ms", deadURL())
	if err == nil {
		t.Fatalf("probe of dead endpoint must fail, out=%s", out)
	}
}

func TestSmoke_ExchangesMessage(t *testing.T) {
	live := startRelay(t)

	out, err := runCLI(t, "smoke", "--timeout", "3s", deadURL(), live)
	if err != nil {
		t.Fatalf("smoke err=%v out=%s", err, out)
	}
	for _, step := range []string{"connect alice", "connect bob", "presence", "deliver", "echo", "unread"} {
		if !strings.Contains(out, "PASS "+step) {
			t.Fatalf("step %q missing from output:\n%s", step, out)
		}
	}
}

func TestServe_FlagsOverrideConfig(t *testing.T) {
	t.Setenv("RELAY_CONFIG_FILE", "")
	t.Setenv("RELAY_HTTP_ADDR", "127.0.0.1:9000")

	cmd := newServeCommand()
	if err := cmd.ParseFlags([]string{"--log-format", "pretty", "--notify-sink", "none"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	f := serveFlags{logFormat: "pretty", sink: "none"}

	cfg, err := resolveServeConfig(cmd, f)
	if err != nil {
		t.Fatalf("resolveServeConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("unset flag must keep env value: HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogFormat != app.LogFormatPretty || cfg.NotifySink != app.SinkNone {
		t.Fatalf("flags not applied: format=%q sink=%q", cfg.LogFormat, cfg.NotifySink)
	}

	cmd = newServeCommand()
	if err := cmd.ParseFlags([]string{"--notify-sink", "kafka"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if _, err := resolveServeConfig(cmd, serveFlags{sink: "kafka"}); err == nil {
		t.Fatalf("unknown sink from flag must fail validation")
	}
}
