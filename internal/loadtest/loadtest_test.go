package loadtest

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/byfrost/internal/auth"
	filesync "github.com/steveyegge/byfrost/internal/sync"
	"github.com/steveyegge/byfrost/internal/syncpath"
	"github.com/steveyegge/byfrost/internal/transport"
)

const testSecret = "f1e2d3c4b5a69788f1e2d3c4b5a69788f1e2d3c4b5a69788f1e2d3c4b5a69788"

// startPeer brings up a real channel server on loopback and returns its
// websocket URL.
func startPeer(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	for _, dir := range syncpath.CoordinationDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	policy, err := syncpath.Coordination(root)
	if err != nil {
		t.Fatalf("failed to build policy: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	engine, err := filesync.NewEngine(&filesync.Config{Policy: policy, Logger: quiet})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	verifiers := auth.NewVerifierSet(
		auth.NewGuard(&auth.GuardConfig{Logger: quiet}),
		nil,
		&auth.Config{Logger: quiet},
	)
	verifiers.SetSecrets([]auth.Secret{{Value: testSecret}})

	server := transport.NewServer(&transport.ServerConfig{
		Host:      "127.0.0.1",
		Port:      0,
		Verifiers: verifiers,
		Engine:    engine,
		Logger:    quiet,
	})
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		server.Stop()
		engine.Stop()
	})
	return "ws://" + server.GetAddr() + "/ws"
}

func TestRun_AgainstLivePeer(t *testing.T) {
	url := startPeer(t)

	result, err := Run(context.Background(), Config{
		URL:       url,
		Secret:    testSecret,
		Messages:  5,
		BurstSize: 10,
		Timeout:   10 * time.Second,
	})
	if err != nil {
		t.Fatalf("load test failed: %v", err)
	}

	if got := len(result.Latency.Durations); got != 5 {
		t.Errorf("measured %d round trips, want 5", got)
	}
	if result.Latency.Min <= 0 {
		t.Errorf("min latency = %v, want positive", result.Latency.Min)
	}
	if result.Latency.Max < result.Latency.Min {
		t.Errorf("max %v below min %v", result.Latency.Max, result.Latency.Min)
	}
	if result.Throughput.AnsweredMessages != 10 {
		t.Errorf("answered = %d, want 10", result.Throughput.AnsweredMessages)
	}
	if result.Throughput.MessagesPerSecond <= 0 {
		t.Errorf("throughput = %.2f, want positive", result.Throughput.MessagesPerSecond)
	}
	if result.ErrorCount != 0 {
		t.Errorf("error count = %d, want 0", result.ErrorCount)
	}
	if !result.Success {
		t.Error("expected a successful run")
	}
}

func TestRun_WrongSecret(t *testing.T) {
	url := startPeer(t)

	result, err := Run(context.Background(), Config{
		URL:       url,
		Secret:    "0000000000000000000000000000000000000000000000000000000000000000",
		Messages:  2,
		BurstSize: 2,
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("run should complete and report probe failures: %v", err)
	}

	if len(result.Latency.Durations) != 0 {
		t.Errorf("no round trip should verify, got %d", len(result.Latency.Durations))
	}
	if result.ErrorCount != 4 {
		t.Errorf("error count = %d, want 4", result.ErrorCount)
	}
	if result.Success {
		t.Error("run against a mismatched secret should not report success")
	}
}

func TestRun_Validation(t *testing.T) {
	if _, err := Run(context.Background(), Config{Secret: "x"}); err == nil {
		t.Error("expected an error without a URL")
	}
	if _, err := Run(context.Background(), Config{URL: "ws://x:1/ws"}); err == nil {
		t.Error("expected an error without a secret")
	}
}

func TestRun_UnreachablePeer(t *testing.T) {
	_, err := Run(context.Background(), Config{
		URL:     "ws://127.0.0.1:1/ws",
		Secret:  testSecret,
		Timeout: time.Second,
	})
	if err == nil {
		t.Error("expected a dial error")
	}
}

func TestComputeStats(t *testing.T) {
	durations := make([]time.Duration, 10)
	for i := range durations {
		durations[i] = time.Duration(i+1) * 10 * time.Millisecond
	}

	stats := ComputeStats(durations)
	if stats.Min != 10*time.Millisecond {
		t.Errorf("min = %v, want 10ms", stats.Min)
	}
	if stats.Max != 100*time.Millisecond {
		t.Errorf("max = %v, want 100ms", stats.Max)
	}
	if stats.P50 != 60*time.Millisecond {
		t.Errorf("p50 = %v, want 60ms", stats.P50)
	}
	if stats.Mean != 55*time.Millisecond {
		t.Errorf("mean = %v, want 55ms", stats.Mean)
	}
}

func TestComputeStats_Empty(t *testing.T) {
	stats := ComputeStats(nil)
	if stats.Min != 0 || stats.Max != 0 || len(stats.Durations) != 0 {
		t.Errorf("empty input should yield zero metrics, got %+v", stats)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Nanosecond, "500ns"},
		{1500 * time.Nanosecond, "1.50µs"},
		{2500 * time.Microsecond, "2.50ms"},
		{1500 * time.Millisecond, "1.50s"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.d); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
