// Package loadtest measures a live byfrost channel: signed ping round-trip
// latency and burst throughput against a running peer.
//
// The load test signs every probe with the channel secret, so it exercises
// the full path a real sync message takes: canonical serialization, HMAC
// signing, the websocket hop, peer-side verification, and the reply.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/byfrost/internal/auth"
	"github.com/steveyegge/byfrost/internal/protocol"
)

// Config defines the parameters for a load test run.
type Config struct {
	// URL is the peer's websocket endpoint
	URL string

	// Secret is the channel secret used to sign probes
	Secret string

	// Messages is the number of sequential round trips to measure
	Messages int

	// BurstSize is the number of pings sent back-to-back for the
	// throughput phase
	BurstSize int

	// Timeout bounds the dial and each phase
	Timeout time.Duration
}

// DefaultConfig returns a load test configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Messages:  100,
		BurstSize: 200,
		Timeout:   30 * time.Second,
	}
}

// Result captures all metrics from a load test run.
type Result struct {
	// Configuration used for this run
	Config Config

	// Latency metrics from the sequential round trips
	Latency LatencyMetrics

	// Throughput metrics from the burst phase
	Throughput ThroughputMetrics

	// Overall test metrics
	TotalDuration time.Duration
	ErrorCount    int
	ErrorRate     float64
	Success       bool
}

// LatencyMetrics captures round-trip latency statistics.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration // Median
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration

	// Raw durations for analysis
	Durations []time.Duration
}

// ThroughputMetrics captures messages-per-second metrics.
type ThroughputMetrics struct {
	MessagesPerSecond float64
	AnsweredMessages  int
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	// Sort for percentile calculation
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	// Calculate mean
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := sum / time.Duration(len(sorted))

	// Calculate percentiles
	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[len(sorted)*95/100]
	p99 := sorted[len(sorted)*99/100]

	return LatencyMetrics{
		Min:       sorted[0],
		P50:       p50,
		Mean:      mean,
		P95:       p95,
		P99:       p99,
		Max:       sorted[len(sorted)-1],
		Durations: sorted,
	}
}

// Run executes the load test against the configured peer. It returns an
// error only when the channel cannot be established; probe failures are
// reported in the result.
func Run(ctx context.Context, config Config) (*Result, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("load test requires a peer URL")
	}
	if config.Secret == "" {
		return nil, fmt.Errorf("load test requires the channel secret")
	}
	if config.Messages <= 0 {
		config.Messages = DefaultConfig().Messages
	}
	if config.BurstSize <= 0 {
		config.BurstSize = DefaultConfig().BurstSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	quiet := log.New(io.Discard, "", 0)
	verifiers := auth.NewVerifierSet(
		auth.NewGuard(&auth.GuardConfig{Logger: quiet}),
		nil,
		&auth.Config{Logger: quiet},
	)
	verifiers.SetSecrets([]auth.Secret{{Value: config.Secret}})

	dialCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	conn, _, err := websocket.Dial(dialCtx, config.URL, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.URL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load test complete")
	// The peer may interleave manifest traffic with our pongs.
	conn.SetReadLimit(4 << 20)

	start := time.Now()
	errorCount := 0

	// Phase 1: sequential round trips for the latency distribution.
	durations := make([]time.Duration, 0, config.Messages)
	for i := 0; i < config.Messages; i++ {
		rtt, err := pingOnce(ctx, conn, verifiers, config.Timeout)
		if err != nil {
			errorCount++
			continue
		}
		durations = append(durations, rtt)
	}

	// Phase 2: back-to-back pings for throughput.
	throughput, unanswered := burst(ctx, conn, verifiers, config.BurstSize, config.Timeout)
	errorCount += unanswered

	sent := config.Messages + config.BurstSize
	result := &Result{
		Config:        config,
		Latency:       ComputeStats(durations),
		Throughput:    throughput,
		TotalDuration: time.Since(start),
		ErrorCount:    errorCount,
		ErrorRate:     float64(errorCount) / float64(sent),
	}
	result.Success = len(durations) > 0 && result.ErrorRate < 0.01
	return result, nil
}

// pingOnce sends one signed ping and waits for the matching pong, skipping
// any unrelated traffic the peer sends in between.
func pingOnce(ctx context.Context, conn *websocket.Conn, verifiers *auth.VerifierSet, timeout time.Duration) (time.Duration, error) {
	payload, err := verifiers.Sign(protocol.Ping{Type: protocol.KindPing})
	if err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := conn.Write(opCtx, websocket.MessageText, payload); err != nil {
		return 0, err
	}
	for {
		_, data, err := conn.Read(opCtx)
		if err != nil {
			return 0, err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.Pong:
			return time.Since(start), nil
		case protocol.Error:
			return 0, fmt.Errorf("peer rejected probe: %s", m.Message)
		default:
			// Manifest or sync traffic; not ours.
		}
	}
}

// burst fires n signed pings as fast as they will write and counts the
// pongs that come back. It returns the throughput and how many pings went
// unanswered.
func burst(ctx context.Context, conn *websocket.Conn, verifiers *auth.VerifierSet, n int, timeout time.Duration) (ThroughputMetrics, int) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for i := 0; i < n; i++ {
			payload, err := verifiers.Sign(protocol.Ping{Type: protocol.KindPing})
			if err != nil {
				continue
			}
			if err := conn.Write(opCtx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}()

	received := 0
	for received < n {
		_, data, err := conn.Read(opCtx)
		if err != nil {
			break
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if _, ok := msg.(protocol.Pong); ok {
			received++
		}
	}
	elapsed := time.Since(start)
	<-writeDone

	metrics := ThroughputMetrics{AnsweredMessages: received}
	if elapsed > 0 {
		metrics.MessagesPerSecond = float64(received) / elapsed.Seconds()
	}
	return metrics, n - received
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// PrintResult outputs a formatted load test result.
func PrintResult(result *Result) {
	fmt.Printf("\n=== Channel Load Test Results ===\n\n")

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Peer:        %s\n", result.Config.URL)
	fmt.Printf("  Round trips: %d\n", result.Config.Messages)
	fmt.Printf("  Burst size:  %d\n", result.Config.BurstSize)
	fmt.Printf("\n")

	fmt.Printf("Round-trip latency:\n")
	fmt.Printf("  Min:       %s\n", FormatDuration(result.Latency.Min))
	fmt.Printf("  P50:       %s\n", FormatDuration(result.Latency.P50))
	fmt.Printf("  Mean:      %s\n", FormatDuration(result.Latency.Mean))
	fmt.Printf("  P95:       %s\n", FormatDuration(result.Latency.P95))
	fmt.Printf("  P99:       %s\n", FormatDuration(result.Latency.P99))
	fmt.Printf("  Max:       %s\n", FormatDuration(result.Latency.Max))
	fmt.Printf("\n")

	fmt.Printf("Throughput:\n")
	fmt.Printf("  Messages/sec:  %.2f\n", result.Throughput.MessagesPerSecond)
	fmt.Printf("  Answered:      %d\n", result.Throughput.AnsweredMessages)
	fmt.Printf("\n")

	fmt.Printf("Overall:\n")
	fmt.Printf("  Total Duration:    %s\n", FormatDuration(result.TotalDuration))
	fmt.Printf("  Errors:            %d (%.2f%%)\n", result.ErrorCount, result.ErrorRate*100)
	fmt.Printf("  Success:           %v\n", result.Success)
	fmt.Printf("\n")
}
