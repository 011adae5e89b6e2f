package util

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/session counter.
var Stats = &stats{}

type stats struct {
	SessionsOpened atomic.Int64 // cumulative count of sessions registered since process start
	SessionsClosed atomic.Int64 // cumulative count of sessions closed since process start
	ChunksSent     atomic.Int64 // cumulative TLP chunks written to the relay
	ChunksRecv     atomic.Int64 // cumulative TLP chunks read from the relay
	BytesSent      atomic.Int64 // cumulative bytes written to the relay
	BytesRecv      atomic.Int64 // cumulative bytes read  from the relay
}

func (s *stats) OpenSession()  { s.SessionsOpened.Add(1) }
func (s *stats) CloseSession() { s.SessionsClosed.Add(1) }

// AddSent records one chunk of n bytes written to the relay.
func (s *stats) AddSent(n int) {
	s.ChunksSent.Add(1)
	s.BytesSent.Add(int64(n))
}

// AddRecv records one chunk of n bytes read from the relay.
func (s *stats) AddRecv(n int) {
	s.ChunksRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transfer statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.SessionsOpened.Load()
				closed := Stats.SessionsClosed.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sessions: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
	)
}

// FormatBytes formats a byte count for log messages, e.g. "1.5 KiB".
func FormatBytes(n uint64) string {
	return strings.TrimSpace(formatBytes(float64(n)))
}
