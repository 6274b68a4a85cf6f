// Package util provides logging and process-wide traffic statistics.
package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/circuit counter.
var Stats = &stats{}

type stats struct {
	TotalCircuits  atomic.Int64 // cumulative count of circuits opened since process start
	ClosedCircuits atomic.Int64 // cumulative count of circuits closed since process start
	BytesSent      atomic.Int64 // cumulative bytes written to the control connection
	BytesRecv      atomic.Int64 // cumulative bytes read from the control connection
}

func (s *stats) AddCircuit()    { s.TotalCircuits.Add(1) }
func (s *stats) RemoveCircuit() { s.ClosedCircuits.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }

// Open returns the number of circuits currently open.
func (s *stats) Open() int64 {
	return s.TotalCircuits.Load() - s.ClosedCircuits.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalCircuits.Load()
				closed := Stats.ClosedCircuits.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				secs := int64(reportInterval / time.Second)
				outS := (sent - prevSent) / secs
				inS := (recv - prevRecv) / secs
				opened := total - prevTotal
				gone := closed - prevClosed

				if opened > 0 || gone > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, opened, gone, total-closed))
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

// formatStats returns a one-line summary of the last reporting window.
func formatStats(inS, outS, opened, closed, open int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Circuits: %d↑ %d↓ (%d open)",
		humanize.IBytes(uint64(max(inS, 0))),
		humanize.IBytes(uint64(max(outS, 0))),
		opened,
		closed,
		open,
	)
}
