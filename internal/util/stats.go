package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Signaling counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts signaling activity for one supervisor. Values are cumulative
// since creation.
type Stats struct {
	SessionsOpened atomic.Int64 // sessions handed to the supervisor
	SessionsClosed atomic.Int64 // sessions that reached Closed
	MessagesSent   atomic.Int64 // frames written to signaling channels
	MessagesRecv   atomic.Int64 // frames read from signaling channels
	Violations     atomic.Int64 // frames or events discarded as protocol violations
}

func (s *Stats) AddSession()    { s.SessionsOpened.Add(1) }
func (s *Stats) RemoveSession() { s.SessionsClosed.Add(1) }
func (s *Stats) AddSent()       { s.MessagesSent.Add(1) }
func (s *Stats) AddRecv()       { s.MessagesRecv.Add(1) }
func (s *Stats) AddViolation()  { s.Violations.Add(1) }

// Active returns the number of sessions opened but not yet closed.
func (s *Stats) Active() int64 {
	return s.SessionsOpened.Load() - s.SessionsClosed.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every interval. Quiet periods are not logged. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot(s)
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur, prev, s.Active()))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	opened, closed, sent, recv, violations int64
}

func takeSnapshot(s *Stats) snapshot {
	return snapshot{
		opened:     s.SessionsOpened.Load(),
		closed:     s.SessionsClosed.Load(),
		sent:       s.MessagesSent.Load(),
		recv:       s.MessagesRecv.Load(),
		violations: s.Violations.Load(),
	}
}

// formatStats returns the delta between two snapshots for display in the logger.
func formatStats(cur, prev snapshot, active int64) string {
	return fmt.Sprintf("Sessions: %d active (%2d↑ %2d↓) | Msgs: %3d out %3d in | Violations: %d",
		active,
		cur.opened-prev.opened,
		cur.closed-prev.closed,
		cur.sent-prev.sent,
		cur.recv-prev.recv,
		cur.violations-prev.violations,
	)
}
