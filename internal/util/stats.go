package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide pub/sub traffic and peer counter.
var Stats = &stats{}

type stats struct {
	PeersSeen     atomic.Int64 // cumulative count of discovered peers since process start
	PeersLost     atomic.Int64 // cumulative count of removed peers since process start
	MsgsPublished atomic.Int64 // cumulative messages published to topics
	MsgsReceived  atomic.Int64 // cumulative messages received from topics
	BytesSent     atomic.Int64 // cumulative payload bytes published
	BytesRecv     atomic.Int64 // cumulative payload bytes received
}

func (s *stats) AddPeer()    { s.PeersSeen.Add(1) }
func (s *stats) RemovePeer() { s.PeersLost.Add(1) }

func (s *stats) AddPublished(n int) {
	s.MsgsPublished.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddReceived(n int) {
	s.MsgsReceived.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every 10 seconds. It stops when ctx is cancelled. Quiet intervals
// (no new peers, negligible traffic) produce no output.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevSeen, prevLost int64
		for {
			select {
			case <-ticker.C:
				seen := Stats.PeersSeen.Load()
				lost := Stats.PeersLost.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				newPeers := seen - prevSeen
				lostPeers := lost - prevLost

				if newPeers > 0 || lostPeers > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, newPeers, lostPeers))
				}

				prevSent = sent
				prevRecv = recv
				prevSeen = seen
				prevLost = lost

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
func formatStats(inS, outS float64, newPeers, lostPeers int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		newPeers,
		lostPeers,
	)
}
