package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// ProgressInterval is the cadence of the background progress ticker.
const ProgressInterval = 1 * time.Second

// progressBarWidth is the fixed width of the ASCII progress bar.
const progressBarWidth = 50

// ProgressSnapshot is one point-in-time reading of download progress. It is
// computed under the scheduler mutex so that Percent, MBPerSec, and ETA are
// all consistent with one another, and is independently testable without a
// terminal attached.
type ProgressSnapshot struct {
	Peers      int
	MaxPeers   int
	Percent    float64
	MBPerSec   float64
	ETASeconds float64 // negative means "inf": zero progress in the last interval
	Bar        string
	Elapsed    time.Duration
}

// String renders snap as a single-line indicator: peers/maxConnections,
// instantaneous MB/s, ETA ("inf" on zero progress), a fixed-width ASCII bar,
// percentage, and elapsed time.
func (snap ProgressSnapshot) String() string {
	eta := "inf"
	if snap.ETASeconds >= 0 {
		eta = fmt.Sprintf("%.0fs", snap.ETASeconds)
	}
	return fmt.Sprintf("peers %d/%d  [%s] %5.1f%%  %.2f MB/s  eta %s  elapsed %s",
		snap.Peers, snap.MaxPeers, snap.Bar, snap.Percent, snap.MBPerSec, eta, snap.Elapsed.Round(time.Second))
}

// snapshot computes a ProgressSnapshot for the interval just elapsed and
// resets the per-interval committed-bytes counter. ETA is extrapolated from
// the interval's own throughput: pieces_left * interval / pieces committed
// this interval, "inf" when the interval saw zero progress.
func (m *Manager) snapshot(interval time.Duration) ProgressSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.have)
	have := 0
	for _, ok := range m.have {
		if ok {
			have++
		}
	}
	percent := 0.0
	if total > 0 {
		percent = float64(have) / float64(total) * 100
	}

	committed := m.committedInterval
	m.committedInterval = 0
	mbps := float64(committed) / interval.Seconds() / (1024 * 1024)

	eta := -1.0
	piecesLeft := total - have
	if committed > 0 && m.meta.PieceLength > 0 {
		piecesCommitted := float64(committed) / float64(m.meta.PieceLength)
		if piecesCommitted > 0 {
			eta = float64(piecesLeft) * interval.Seconds() / piecesCommitted
		}
	}

	filled := int(percent / 100 * float64(progressBarWidth))
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	bar := strings.Repeat("=", filled) + strings.Repeat("-", progressBarWidth-filled)

	return ProgressSnapshot{
		Peers:      len(m.bitfields),
		MaxPeers:   m.maxConnections,
		Percent:    percent,
		MBPerSec:   mbps,
		ETASeconds: eta,
		Bar:        bar,
		Elapsed:    nowFunc().Sub(m.startTime),
	}
}

// runProgressTicker prints one ProgressSnapshot per interval until Close
// signals tickerStop, or the torrent completes.
func (m *Manager) runProgressTicker(interval time.Duration) {
	defer close(m.tickerDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.tickerStop:
			return
		case <-ticker.C:
			snap := m.snapshot(interval)
			m.logger.Infof("%s", snap.String())
			if m.IsComplete() {
				return
			}
		}
	}
}
