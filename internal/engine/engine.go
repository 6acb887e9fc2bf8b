// Package engine is the client supervisor: it owns the peer queue and the
// piece manager, spawns the worker pool, and periodically refreshes the
// peer set from the tracker until the torrent completes.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lvbealr/gorent/internal/metainfo"
	"github.com/lvbealr/gorent/internal/peerqueue"
	"github.com/lvbealr/gorent/internal/scheduler"
	"github.com/lvbealr/gorent/internal/session"
	"github.com/lvbealr/gorent/internal/tracker"
	"github.com/lvbealr/gorent/internal/xlog"
)

// RefreshInterval is how often the supervisor re-announces to the tracker;
// it also re-announces sooner whenever the queue runs dry. An interval
// supplied by the tracker is logged but does not change this schedule.
const RefreshInterval = 60 * time.Second

// peerIDPrefix identifies this client to trackers and peers, per the
// "-XX####-" convention; the remaining 12 bytes are random decimal digits.
const peerIDPrefix = "-GR0001-"

// GeneratePeerID builds a 20-byte peer id of the form "-GR0001-" followed
// by 12 random decimal digits, seeded from google/uuid's random source
// rather than math/rand directly.
func GeneratePeerID() [20]byte {
	u := uuid.New()
	digits := make([]byte, 0, 12)
	for _, b := range u[:] {
		digits = append(digits, byte('0')+b%10)
		if len(digits) == 12 {
			break
		}
	}
	for len(digits) < 12 {
		digits = append(digits, '0')
	}

	var id [20]byte
	copy(id[:], peerIDPrefix)
	copy(id[8:], digits)
	return id
}

// Engine drives one torrent's download from construction to completion.
type Engine struct {
	meta    *metainfo.TorrentMeta
	peerID  [20]byte
	port    uint16
	threads int
	logger  xlog.Logger

	// ExtraTrackers is passed through to tracker.Announce on every refresh,
	// alongside the torrent's own announce URL. Production callers (see
	// cmd/gorent) set this to tracker.PublicUDPTrackers; left nil (the
	// default New leaves it at), only the torrent's own tracker is used —
	// which is what tests want, so they never reach the public network.
	ExtraTrackers []string

	manager *scheduler.Manager
	queue   *peerqueue.Queue
}

// New builds an Engine that will write the torrent's content to outputPath
// and report port to trackers, announcing under a fresh GeneratePeerID id.
func New(meta *metainfo.TorrentMeta, outputPath string, threads int, port uint16, logger xlog.Logger) (*Engine, error) {
	if logger == nil {
		logger = xlog.Discard
	}
	if threads <= 0 {
		threads = 5
	}

	manager, err := scheduler.New(meta, outputPath, threads, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing piece manager: %w", err)
	}

	return &Engine{
		meta:    meta,
		peerID:  GeneratePeerID(),
		port:    port,
		threads: threads,
		logger:  logger,
		manager: manager,
		queue:   peerqueue.New(),
	}, nil
}

// Run spawns the worker pool against the shared peer queue, announces to
// the tracker, and blocks until the torrent completes or a worker hits a
// fatal error. On completion it pushes one sentinel per worker, signals
// stop, and joins every worker before returning.
func (e *Engine) Run() error {
	defer e.manager.Close()

	stop := make(chan struct{})
	done := make(chan struct{})
	fatal := make(chan error, e.threads)

	for i := 0; i < e.threads; i++ {
		w := &session.Worker{
			Meta:    e.meta,
			PeerID:  e.peerID,
			Manager: e.manager,
			Logger:  e.logger,
		}
		go func() {
			if err := w.Run(e.queue, stop); err != nil {
				fatal <- err
			}
			done <- struct{}{}
		}()
	}

	if err := e.refresh(); err != nil {
		e.logger.Warnf("initial tracker announce: %v", err)
	}

	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		e.refreshLoop(stop)
	}()

	// Poll until the torrent completes, or a worker hits a fatal (file i/o)
	// error, in which case the whole run aborts.
	var runErr error
	pollTicker := time.NewTicker(250 * time.Millisecond)
	defer pollTicker.Stop()
poll:
	for {
		select {
		case runErr = <-fatal:
			break poll
		case <-pollTicker.C:
			if e.manager.IsComplete() {
				break poll
			}
		}
	}

	close(stop)
	<-refreshDone
	e.queue.Clear()
	for i := 0; i < e.threads; i++ {
		e.queue.PushBack(peerqueue.Sentinel)
	}
	for i := 0; i < e.threads; i++ {
		<-done
	}

	return runErr
}

// refreshLoop re-announces on RefreshInterval, or sooner whenever the queue
// has emptied out, until stop is closed.
func (e *Engine) refreshLoop(stop <-chan struct{}) {
	idleCheck := time.NewTicker(time.Second)
	defer idleCheck.Stop()

	elapsed := time.Duration(0)
	for {
		select {
		case <-stop:
			return
		case <-idleCheck.C:
			elapsed += time.Second
			if elapsed < RefreshInterval && !e.queue.Empty() {
				continue
			}
			elapsed = 0
			if err := e.refresh(); err != nil {
				e.logger.Warnf("tracker refresh: %v", err)
			}
		}
	}
}

// refresh re-announces to the tracker with the bytes downloaded so far and
// replaces the queue's contents with the fresh peer set.
func (e *Engine) refresh() error {
	resp, err := tracker.Announce(e.meta, e.peerID, e.port, e.manager.BytesDownloaded(), e.logger, e.ExtraTrackers)
	if err != nil {
		return err
	}

	e.queue.Clear()
	for _, p := range resp.Peers {
		e.queue.PushBack(p)
	}
	e.logger.Infof("tracker refresh: %d peers, tracker interval %ds", len(resp.Peers), resp.Interval)
	return nil
}

// BytesDownloaded reports progress for a caller (e.g. a status line) that
// wants it independently of the manager's own progress bar.
func (e *Engine) BytesDownloaded() int64 {
	return e.manager.BytesDownloaded()
}
