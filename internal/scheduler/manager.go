// Package scheduler is the piece/block scheduler: it tracks which blocks of
// the torrent are missing, pending, or retrieved, decides what to request
// next for a given peer (rarest-first among pieces that peer advertises),
// verifies completed pieces against their SHA-1 hash, and commits verified
// data to the output file.
package scheduler

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lvbealr/gorent/internal/metainfo"
	"github.com/lvbealr/gorent/internal/xerrors"
	"github.com/lvbealr/gorent/internal/xlog"
)

// RequestExpiry is how long a dispatched block may go unfulfilled before it
// becomes eligible for reissue to a different peer.
const RequestExpiry = 5 * time.Second

// nowFunc is the scheduler's clock, overridable in tests so expiry can be
// exercised without a real 5-second sleep.
var nowFunc = time.Now

// Manager is the owner of a torrent's piece set. It holds no reference back
// to peer sessions: sessions call into Manager, never the other way around.
type Manager struct {
	mu sync.Mutex

	meta   *metainfo.TorrentMeta
	pieces []*Piece // indexed by piece index, len == meta.NumPieces()
	have   []bool   // have[i] true once pieces[i] is verified and committed

	ongoing []int // piece indices with at least one dispatched block, in insertion order
	pending []*PendingRequest

	availability []int             // availability[i] = number of peers advertising piece i
	bitfields    map[string][]byte // peerID -> bitfield, as received via BITFIELD/HAVE

	file   *os.File
	logger xlog.Logger
	bar    *progressbar.ProgressBar

	maxConnections    int
	committedInterval int64

	startTime  time.Time
	tickerStop chan struct{}
	tickerDone chan struct{}
}

// New builds a Manager for meta, creating (or truncating) outputPath to the
// torrent's full length so pieces can be written with WriteAt in any order,
// and starts the background progress ticker, which reports against a pool
// of maxConnections peers.
func New(meta *metainfo.TorrentMeta, outputPath string, maxConnections int, logger xlog.Logger) (*Manager, error) {
	if logger == nil {
		logger = xlog.Discard
	}
	if maxConnections <= 0 {
		maxConnections = 1
	}

	f, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("scheduler: create output file: %w", err)
	}
	if err := f.Truncate(meta.Length); err != nil {
		f.Close()
		return nil, fmt.Errorf("scheduler: truncate output file: %w", err)
	}

	n := meta.NumPieces()
	pieces := make([]*Piece, n)
	for i := 0; i < n; i++ {
		pieces[i] = newPiece(i, pieceSize(meta, i), meta.PieceHashes[i])
	}

	bar := progressbar.NewOptions64(meta.Length,
		progressbar.OptionSetDescription(meta.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)

	m := &Manager{
		meta:           meta,
		pieces:         pieces,
		have:           make([]bool, n),
		availability:   make([]int, n),
		bitfields:      make(map[string][]byte),
		file:           f,
		logger:         logger,
		bar:            bar,
		maxConnections: maxConnections,
		startTime:      nowFunc(),
		tickerStop:     make(chan struct{}),
		tickerDone:     make(chan struct{}),
	}
	go m.runProgressTicker(ProgressInterval)
	return m, nil
}

// pieceSize returns the length in bytes of piece index, accounting for the
// final, possibly-shorter piece.
func pieceSize(meta *metainfo.TorrentMeta, index int) int {
	if index < meta.NumPieces()-1 {
		return int(meta.PieceLength)
	}
	last := meta.Length - meta.PieceLength*int64(meta.NumPieces()-1)
	return int(last)
}

// HasPiece reports whether bit index is set in bitfield, using the wire
// format's big-endian-within-byte convention: byte index/8, bit 7-(index%8).
func HasPiece(bitfield []byte, index int) bool {
	byteIdx := index / 8
	if byteIdx < 0 || byteIdx >= len(bitfield) {
		return false
	}
	bitOffset := uint(7 - index%8)
	return bitfield[byteIdx]&(1<<bitOffset) != 0
}

// setBit sets bit index in bitfield, growing it if necessary.
func setBit(bitfield []byte, index int) []byte {
	byteIdx := index / 8
	for len(bitfield) <= byteIdx {
		bitfield = append(bitfield, 0)
	}
	bitfield[byteIdx] |= 1 << uint(7-index%8)
	return bitfield
}

// AddPeer registers a peer's bitfield (from its BITFIELD message) and
// accounts its pieces into the rarest-first availability counters. A bitfield
// whose length does not match ceil(K/8) is rejected as a wire error, so the
// session drops the peer before it can pollute scheduling state.
func (m *Manager) AddPeer(peerID string, bitfield []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := (m.meta.NumPieces() + 7) / 8
	if len(bitfield) != want {
		return fmt.Errorf("%w: bitfield is %d bytes, want %d", xerrors.ErrWireError, len(bitfield), want)
	}

	cp := make([]byte, len(bitfield))
	copy(cp, bitfield)
	m.bitfields[peerID] = cp
	for i := 0; i < m.meta.NumPieces(); i++ {
		if HasPiece(cp, i) {
			m.availability[i]++
		}
	}
	return nil
}

// UpdatePeer records a single HAVE message from peerID for piece index.
// Unregistered peers are ignored: a HAVE before the BITFIELD has been
// accepted carries no usable state.
func (m *Manager) UpdatePeer(peerID string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.bitfields[peerID]
	if !ok || index < 0 || index >= m.meta.NumPieces() {
		return
	}
	if HasPiece(bf, index) {
		return
	}
	m.bitfields[peerID] = setBit(bf, index)
	m.availability[index]++
}

// RemovePeer drops peerID's bitfield accounting and returns any blocks that
// were pending against it to Missing, so another peer can pick them up
// immediately instead of waiting out RequestExpiry. No-op once the download
// is complete.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isCompleteLocked() {
		return
	}

	bf, ok := m.bitfields[peerID]
	if ok {
		for i := 0; i < m.meta.NumPieces(); i++ {
			if HasPiece(bf, i) {
				m.availability[i]--
			}
		}
		delete(m.bitfields, peerID)
	}

	kept := m.pending[:0]
	for _, req := range m.pending {
		if req.PeerID == peerID {
			req.Block.Status = BlockMissing
			continue
		}
		kept = append(kept, req)
	}
	m.pending = kept
}

// NextRequest reports nothing to do for an unregistered peer; otherwise it
// tries, in order: reissue an expired request the peer is able to serve,
// continue a block from a piece already under way, start a new piece
// rarest-first among what the peer has, or report nothing to do.
func (m *Manager) NextRequest(peerID string) (*Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.bitfields[peerID]
	if !ok {
		return nil, false
	}

	// Step 1: expired request reissue.
	now := nowFunc()
	for _, req := range m.pending {
		if req.Block.Status != BlockPending {
			continue
		}
		if now.Sub(time.Unix(0, req.IssuedAt)) < RequestExpiry {
			continue
		}
		if !HasPiece(bf, req.Block.PieceIndex) {
			continue
		}
		req.PeerID = peerID
		req.IssuedAt = now.UnixNano()
		return req.Block, true
	}

	// Step 2: continue a piece already under way, oldest first.
	for _, index := range m.ongoing {
		if !HasPiece(bf, index) {
			continue
		}
		if b := m.pieces[index].NextRequest(); b != nil {
			m.pending = append(m.pending, &PendingRequest{Block: b, PeerID: peerID, IssuedAt: now.UnixNano()})
			return b, true
		}
	}

	// Step 3: start a new piece, rarest-first among what the peer has, ties
	// broken by lowest index.
	best := -1
	for i := 0; i < m.meta.NumPieces(); i++ {
		if m.have[i] || m.isOngoing(i) || !HasPiece(bf, i) {
			continue
		}
		if best == -1 || m.availability[i] < m.availability[best] {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}
	m.ongoing = append(m.ongoing, best)
	b := m.pieces[best].NextRequest()
	if b == nil {
		return nil, false
	}
	m.pending = append(m.pending, &PendingRequest{Block: b, PeerID: peerID, IssuedAt: now.UnixNano()})
	return b, true
}

// BlockReceived records data for the block at (index, offset). A block for a
// piece that is not presently Ongoing is a protocol violation: either the
// peer sent data it was never asked for, or the piece already committed and
// this is a stale late reply, which the session answers by dropping the peer.
// If the piece becomes complete it is hash-verified and, on success,
// committed to disk; on a hash mismatch every block in the piece is reset to
// Missing so it is downloaded again.
func (m *Manager) BlockReceived(index, offset int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removePendingFor(index, offset)

	if index < 0 || index >= len(m.pieces) || !m.isOngoing(index) {
		return fmt.Errorf("%w: block received for piece %d, which is not ongoing", xerrors.ErrProtocolViolation, index)
	}
	p := m.pieces[index]
	if !p.BlockReceived(offset, data) {
		return fmt.Errorf("%w: block received at unknown offset %d in piece %d", xerrors.ErrProtocolViolation, offset, index)
	}

	if !p.Complete() {
		return nil
	}

	if !p.HashOK() {
		m.logger.Warnf("piece %d failed hash check, retrying", index)
		p.Reset()
		// Pending entries for the failed piece reference blocks that are now
		// Missing again; purge them so a later re-request of the same block
		// cannot match a stale, already-expired entry.
		m.removePendingForPiece(index)
		return nil
	}

	if _, err := m.file.WriteAt(p.Data(), int64(index)*m.meta.PieceLength); err != nil {
		return fmt.Errorf("%w: write piece %d: %v", xerrors.ErrFileIO, index, err)
	}

	m.have[index] = true
	m.dropOngoing(index)
	m.removePendingForPiece(index)
	m.bar.Add64(int64(len(p.Data())))
	m.committedInterval += int64(len(p.Data()))
	m.logger.Infof("piece %d/%d verified and written", index+1, m.meta.NumPieces())
	return nil
}

func (m *Manager) isOngoing(index int) bool {
	for _, i := range m.ongoing {
		if i == index {
			return true
		}
	}
	return false
}

func (m *Manager) dropOngoing(index int) {
	for i, v := range m.ongoing {
		if v == index {
			m.ongoing = append(m.ongoing[:i], m.ongoing[i+1:]...)
			return
		}
	}
}

func (m *Manager) removePendingFor(index, offset int) {
	kept := m.pending[:0]
	for _, req := range m.pending {
		if req.Block.PieceIndex == index && req.Block.Offset == offset {
			continue
		}
		kept = append(kept, req)
	}
	m.pending = kept
}

func (m *Manager) removePendingForPiece(index int) {
	kept := m.pending[:0]
	for _, req := range m.pending {
		if req.Block.PieceIndex == index {
			continue
		}
		kept = append(kept, req)
	}
	m.pending = kept
}

// BytesDownloaded returns the verified piece count times the piece length,
// used only for the tracker's "downloaded" announce parameter. It
// over-reports once the final (possibly short) piece is in, since that piece
// is counted at the full piece length; harmless for announce purposes.
func (m *Manager) BytesDownloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, ok := range m.have {
		if ok {
			count++
		}
	}
	return count * m.meta.PieceLength
}

// IsComplete reports whether every piece has been verified and committed.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCompleteLocked()
}

// isCompleteLocked is IsComplete's body, callable from methods that already
// hold m.mu (sync.Mutex is not reentrant, so IsComplete itself cannot be
// called from inside another locked method).
func (m *Manager) isCompleteLocked() bool {
	for _, ok := range m.have {
		if !ok {
			return false
		}
	}
	return true
}

// Close stops the progress ticker, finalizes the progress bar, and closes
// the output file.
func (m *Manager) Close() error {
	close(m.tickerStop)
	<-m.tickerDone
	m.bar.Close()
	return m.file.Close()
}
