package scheduler

import (
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lvbealr/gorent/internal/metainfo"
	"github.com/lvbealr/gorent/internal/xerrors"
	"github.com/lvbealr/gorent/internal/xlog"
)

// buildMeta constructs a TorrentMeta with pieceCount pieces of pieceLen
// bytes each (the last piece may be shorter), filling each piece with a
// distinct byte value and computing its real SHA-1 hash.
func buildMeta(t *testing.T, pieceCount, pieceLen int, lastPieceLen int) (*metainfo.TorrentMeta, [][]byte) {
	t.Helper()
	pieces := make([][]byte, pieceCount)
	hashes := make([][20]byte, pieceCount)
	total := int64(0)
	for i := 0; i < pieceCount; i++ {
		size := pieceLen
		if i == pieceCount-1 && lastPieceLen > 0 {
			size = lastPieceLen
		}
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i + 1)
		}
		pieces[i] = data
		hashes[i] = sha1.Sum(data)
		total += int64(size)
	}
	return &metainfo.TorrentMeta{
		Announce:    "http://tracker.example/announce",
		Name:        "test.bin",
		Length:      total,
		PieceLength: int64(pieceLen),
		PieceHashes: hashes,
	}, pieces
}

func newTestManager(t *testing.T, meta *metainfo.TorrentMeta) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(meta, filepath.Join(dir, "out.bin"), 5, xlog.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func fullBitfield(n int) []byte {
	bf := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		bf = setBit(bf, i)
	}
	return bf
}

func TestHasPieceBitConvention(t *testing.T) {
	bf := setBit(nil, 0)
	if !HasPiece(bf, 0) {
		t.Fatal("bit 0 should be set")
	}
	if HasPiece(bf, 1) {
		t.Fatal("bit 1 should not be set")
	}
	bf = setBit(bf, 9)
	if !HasPiece(bf, 9) || len(bf) != 2 {
		t.Fatalf("bit 9 not set correctly: %v", bf)
	}
}

func TestNextRequestRarestFirst(t *testing.T) {
	meta, _ := buildMeta(t, 3, BlockLen, 0)
	m := newTestManager(t, meta)

	// peerA has all three pieces; peerB only has piece 2.
	m.AddPeer("peerA", fullBitfield(3))
	bfB := setBit(nil, 2)
	m.AddPeer("peerB", bfB)

	// With peerB registered, piece 2's availability is 2 (both peers), and
	// pieces 0/1 have availability 1 (only peerA). Rarest-first should pick
	// piece 0 or 1 before piece 2 when peerA requests.
	b, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected a request")
	}
	if b.PieceIndex == 2 {
		t.Fatalf("expected rarest-first to avoid piece 2 (availability 2), got %d", b.PieceIndex)
	}
}

func TestRarestFirstOrderAcrossThreePeers(t *testing.T) {
	meta, _ := buildMeta(t, 3, BlockLen, 0)
	m := newTestManager(t, meta)

	m.AddPeer("peer1", setBit(setBit(nil, 0), 1)) // pieces 0,1
	m.AddPeer("peer2", setBit(nil, 0))            // piece 0
	m.AddPeer("peer3", fullBitfield(3))           // all three

	// Availability is 3/2/1 for pieces 0/1/2, so the scarcest piece each
	// peer can serve is picked first.
	b, ok := m.NextRequest("peer3")
	if !ok || b.PieceIndex != 2 {
		t.Fatalf("peer3 should start piece 2 (availability 1), got %+v, ok=%v", b, ok)
	}
	b, ok = m.NextRequest("peer1")
	if !ok || b.PieceIndex != 1 {
		t.Fatalf("peer1 should start piece 1 (availability 2), got %+v, ok=%v", b, ok)
	}
	b, ok = m.NextRequest("peer2")
	if !ok || b.PieceIndex != 0 {
		t.Fatalf("peer2 should start piece 0, got %+v, ok=%v", b, ok)
	}
}

func TestNextRequestContinuesOngoingBeforeNewPiece(t *testing.T) {
	// Two pieces, each with two blocks (pieceLen = 2*BlockLen).
	meta, _ := buildMeta(t, 2, 2*BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", fullBitfield(2))

	first, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected first request")
	}
	second, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected second request")
	}
	if second.PieceIndex != first.PieceIndex {
		t.Fatalf("expected second request to continue piece %d, got piece %d", first.PieceIndex, second.PieceIndex)
	}
}

func TestNextRequestNoneWhenPeerLacksRemainingPieces(t *testing.T) {
	meta, _ := buildMeta(t, 1, BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", make([]byte, 1)) // empty bitfield, has nothing

	if _, ok := m.NextRequest("peerA"); ok {
		t.Fatal("expected no request for a peer with an empty bitfield")
	}
}

func TestNextRequestUnknownPeer(t *testing.T) {
	meta, _ := buildMeta(t, 1, BlockLen, 0)
	m := newTestManager(t, meta)
	if _, ok := m.NextRequest("ghost"); ok {
		t.Fatal("expected no request for an unregistered peer")
	}
}

func TestExpiredRequestReissue(t *testing.T) {
	meta, _ := buildMeta(t, 1, BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", fullBitfield(1))
	m.AddPeer("peerB", fullBitfield(1))

	fixed := time.Unix(1000, 0)
	restore := nowFunc
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = restore }()

	b1, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected initial request")
	}

	// Not yet expired: peerB should get a brand new request... but there is
	// only one block in this single-piece, single-block torrent, so peerB
	// should see nothing to do.
	if _, ok := m.NextRequest("peerB"); ok {
		t.Fatal("expected no request before expiry, only block already pending")
	}

	// Advance the clock past RequestExpiry; peerB should now be handed the
	// same block to reissue.
	nowFunc = func() time.Time { return fixed.Add(RequestExpiry + time.Second) }
	b2, ok := m.NextRequest("peerB")
	if !ok {
		t.Fatal("expected reissue after expiry")
	}
	if b2.PieceIndex != b1.PieceIndex || b2.Offset != b1.Offset {
		t.Fatalf("expected reissue of the same block, got piece %d offset %d", b2.PieceIndex, b2.Offset)
	}
}

func TestBlockReceivedCommitsOnFullPieceMatch(t *testing.T) {
	meta, pieces := buildMeta(t, 1, BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", fullBitfield(1))

	b, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected a request")
	}
	if err := m.BlockReceived(b.PieceIndex, b.Offset, pieces[0]); err != nil {
		t.Fatalf("BlockReceived: %v", err)
	}
	if !m.IsComplete() {
		t.Fatal("expected torrent to be complete")
	}
	if got := m.BytesDownloaded(); got != int64(len(pieces[0])) {
		t.Fatalf("BytesDownloaded = %d, want %d", got, len(pieces[0]))
	}
}

func TestBlockReceivedResetsOnHashMismatch(t *testing.T) {
	meta, _ := buildMeta(t, 1, BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", fullBitfield(1))

	b, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected a request")
	}
	garbage := make([]byte, b.Length)
	if err := m.BlockReceived(b.PieceIndex, b.Offset, garbage); err != nil {
		t.Fatalf("BlockReceived: %v", err)
	}
	if m.IsComplete() {
		t.Fatal("corrupt piece should not be marked complete")
	}

	// The piece should be retryable: a fresh NextRequest should hand out the
	// same block again since it was reset to Missing.
	again, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected the reset piece to be requestable again")
	}
	if again.PieceIndex != b.PieceIndex || again.Offset != b.Offset {
		t.Fatalf("expected the same block after reset, got piece %d offset %d", again.PieceIndex, again.Offset)
	}
}

func TestBlockReceivedDuplicateIsHarmless(t *testing.T) {
	// Two blocks in one piece, so the duplicate arrives while the piece is
	// still ongoing (the late-reissue scenario: both peers answered).
	meta, pieces := buildMeta(t, 1, 2*BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", fullBitfield(1))

	b0, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected first block")
	}
	if err := m.BlockReceived(b0.PieceIndex, b0.Offset, pieces[0][:BlockLen]); err != nil {
		t.Fatalf("first BlockReceived: %v", err)
	}
	if err := m.BlockReceived(b0.PieceIndex, b0.Offset, pieces[0][:BlockLen]); err != nil {
		t.Fatalf("duplicate BlockReceived: %v", err)
	}

	b1, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected second block")
	}
	if err := m.BlockReceived(b1.PieceIndex, b1.Offset, pieces[0][BlockLen:]); err != nil {
		t.Fatalf("second BlockReceived: %v", err)
	}
	if !m.IsComplete() {
		t.Fatal("expected complete after both blocks, duplicate included")
	}
}

func TestBlockReceivedAfterCommitIsProtocolViolation(t *testing.T) {
	meta, pieces := buildMeta(t, 1, BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", fullBitfield(1))

	b, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected a request")
	}
	if err := m.BlockReceived(b.PieceIndex, b.Offset, pieces[0]); err != nil {
		t.Fatalf("BlockReceived: %v", err)
	}

	// A straggler reply for the already-committed piece drops the sender.
	err := m.BlockReceived(b.PieceIndex, b.Offset, pieces[0])
	if !errors.Is(err, xerrors.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for a committed piece, got %v", err)
	}
	if !m.IsComplete() {
		t.Fatal("late block must not disturb completion")
	}
}

func TestAddPeerRejectsBitfieldLengthMismatch(t *testing.T) {
	meta, _ := buildMeta(t, 3, BlockLen, 0)
	m := newTestManager(t, meta)

	err := m.AddPeer("peerA", make([]byte, 2)) // 3 pieces need exactly 1 byte
	if !errors.Is(err, xerrors.ErrWireError) {
		t.Fatalf("expected ErrWireError for a 2-byte bitfield, got %v", err)
	}
	if _, ok := m.bitfields["peerA"]; ok {
		t.Fatal("rejected peer must not be registered")
	}
}

func TestRemovePeerReturnsItsPendingBlocksToMissing(t *testing.T) {
	meta, _ := buildMeta(t, 1, BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", fullBitfield(1))
	m.AddPeer("peerB", fullBitfield(1))

	if _, ok := m.NextRequest("peerA"); !ok {
		t.Fatal("expected a request for peerA")
	}
	m.RemovePeer("peerA")

	b, ok := m.NextRequest("peerB")
	if !ok {
		t.Fatal("expected peerB to immediately pick up peerA's abandoned block")
	}
	if b.PieceIndex != 0 || b.Offset != 0 {
		t.Fatalf("unexpected block reissued: %+v", b)
	}
}

func TestRemovePeerNoOpOnceComplete(t *testing.T) {
	meta, pieces := buildMeta(t, 1, BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", fullBitfield(1))

	b, ok := m.NextRequest("peerA")
	if !ok {
		t.Fatal("expected a request")
	}
	if err := m.BlockReceived(b.PieceIndex, b.Offset, pieces[0]); err != nil {
		t.Fatalf("BlockReceived: %v", err)
	}
	if !m.IsComplete() {
		t.Fatal("expected torrent to be complete")
	}

	m.AddPeer("peerB", fullBitfield(1))
	wantAvailability := m.availability[0]

	m.RemovePeer("peerB")

	if _, ok := m.bitfields["peerB"]; !ok {
		t.Fatal("RemovePeer should be a no-op once the download is complete, but it deleted the bitfield")
	}
	if m.availability[0] != wantAvailability {
		t.Fatalf("availability[0] = %d, want unchanged %d", m.availability[0], wantAvailability)
	}
}

func TestUpdatePeerAdjustsAvailability(t *testing.T) {
	meta, _ := buildMeta(t, 2, BlockLen, 0)
	m := newTestManager(t, meta)
	m.AddPeer("peerA", make([]byte, 1))

	if HasPiece(m.bitfields["peerA"], 0) {
		t.Fatal("peerA should start with nothing")
	}
	m.UpdatePeer("peerA", 0)
	if !HasPiece(m.bitfields["peerA"], 0) {
		t.Fatal("UpdatePeer should set the bit for the announced piece")
	}
	if m.availability[0] != 1 {
		t.Fatalf("availability[0] = %d, want 1", m.availability[0])
	}
}

func TestOutputFileHasCorrectLength(t *testing.T) {
	meta, _ := buildMeta(t, 2, BlockLen, BlockLen/2)
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	m, err := New(meta, path, 5, xlog.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != meta.Length {
		t.Fatalf("output file size = %d, want %d", info.Size(), meta.Length)
	}
}
