package scheduler

import (
	"bytes"
	"crypto/sha1"
)

// Piece is a fixed-size segment of the file, tiled into BlockLen-sized
// blocks, with a known SHA-1 hash from the torrent meta.
type Piece struct {
	Index  int
	Hash   [20]byte
	Blocks []*Block
}

// newPiece builds a Piece for index, tiling [0, size) into BlockLen blocks
// (the final block may be shorter).
func newPiece(index int, size int, hash [20]byte) *Piece {
	blockCount := (size + BlockLen - 1) / BlockLen
	if blockCount == 0 {
		blockCount = 1
	}
	blocks := make([]*Block, blockCount)
	for i := 0; i < blockCount; i++ {
		offset := i * BlockLen
		length := BlockLen
		if remaining := size - offset; remaining < BlockLen {
			length = remaining
		}
		blocks[i] = &Block{PieceIndex: index, Offset: offset, Length: length, Status: BlockMissing}
	}
	return &Piece{Index: index, Hash: hash, Blocks: blocks}
}

// NextRequest returns the first Missing block, marking it Pending, or nil if
// every block has already been requested.
func (p *Piece) NextRequest() *Block {
	for _, b := range p.Blocks {
		if b.Status == BlockMissing {
			b.Status = BlockPending
			return b
		}
	}
	return nil
}

// BlockReceived stores data for the block at offset and marks it Retrieved.
// A block already Retrieved is silently overwritten, so a duplicate delivery
// from a second peer after a reissue is harmless.
func (p *Piece) BlockReceived(offset int, data []byte) bool {
	for _, b := range p.Blocks {
		if b.Offset == offset {
			b.Status = BlockRetrieved
			b.Data = data
			return true
		}
	}
	return false
}

// Complete reports whether every block has been retrieved.
func (p *Piece) Complete() bool {
	for _, b := range p.Blocks {
		if b.Status != BlockRetrieved {
			return false
		}
	}
	return true
}

// Data concatenates all block data in offset order. Callers must ensure
// Complete() first.
func (p *Piece) Data() []byte {
	var buf bytes.Buffer
	for _, b := range p.Blocks {
		buf.Write(b.Data)
	}
	return buf.Bytes()
}

// HashOK reports whether the SHA-1 of the concatenated block data matches
// the piece's expected hash. Only meaningful once Complete() is true.
func (p *Piece) HashOK() bool {
	sum := sha1.Sum(p.Data())
	return sum == p.Hash
}

// Reset puts every block back to Missing, used after a hash mismatch. The
// piece itself stays in the Ongoing set: it is eligible for re-selection
// without going back through rarest-first accounting.
func (p *Piece) Reset() {
	for _, b := range p.Blocks {
		b.Status = BlockMissing
		b.Data = nil
	}
}
