package scheduler

// BlockStatus is the lifecycle state of a single block within a piece.
type BlockStatus int

const (
	// BlockMissing means the block has not yet been requested.
	BlockMissing BlockStatus = iota
	// BlockPending means the block has been dispatched to a peer and is
	// awaiting a reply (tracked by a PendingRequest).
	BlockPending
	// BlockRetrieved means the block's data has been received.
	BlockRetrieved
)

// BlockLen is the standard request unit: 2^14 bytes. Only the final block
// of the final piece may be shorter.
const BlockLen = 1 << 14

// Block is one request-sized unit of a Piece.
type Block struct {
	PieceIndex int
	Offset     int
	Length     int
	Status     BlockStatus
	Data       []byte
}

// PendingRequest tracks a block dispatched to a peer, so the scheduler can
// reissue it to a different peer if it isn't fulfilled within the expiry
// window.
type PendingRequest struct {
	Block    *Block
	PeerID   string
	IssuedAt int64 // unix nanoseconds; see scheduler.nowFunc
}
