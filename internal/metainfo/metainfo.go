// Package metainfo parses single-file .torrent metadata and computes the
// info-hash that identifies the torrent to trackers and peers.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/lvbealr/gorent/internal/bencode"
	"github.com/lvbealr/gorent/internal/xerrors"
)

// HashSize is the length in bytes of a SHA-1 digest: a piece hash, the
// info-hash, and the peer id are all this size.
const HashSize = 20

// TorrentMeta is the immutable metadata of a single-file torrent, derived
// once from the decoded .torrent file.
type TorrentMeta struct {
	Announce    string
	Name        string
	Length      int64
	PieceLength int64
	PieceHashes [][HashSize]byte
	InfoHash    [HashSize]byte
}

// NumPieces returns K, the number of piece hashes. For a well-formed torrent
// this equals ceil(Length / PieceLength); Parse does not check that it does.
func (m *TorrentMeta) NumPieces() int {
	return len(m.PieceHashes)
}

// Parse decodes a bencoded .torrent file from r and validates the required
// keys, per the single-file torrent grammar: a top-level dictionary with
// "announce" and "info", where "info" has "name", "length", "piece length",
// and "pieces" (a multiple of 20 bytes).
func Parse(r io.Reader) (*TorrentMeta, error) {
	root, err := bencode.DecodeReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrMalformedMeta, err)
	}
	if root.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: top-level value is not a dictionary", xerrors.ErrMalformedMeta)
	}

	announceVal, ok := root.Get("announce")
	if !ok || announceVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing or ill-typed \"announce\"", xerrors.ErrMalformedMeta)
	}

	infoVal, ok := root.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing or ill-typed \"info\"", xerrors.ErrMalformedMeta)
	}

	nameVal, ok := infoVal.Get("name")
	if !ok || nameVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing or ill-typed \"info.name\"", xerrors.ErrMalformedMeta)
	}

	lengthVal, ok := infoVal.Get("length")
	if !ok || lengthVal.Kind != bencode.KindInt {
		return nil, fmt.Errorf("%w: missing or ill-typed \"info.length\"", xerrors.ErrMalformedMeta)
	}

	pieceLengthVal, ok := infoVal.Get("piece length")
	if !ok || pieceLengthVal.Kind != bencode.KindInt {
		return nil, fmt.Errorf("%w: missing or ill-typed \"info.piece length\"", xerrors.ErrMalformedMeta)
	}

	piecesVal, ok := infoVal.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing or ill-typed \"info.pieces\"", xerrors.ErrMalformedMeta)
	}
	piecesRaw := []byte(piecesVal.Str)
	if len(piecesRaw)%HashSize != 0 {
		return nil, fmt.Errorf("%w: \"info.pieces\" length %d is not a multiple of %d",
			xerrors.ErrMalformedMeta, len(piecesRaw), HashSize)
	}

	hashes := make([][HashSize]byte, len(piecesRaw)/HashSize)
	for i := range hashes {
		copy(hashes[i][:], piecesRaw[i*HashSize:(i+1)*HashSize])
	}

	infoHash := sha1.Sum(bencode.Encode(infoVal))

	return &TorrentMeta{
		Announce:    announceVal.Str,
		Name:        nameVal.Str,
		Length:      lengthVal.Int,
		PieceLength: pieceLengthVal.Int,
		PieceHashes: hashes,
		InfoHash:    infoHash,
	}, nil
}
