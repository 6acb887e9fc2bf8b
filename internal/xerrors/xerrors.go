// Package xerrors names the error taxonomy of the download engine so
// callers can branch on fatal vs. non-fatal conditions with errors.Is,
// instead of matching on error strings.
package xerrors

import "errors"

// Fatal errors abort the whole run.
var (
	// ErrMalformedMeta means the torrent file failed to bencode-decode or
	// was missing a required key.
	ErrMalformedMeta = errors.New("malformed torrent metadata")
	// ErrFileIO means a write to the output file failed.
	ErrFileIO = errors.New("file i/o error")
)

// Non-fatal errors: the caller (worker or supervisor) recovers and
// continues.
var (
	// ErrTrackerFailure means the tracker returned a non-200 status, timed
	// out, or sent a malformed body. The caller retries on the next
	// refresh interval.
	ErrTrackerFailure = errors.New("tracker request failed")
	// ErrConnectTimeout means a peer dial did not complete within the
	// connect deadline.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrConnectRefused means the peer actively refused the connection.
	ErrConnectRefused = errors.New("connect refused")
	// ErrHandshakeMismatch means the peer's handshake reply had the wrong
	// length or a mismatching info-hash.
	ErrHandshakeMismatch = errors.New("handshake mismatch")
	// ErrWireError means an unknown message id, an oversized frame, or a
	// bitfield of the wrong length.
	ErrWireError = errors.New("wire protocol error")
	// ErrReadTimeout means no bytes arrived on an active peer socket within
	// the read deadline.
	ErrReadTimeout = errors.New("read timeout")
	// ErrHashMismatch means a completed piece failed SHA-1 verification.
	// Recovered locally by the scheduler; never returned to a caller as a
	// failure, but callers may still want to log it via this value.
	ErrHashMismatch = errors.New("piece hash mismatch")
	// ErrProtocolViolation means a peer sent data for a piece that is not
	// presently Ongoing, or otherwise broke the wire contract in a way
	// that warrants dropping it.
	ErrProtocolViolation = errors.New("protocol violation")
)
