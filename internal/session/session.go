// Package session runs one worker's peer-session state machine: pop a peer
// endpoint from the shared queue, connect, handshake, exchange bitfield and
// interest, then pipeline single-outstanding block requests against the
// scheduler until the peer is exhausted, dropped, or the torrent completes.
package session

import (
	"errors"
	"fmt"
	"net"

	"github.com/lvbealr/gorent/internal/metainfo"
	"github.com/lvbealr/gorent/internal/peerqueue"
	"github.com/lvbealr/gorent/internal/scheduler"
	"github.com/lvbealr/gorent/internal/transport"
	"github.com/lvbealr/gorent/internal/wire"
	"github.com/lvbealr/gorent/internal/xerrors"
	"github.com/lvbealr/gorent/internal/xlog"
)

// Worker runs the peer-session loop for one slot: it repeatedly pops an
// endpoint from queue and drives it to completion or failure, until it pops
// a sentinel, stop is closed, or the torrent is complete.
type Worker struct {
	Meta    *metainfo.TorrentMeta
	PeerID  [20]byte
	Manager *scheduler.Manager
	Logger  xlog.Logger
}

// Run is the IDLE state: pop, dispatch, repeat. Session-scoped errors
// (unreachable peers, handshake mismatches, wire violations, timeouts) are
// logged and the worker moves on to the next endpoint; a file write failure
// is fatal and returned so the supervisor can abort the whole run.
func (w *Worker) Run(queue *peerqueue.Queue, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		ep := queue.Pop()
		if ep.IsSentinel() {
			return nil
		}
		if w.Manager.IsComplete() {
			return nil
		}
		if err := w.handle(ep, stop); err != nil {
			if errors.Is(err, xerrors.ErrFileIO) {
				w.Logger.Errorf("peer %s:%d: %v", ep.IP, ep.Port, err)
				return err
			}
			w.Logger.Warnf("peer %s:%d: %v", ep.IP, ep.Port, err)
		}
	}
}

// handle drives a single peer endpoint through CONNECTING, HANDSHAKING,
// BITFIELD, INTERESTED, and the CHOKED/UNCHOKED request loop, to
// TERMINATED.
func (w *Worker) handle(ep peerqueue.Endpoint, stop <-chan struct{}) error {
	addr := fmt.Sprintf("%s:%d", ep.IP, ep.Port)

	conn, err := transport.Dial(addr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	remotePeerID, err := w.handshake(conn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer w.Manager.RemovePeer(remotePeerID)

	bitfield, err := w.receiveBitfield(conn)
	if err != nil {
		return fmt.Errorf("bitfield: %w", err)
	}
	if err := w.Manager.AddPeer(remotePeerID, bitfield); err != nil {
		return fmt.Errorf("bitfield: %w", err)
	}

	if err := w.sendInterested(conn); err != nil {
		return fmt.Errorf("interested: %w", err)
	}

	return w.downloadLoop(conn, remotePeerID, stop)
}

// handshake sends our 68-byte handshake and validates the peer's reply: a
// mismatching info-hash drops the peer before any state is registered.
func (w *Worker) handshake(conn net.Conn) (string, error) {
	hs := wire.Handshake{InfoHash: w.Meta.InfoHash, PeerID: w.PeerID}
	if err := transport.SendData(conn, hs.Encode()); err != nil {
		return "", err
	}

	buf, err := transport.ReceiveData(conn, wire.HandshakeLen)
	if err != nil {
		return "", err
	}
	remote, err := wire.DecodeHandshake(buf)
	if err != nil {
		return "", err
	}
	if remote.InfoHash != w.Meta.InfoHash {
		return "", xerrors.ErrHandshakeMismatch
	}
	return string(remote.PeerID[:]), nil
}

// receiveBitfield implements the BITFIELD state: the first message after a
// handshake must be id 5; anything else drops the peer.
func (w *Worker) receiveBitfield(conn net.Conn) ([]byte, error) {
	msg, ok, err := readMessage(conn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: expected bitfield, got keep-alive", xerrors.ErrProtocolViolation)
	}
	if msg.ID != wire.MsgBitfield {
		return nil, fmt.Errorf("%w: expected bitfield (id 5), got id %d", xerrors.ErrProtocolViolation, msg.ID)
	}
	return msg.Payload, nil
}

// sendInterested implements the INTERESTED state.
func (w *Worker) sendInterested(conn net.Conn) error {
	msg := wire.Message{ID: wire.MsgInterested}
	return transport.SendData(conn, msg.Encode())
}

// downloadLoop implements the CHOKED/UNCHOKED request-pipeline loop, with at
// most one outstanding request at a time.
func (w *Worker) downloadLoop(conn net.Conn, peerID string, stop <-chan struct{}) error {
	choked := true
	requestPending := false

	for {
		if stop != nil {
			select {
			case <-stop:
				return nil
			default:
			}
		}
		if w.Manager.IsComplete() {
			return nil
		}

		msg, ok, err := readMessage(conn)
		if err != nil {
			return err
		}
		if !ok {
			continue // keep-alive
		}

		switch msg.ID {
		case wire.MsgChoke:
			choked = true
		case wire.MsgUnchoke:
			choked = false
		case wire.MsgHave:
			index, err := wire.DecodeHave(msg)
			if err != nil {
				return err
			}
			w.Manager.UpdatePeer(peerID, int(index))
		case wire.MsgPiece:
			index, begin, data, err := wire.DecodePiece(msg)
			if err != nil {
				return err
			}
			requestPending = false
			if err := w.Manager.BlockReceived(int(index), int(begin), data); err != nil {
				return err
			}
		default:
			if msg.ID > wire.MaxMessageID {
				return xerrors.ErrProtocolViolation
			}
			// other valid ids are accepted but ignored for download purposes.
		}

		if !choked && !requestPending {
			block, ok := w.Manager.NextRequest(peerID)
			if ok {
				req := wire.EncodeRequest(uint32(block.PieceIndex), uint32(block.Offset), uint32(block.Length))
				if err := transport.SendData(conn, req.Encode()); err != nil {
					return err
				}
				requestPending = true
			}
		}
	}
}

// readMessage reads one frame via the transport layer (which owns the
// read-deadline and oversized-frame checks) and interprets it as a peer
// message. ok is false for a keep-alive frame.
func readMessage(conn net.Conn) (wire.Message, bool, error) {
	body, err := transport.ReceiveData(conn, 0)
	if err != nil {
		return wire.Message{}, false, err
	}
	if len(body) == 0 {
		return wire.Message{}, false, nil
	}
	msg, err := wire.DecodeMessageBody(body)
	if err != nil {
		return wire.Message{}, false, err
	}
	return msg, true, nil
}
