// Package transport provides timeout-bounded TCP connect/send/recv for peer
// connections. net.DialTimeout covers the connect-or-fail-within-a-deadline
// behavior; reads carry a fresh deadline per call so a stalled peer cannot
// hold a worker indefinitely.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/lvbealr/gorent/internal/xerrors"
)

// ConnectTimeout bounds how long Dial waits for a TCP handshake to a peer.
const ConnectTimeout = 3 * time.Second

// ReadTimeout bounds every individual read from a peer socket.
const ReadTimeout = 3 * time.Second

// MaxFrameLen guards receiveData(buf=0) against a peer announcing an
// oversized frame.
const MaxFrameLen = 65535

// Dial opens a TCP connection to addr, failing with ErrConnectTimeout or
// ErrConnectRefused if it cannot connect within ConnectTimeout.
func Dial(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, ConnectTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: dialing %s: %v", xerrors.ErrConnectTimeout, addr, err)
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: dialing %s: %v", xerrors.ErrConnectRefused, addr, err)
		}
		return nil, fmt.Errorf("%w: dialing %s: %v", xerrors.ErrConnectRefused, addr, err)
	}
	return conn, nil
}

// SendData writes all of data to conn; a short write is reported as an
// error rather than silently returned.
func SendData(conn net.Conn, data []byte) error {
	n, err := conn.Write(data)
	if err != nil {
		return fmt.Errorf("sending data: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("short write: sent %d of %d bytes", n, len(data))
	}
	return nil
}

// ReceiveData reads from conn under a ReadTimeout deadline. If bufferSize is
// 0, it first reads a 4-byte big-endian length prefix; a prefix of 0 is a
// keep-alive and returns an empty, non-nil slice; otherwise it reads exactly
// that many more bytes, rejecting frames over MaxFrameLen as ErrWireError.
// If bufferSize is positive, it reads exactly that many bytes (used for the
// fixed-size handshake exchange).
func ReceiveData(conn net.Conn, bufferSize int) ([]byte, error) {
	if bufferSize > 0 {
		return readExactly(conn, bufferSize)
	}

	lengthBuf, err := readExactly(conn, 4)
	if err != nil {
		return nil, err
	}
	length := int(lengthBuf[0])<<24 | int(lengthBuf[1])<<16 | int(lengthBuf[2])<<8 | int(lengthBuf[3])
	if length == 0 {
		return []byte{}, nil
	}
	if length > MaxFrameLen {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", xerrors.ErrWireError, length, MaxFrameLen)
	}
	return readExactly(conn, length)
}

func readExactly(conn net.Conn, n int) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrReadTimeout, err)
		}
		return nil, fmt.Errorf("reading from connection: %w", err)
	}
	return buf, nil
}
