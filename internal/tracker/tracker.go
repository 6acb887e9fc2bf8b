// Package tracker announces to a torrent's tracker(s) and parses the
// resulting peer list, supporting both the HTTP/bencode tracker protocol
// and the UDP tracker protocol (BEP 15), merging results from whichever
// trackers respond.
package tracker

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lvbealr/gorent/internal/bencode"
	"github.com/lvbealr/gorent/internal/metainfo"
	"github.com/lvbealr/gorent/internal/peerqueue"
	"github.com/lvbealr/gorent/internal/xerrors"
	"github.com/lvbealr/gorent/internal/xlog"
)

// HTTPTimeout is the request timeout for the HTTP tracker protocol.
const HTTPTimeout = 15 * time.Second

// PublicUDPTrackers supplements whatever the torrent's own announce URL
// provides, so single-tracker torrents still get a useful peer set. Callers
// pass this (or a subset, or none) to Announce explicitly rather than it
// being baked in, so tests can exercise the merge logic without reaching
// the network.
var PublicUDPTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
}

// Response is the normalized result of announcing to one or more trackers.
type Response struct {
	Peers    []peerqueue.Endpoint
	Interval int
}

// Announce contacts meta's own announce URL plus any extraTrackers, merges
// their peer lists, and returns the shortest interval reported. It never
// fails outright as long as at least one tracker responds with at least
// one peer. downloaded is the byte count reported so far, so refreshes
// mid-download announce honestly. Pass tracker.PublicUDPTrackers as
// extraTrackers in production; tests typically pass nil so only the
// torrent's own announce URL is used.
func Announce(meta *metainfo.TorrentMeta, peerID [20]byte, port uint16, downloaded int64, logger xlog.Logger, extraTrackers []string) (*Response, error) {
	if logger == nil {
		logger = xlog.Discard
	}

	trackers := make(map[string]struct{})
	if meta.Announce != "" {
		trackers[meta.Announce] = struct{}{}
	}
	for _, t := range extraTrackers {
		trackers[t] = struct{}{}
	}

	peerSet := make(map[peerqueue.Endpoint]struct{})
	var finalInterval int

	for t := range trackers {
		var resp *Response
		var err error
		switch {
		case strings.HasPrefix(t, "udp://"):
			resp, err = announceUDP(t, meta, peerID, port, downloaded)
		case strings.HasPrefix(t, "http://"), strings.HasPrefix(t, "https://"):
			resp, err = announceHTTP(t, meta, peerID, port, downloaded)
		default:
			continue
		}
		if err != nil {
			logger.Warnf("tracker %s failed: %v", t, err)
			continue
		}
		logger.Infof("tracker %s: %d peers, interval %ds", t, len(resp.Peers), resp.Interval)
		for _, p := range resp.Peers {
			peerSet[p] = struct{}{}
		}
		if finalInterval == 0 || (resp.Interval > 0 && resp.Interval < finalInterval) {
			finalInterval = resp.Interval
		}
	}

	if len(peerSet) == 0 {
		return nil, fmt.Errorf("%w: no peers received from any tracker", xerrors.ErrTrackerFailure)
	}

	peers := make([]peerqueue.Endpoint, 0, len(peerSet))
	for p := range peerSet {
		peers = append(peers, p)
	}
	return &Response{Peers: peers, Interval: finalInterval}, nil
}

// announceHTTP issues a single announce GET to an HTTP/HTTPS tracker.
func announceHTTP(announceURL string, meta *metainfo.TorrentMeta, peerID [20]byte, port uint16, downloaded int64) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing announce URL: %w", err)
	}

	left := meta.Length - downloaded
	if left < 0 {
		left = 0
	}

	params := url.Values{}
	params.Set("info_hash", string(meta.InfoHash[:]))
	params.Set("peer_id", string(peerID[:]))
	params.Set("port", strconv.Itoa(int(port)))
	params.Set("uploaded", "0")
	params.Set("downloaded", strconv.FormatInt(downloaded, 10))
	params.Set("left", strconv.FormatInt(left, 10))
	params.Set("compact", "1")
	u.RawQuery = params.Encode()

	client := &http.Client{Timeout: HTTPTimeout}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building tracker request: %w", err)
	}
	req.Header.Set("User-Agent", "gorent/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrTrackerFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Non-200 responses are treated as an empty peer set, not a hard
		// failure: the caller simply has nothing to merge from this tracker.
		return &Response{}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tracker response: %w", err)
	}

	val, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding tracker response: %v", xerrors.ErrTrackerFailure, err)
	}

	if failure, ok := val.Get("failure reason"); ok && failure.Kind == bencode.KindString {
		return nil, fmt.Errorf("%w: %s", xerrors.ErrTrackerFailure, failure.Str)
	}

	peers, err := decodePeers(val)
	if err != nil {
		return nil, err
	}

	interval := 0
	if iv, ok := val.Get("interval"); ok && iv.Kind == bencode.KindInt {
		interval = int(iv.Int)
	}

	return &Response{Peers: peers, Interval: interval}, nil
}

// decodePeers branches on the two shapes trackers use for "peers": a
// compact byte string, or a list of {ip, port} dicts.
func decodePeers(root *bencode.Value) ([]peerqueue.Endpoint, error) {
	peersVal, ok := root.Get("peers")
	if !ok {
		return nil, nil
	}

	switch peersVal.Kind {
	case bencode.KindString:
		return decodeCompactPeers([]byte(peersVal.Str))
	case bencode.KindList:
		peers := make([]peerqueue.Endpoint, 0, len(peersVal.List))
		for _, entry := range peersVal.List {
			if entry.Kind != bencode.KindDict {
				continue
			}
			ipVal, ok := entry.Get("ip")
			if !ok || ipVal.Kind != bencode.KindString {
				continue
			}
			portVal, ok := entry.Get("port")
			if !ok || portVal.Kind != bencode.KindInt {
				continue
			}
			peers = append(peers, peerqueue.Endpoint{IP: ipVal.Str, Port: uint16(portVal.Int)})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("%w: \"peers\" has unsupported shape", xerrors.ErrTrackerFailure)
	}
}

// decodeCompactPeers unpacks a compact peer byte string: 6 bytes per peer,
// 4 bytes of big-endian IPv4 then 2 bytes of big-endian port.
func decodeCompactPeers(raw []byte) ([]peerqueue.Endpoint, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of 6", xerrors.ErrTrackerFailure, len(raw))
	}
	peers := make([]peerqueue.Endpoint, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, peerqueue.Endpoint{IP: ip, Port: port})
	}
	return peers, nil
}

// udpProtocolID is the magic constant that opens a UDP tracker connection,
// per BEP 15.
const udpProtocolID = 0x41727101980

// announceUDP performs the connect/announce handshake against a single UDP
// tracker, trying the connect step up to three times with increasing
// deadlines.
func announceUDP(announceURL string, meta *metainfo.TorrentMeta, peerID [20]byte, port uint16, downloaded int64) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing UDP announce URL: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving UDP tracker address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrConnectRefused, err)
	}
	defer conn.Close()

	var transactionIDBuf [4]byte
	if _, err := crand.Read(transactionIDBuf[:]); err != nil {
		return nil, fmt.Errorf("generating transaction id: %w", err)
	}
	transactionID := binary.BigEndian.Uint32(transactionIDBuf[:])

	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], 0) // action: connect
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
		if _, err := conn.Write(connectReq); err != nil {
			lastErr = err
			continue
		}

		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil {
			lastErr = err
			continue
		}
		if n < 16 {
			lastErr = fmt.Errorf("short connect response: %d bytes", n)
			continue
		}
		if binary.BigEndian.Uint32(resp[0:4]) != 0 {
			return nil, fmt.Errorf("%w: unexpected connect action", xerrors.ErrTrackerFailure)
		}
		if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			return nil, fmt.Errorf("%w: transaction id mismatch on connect", xerrors.ErrTrackerFailure)
		}

		connectionID := binary.BigEndian.Uint64(resp[8:16])
		return sendUDPAnnounce(conn, connectionID, transactionID, meta, peerID, port, downloaded)
	}

	return nil, fmt.Errorf("%w: no connect response after 3 attempts: %v", xerrors.ErrConnectTimeout, lastErr)
}

func sendUDPAnnounce(conn *net.UDPConn, connectionID uint64, transactionID uint32, meta *metainfo.TorrentMeta, peerID [20]byte, port uint16, downloaded int64) (*Response, error) {
	const (
		actionAnnounce = 1
		eventStarted   = 2
	)

	left := meta.Length - downloaded
	if left < 0 {
		left = 0
	}

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connectionID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], transactionID)
	copy(req[16:36], meta.InfoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(left))
	binary.BigEndian.PutUint64(req[72:80], 0) // uploaded
	binary.BigEndian.PutUint32(req[80:84], eventStarted)
	binary.BigEndian.PutUint32(req[84:88], 0) // IP, 0 = default
	binary.BigEndian.PutUint32(req[88:92], transactionID) // key, reuse as a cheap random value
	binary.BigEndian.PutUint32(req[92:96], ^uint32(0))    // num_want, -1 = default
	binary.BigEndian.PutUint16(req[96:98], port)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("sending announce request: %w", err)
	}

	resp := make([]byte, 1024)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: reading announce response: %v", xerrors.ErrReadTimeout, err)
	}
	if n < 20 {
		return nil, fmt.Errorf("%w: announce response too short: %d bytes", xerrors.ErrTrackerFailure, n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == 3 {
		return nil, fmt.Errorf("%w: %s", xerrors.ErrTrackerFailure, string(resp[8:n]))
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("%w: unexpected announce action %d", xerrors.ErrTrackerFailure, action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return nil, fmt.Errorf("%w: transaction id mismatch on announce", xerrors.ErrTrackerFailure)
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	peers, err := decodeCompactPeers(resp[20:n])
	if err != nil {
		return nil, err
	}
	return &Response{Peers: peers, Interval: interval}, nil
}
