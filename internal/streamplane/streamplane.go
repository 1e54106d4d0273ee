// Package streamplane implements the stream plane: the self-describing,
// length-prefixed stream header protocol used to carry arbitrary TCP
// payload across direct or multi-hop relayed paths on /porta/stream/1.
// Each inbound stream is read-header, validate, dispatch: a bare
// service uuid forwards to the local service, a relay header opens the
// next hop and splices.
package streamplane

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/portanet/porta/internal/applog"
	"github.com/portanet/porta/internal/authz"
	"github.com/portanet/porta/internal/metrics"
	"github.com/portanet/porta/internal/registry"
	"github.com/portanet/porta/internal/wireproto"
)

var log = applog.New("streamplane")

const (
	minHeaderLen = 1
	maxHeaderLen = 512
	relayMarker  = "|relay:"
)

var ErrBadHeader = errors.New("bad_header")

// Header is a parsed stream-header directive.
type Header struct {
	ServiceUUID string
	RelayPeers  []string // empty for a terminal (bare-uuid) header
}

// IsRelay reports whether this header names further relay hops.
func (h Header) IsRelay() bool { return len(h.RelayPeers) > 0 }

// Next returns the header to open on the next hop's outbound stream:
// dropping the first relay peer and, if none remain, degrading to a
// naked terminal header.
func (h Header) Next() Header {
	if len(h.RelayPeers) <= 1 {
		return Header{ServiceUUID: h.ServiceUUID}
	}
	return Header{ServiceUUID: h.ServiceUUID, RelayPeers: append([]string{}, h.RelayPeers[1:]...)}
}

// String renders a header back to its wire form.
func (h Header) String() string {
	if !h.IsRelay() {
		return h.ServiceUUID
	}
	return h.ServiceUUID + relayMarker + strings.Join(h.RelayPeers, ",")
}

// ParseHeader decodes a raw header payload into its structured form.
func ParseHeader(raw string) (Header, error) {
	if len(raw) < minHeaderLen || len(raw) > maxHeaderLen {
		return Header{}, ErrBadHeader
	}
	idx := strings.Index(raw, relayMarker)
	if idx < 0 {
		if raw == "" {
			return Header{}, ErrBadHeader
		}
		return Header{ServiceUUID: raw}, nil
	}
	uuid := raw[:idx]
	rest := raw[idx+len(relayMarker):]
	if uuid == "" || rest == "" {
		return Header{}, ErrBadHeader
	}
	peers := strings.Split(rest, ",")
	for _, p := range peers {
		if p == "" {
			return Header{}, ErrBadHeader
		}
	}
	return Header{ServiceUUID: uuid, RelayPeers: peers}, nil
}

// ReadHeader reads the 2-byte big-endian length prefix and the UTF-8
// header payload that follows it, enforcing the 1..512 length bound.
func ReadHeader(r io.Reader) (Header, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Header{}, fmt.Errorf("read header length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n < minHeaderLen || n > maxHeaderLen {
		return Header{}, ErrBadHeader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("read header payload: %w", err)
	}
	return ParseHeader(string(buf))
}

// WriteHeader writes hdr with its 2-byte big-endian length prefix.
func WriteHeader(w io.Writer, hdr Header) error {
	payload := hdr.String()
	if len(payload) < minHeaderLen || len(payload) > maxHeaderLen {
		return ErrBadHeader
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, payload)
	return err
}

// Plane wires the stream protocol handler onto a host and answers both
// terminal (tail-forwarding) and relay hops.
type Plane struct {
	host    host.Host
	store   registry.Store
	metrics *metrics.Set
}

// New builds a Plane and installs its stream handler on h. m may be nil.
func New(h host.Host, store registry.Store, m *metrics.Set) *Plane {
	p := &Plane{host: h, store: store, metrics: m}
	h.SetStreamHandler(wireproto.StreamProtocolID, p.handleInbound)
	return p
}

func (p *Plane) handleInbound(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer().String()

	if err := p.checkAcceptance(from); err != nil {
		log.Debugf("stream from %s rejected: %v", from, err)
		return
	}

	hdr, err := ReadHeader(s)
	if err != nil {
		log.Debugf("stream from %s: %v", from, err)
		return
	}

	if hdr.IsRelay() {
		p.relay(s, hdr)
		return
	}
	p.forwardToLocalService(s, hdr.ServiceUUID)
}

// checkAcceptance applies the same ban/role gate as requests: banned
// peers are rejected, and the sender must be an edge peer.
func (p *Plane) checkAcceptance(senderID string) error {
	ctx := context.Background()
	role, err := authz.CheckNonHelloAdmission(ctx, p.store, senderID)
	if err != nil {
		return err
	}
	return authz.RequireRole(role, registry.RoleEdge)
}

func (p *Plane) relay(inbound network.Stream, hdr Header) {
	nextPeerID, err := peer.Decode(hdr.RelayPeers[0])
	if err != nil {
		log.Debugf("relay: bad next-hop peer id %q: %v", hdr.RelayPeers[0], err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outbound, err := p.host.NewStream(ctx, nextPeerID, wireproto.StreamProtocolID)
	if err != nil {
		log.Debugf("relay: open next-hop stream to %s failed: %v", nextPeerID, err)
		return
	}
	defer outbound.Close()

	if err := WriteHeader(outbound, hdr.Next()); err != nil {
		log.Debugf("relay: write next-hop header failed: %v", err)
		return
	}

	p.splice(inbound, outbound)
}

func (p *Plane) forwardToLocalService(inbound network.Stream, serviceUUID string) {
	entry, ok, err := p.store.PublishedServiceByID(context.Background(), serviceUUID)
	if err != nil || !ok {
		entry2, ok2, err2 := p.store.ResolveServiceRegistry(context.Background(), serviceUUID)
		if err2 != nil || !ok2 {
			log.Debugf("tail forward: service %s not found", serviceUUID)
			return
		}
		entry = entry2.ServiceAnnouncement
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(entry.Port)), 10*time.Second)
	if err != nil {
		log.Debugf("tail forward: dial local service %d failed: %v", entry.Port, err)
		return
	}
	defer conn.Close()

	p.splice(inbound, conn)
}

func (p *Plane) splice(a, b io.ReadWriteCloser) {
	if p.metrics == nil {
		Splice(a, b)
		return
	}
	spliceCounting(a, b, p.metrics.RelayBytesTotal)
}

// Splice copies bytes bidirectionally between a and b until both sides
// have finished; transport errors are logged, never panicked on.
// Exported for reuse by the local tunnel registry, which performs the
// same splice on the initiating side.
func Splice(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	spliceCounting(a, b, nil)
}

func spliceCounting(a, b io.ReadWriteCloser, counter *prometheus.CounterVec) {
	done := make(chan struct{}, 2)

	copyOne := func(dst io.Writer, src io.Reader, direction string) {
		n, err := io.Copy(dst, bufio.NewReader(src))
		if counter != nil && n > 0 {
			counter.WithLabelValues(direction).Add(float64(n))
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.Debugf("splice %s: %v (copied %d bytes)", direction, err, n)
		}
		done <- struct{}{}
	}

	go copyOne(b, a, "a_to_b")
	go copyOne(a, b, "b_to_a")
	<-done
	<-done
}
