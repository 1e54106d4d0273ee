// Package tunnel implements the local tunnel registry: per-port local
// TCP listeners that open streams into the P2P plane for each accepted
// connection, carrying either a direct or a multi-hop relay header. The
// active-port set lives on a typed Registry handle rather than a
// process global; re-registering a port is a no-op.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/portanet/porta/internal/applog"
	"github.com/portanet/porta/internal/metrics"
	"github.com/portanet/porta/internal/streamplane"
	"github.com/portanet/porta/internal/wireproto"
)

var log = applog.New("tunnel")

// Registry is the process-wide (within this node) set of local ports
// already bound to a tunnel mapping.
type Registry struct {
	host    host.Host
	metrics *metrics.Set

	mu    sync.Mutex
	bound map[int]struct{}
}

// New builds an empty Registry bound to h for opening outbound streams.
// m may be nil.
func New(h host.Host, m *metrics.Set) *Registry {
	return &Registry{host: h, metrics: m, bound: make(map[int]struct{})}
}

// EnsureStreamMapping binds 0.0.0.0:localPort (if not already bound) and,
// for each accepted TCP connection, opens a direct stream to
// providerPeer with header=serviceUUID and splices. Idempotent: a second
// call for an already-bound port is a no-op.
func (r *Registry) EnsureStreamMapping(localPort int, providerPeer peer.ID, serviceUUID string) error {
	return r.ensureMapping(localPort, func() streamplane.Header {
		return streamplane.Header{ServiceUUID: serviceUUID}
	}, providerPeer)
}

// EnsureSecureMapping is as EnsureStreamMapping, but the header carries
// the full relay chain (header=serviceUUID|relay:chain...). An empty
// relayChain degrades to the direct form. The caller is responsible
// for only invoking this with at least two relay peers; that is not
// re-checked here.
func (r *Registry) EnsureSecureMapping(localPort int, firstRelayPeer peer.ID, serviceUUID string, relayChain []string) error {
	return r.ensureMapping(localPort, func() streamplane.Header {
		if len(relayChain) == 0 {
			return streamplane.Header{ServiceUUID: serviceUUID}
		}
		return streamplane.Header{ServiceUUID: serviceUUID, RelayPeers: relayChain}
	}, firstRelayPeer)
}

func (r *Registry) ensureMapping(localPort int, headerFn func() streamplane.Header, firstHop peer.ID) error {
	r.mu.Lock()
	if _, already := r.bound[localPort]; already {
		r.mu.Unlock()
		return nil
	}
	r.bound[localPort] = struct{}{}
	r.mu.Unlock()

	listener, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(localPort)))
	if err != nil {
		r.mu.Lock()
		delete(r.bound, localPort)
		r.mu.Unlock()
		return fmt.Errorf("bind local tunnel port %d: %w", localPort, err)
	}

	if r.metrics != nil {
		r.metrics.ActiveTunnels.Inc()
	}
	go r.acceptLoop(listener, localPort, firstHop, headerFn)
	return nil
}

// acceptLoop terminates only this listener on a permanent accept
// failure; other mappings are unaffected.
func (r *Registry) acceptLoop(listener net.Listener, localPort int, firstHop peer.ID, headerFn func() streamplane.Header) {
	defer listener.Close()
	defer func() {
		if r.metrics != nil {
			r.metrics.ActiveTunnels.Dec()
		}
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Warnf("tunnel listener on port %d stopped: %v", localPort, err)
			return
		}
		if r.metrics != nil {
			r.metrics.TunnelConnsTotal.Inc()
		}
		go r.bridge(conn, firstHop, headerFn())
	}
}

func (r *Registry) bridge(conn net.Conn, firstHop peer.ID, hdr streamplane.Header) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stream, err := r.host.NewStream(ctx, firstHop, wireproto.StreamProtocolID)
	if err != nil {
		log.Warnf("tunnel: open stream to %s failed: %v", firstHop, err)
		return
	}
	defer stream.Close()

	if err := streamplane.WriteHeader(stream, hdr); err != nil {
		log.Warnf("tunnel: write header failed: %v", err)
		return
	}

	streamplane.Splice(conn, stream)
}
