// Package swarm implements the swarm loop: a single goroutine that
// exclusively owns the node's mutable swarm state (the pending-request
// map, the pending-dial map, and the connected-peer set). Every other
// goroutine talks to it only through Dial/Request, which send a command
// down a bounded channel and await a one-shot reply.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/sec"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/portanet/porta/internal/applog"
	"github.com/portanet/porta/internal/wireproto"
)

var log = applog.New("swarm")

const (
	dialTimeout    = 30 * time.Second
	requestTimeout = 30 * time.Second

	commandChannelCapacity = 32
)

// DialResult is delivered to a Dial caller once the target peer is ready
// for requests (Identify complete) or dialing has definitively failed.
type DialResult struct {
	PeerID peer.ID
	Err    error
}

// RequestResult is delivered to a Request caller.
type RequestResult struct {
	Response wireproto.Response
	Err      error
}

// RequestHandler answers an inbound request on behalf of the node. It
// runs on an independent per-stream goroutine, never on the loop's own
// goroutine: the loop's privately owned state (pending maps, connected
// set) is never touched by it, only the Store, which is already safe
// for concurrent access.
type RequestHandler func(ctx context.Context, from peer.ID, req wireproto.Request) wireproto.Response

// Swarm owns a libp2p host and runs the single-threaded command loop.
type Swarm struct {
	host  host.Host
	clock clock.Clock

	cmdCh  chan command
	evCh   chan any
	doneCh chan struct{}
	once   sync.Once

	nextCorrelationID uint64
	pendingRequests   map[uint64]chan<- RequestResult
	pendingDials      map[peer.ID][]chan<- DialResult

	connMu    sync.RWMutex
	connected map[peer.ID]struct{}

	idSub   event.Subscription
	connSub event.Subscription

	metrics *Metrics
}

// Metrics are the prometheus collectors the loop updates; nil-safe.
type Metrics struct {
	PendingRequests prometheus.Gauge
	PendingDials    prometheus.Gauge
	ConnectedPeers  prometheus.Gauge
}

// Option customizes a Swarm before its loop starts.
type Option func(*Swarm)

// WithClock substitutes the clock the loop arms its dial/request
// timeouts on. Tests pass a mock so the 30s bounds can be exercised
// without sleeping.
func WithClock(c clock.Clock) Option {
	return func(s *Swarm) { s.clock = c }
}

type command interface{ isCommand() }

type dialCommand struct {
	addr      multiaddr.Multiaddr
	respondTo chan<- DialResult
}

func (dialCommand) isCommand() {}

type requestCommand struct {
	peer      peer.ID
	request   wireproto.Request
	respondTo chan<- RequestResult
}

func (requestCommand) isCommand() {}

type requestCompletedEvent struct {
	id     uint64
	result RequestResult
}

type identifyCompletedEvent struct{ peer peer.ID }
type connClosedEvent struct{ peer peer.ID }
type dialFailedEvent struct {
	peer peer.ID
	err  error
}

// New constructs a Swarm around an already-built libp2p host (see
// internal/p2ptransport for how the host's transport, security, and
// muxer stack is assembled) and starts its command loop. handler answers
// inbound requests; it must not be nil.
func New(h host.Host, handler RequestHandler, m *Metrics, opts ...Option) (*Swarm, error) {
	idSub, err := h.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return nil, fmt.Errorf("subscribe identify events: %w", err)
	}
	connSub, err := h.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		idSub.Close()
		return nil, fmt.Errorf("subscribe connectedness events: %w", err)
	}

	s := &Swarm{
		host:            h,
		clock:           clock.New(),
		cmdCh:           make(chan command, commandChannelCapacity),
		evCh:            make(chan any, commandChannelCapacity),
		doneCh:          make(chan struct{}),
		pendingRequests: make(map[uint64]chan<- RequestResult),
		pendingDials:    make(map[peer.ID][]chan<- DialResult),
		connected:       make(map[peer.ID]struct{}),
		idSub:           idSub,
		connSub:         connSub,
		metrics:         m,
	}
	for _, opt := range opts {
		opt(s)
	}

	h.SetStreamHandler(wireproto.ReqProtocolID, s.acceptRequestStream(handler))

	go s.forwardIdentifyEvents()
	go s.forwardConnEvents()
	go s.run()

	return s, nil
}

// Close stops the loop and releases its event-bus subscriptions. Safe to
// call more than once; closing doneCh (the command channel itself is
// never closed) is what releases any in-flight Dial/Request caller, which
// then returns ErrConnectionClosed.
func (s *Swarm) Close() error {
	s.once.Do(func() {
		close(s.doneCh)
		s.idSub.Close()
		s.connSub.Close()
	})
	return nil
}

// Connected reports the loop's live connected-peer set, exposed through
// a reader-writer lock since the loop is the set's sole writer.
func (s *Swarm) Connected() []peer.ID {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	out := make([]peer.ID, 0, len(s.connected))
	for p := range s.connected {
		out = append(out, p)
	}
	return out
}

// PendingRequestCount exposes the pending-request map's size for tests
// verifying the map drains after every request.
func (s *Swarm) PendingRequestCount() int {
	done := make(chan int, 1)
	select {
	case s.evCh <- countPendingEvent{reply: done}:
	case <-s.doneCh:
		return 0
	}
	select {
	case n := <-done:
		return n
	case <-s.doneCh:
		return 0
	}
}

type countPendingEvent struct{ reply chan<- int }

// Dial asks the loop to connect to addr and waits until the peer is
// request-ready (Identify complete), enforcing a caller-side 30s
// wall-clock timeout that supersedes whatever the underlying swarm does.
func (s *Swarm) Dial(ctx context.Context, addr multiaddr.Multiaddr) (peer.ID, error) {
	reply := make(chan DialResult, 1)
	select {
	case s.cmdCh <- dialCommand{addr: addr, respondTo: reply}:
	case <-s.doneCh:
		return "", ErrConnectionClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	timer := s.clock.Timer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.PeerID, res.Err
	case <-timer.C:
		return "", ErrDialTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.doneCh:
		return "", ErrConnectionClosed
	}
}

// Request asks the loop to send req to p and waits for the correlated
// response, or a typed error once the 30s protocol-level timeout elapses.
func (s *Swarm) Request(ctx context.Context, p peer.ID, req wireproto.Request) (wireproto.Response, error) {
	reply := make(chan RequestResult, 1)
	select {
	case s.cmdCh <- requestCommand{peer: p, request: req, respondTo: reply}:
	case <-s.doneCh:
		return wireproto.Response{}, ErrConnectionClosed
	case <-ctx.Done():
		return wireproto.Response{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.Response, res.Err
	case <-ctx.Done():
		return wireproto.Response{}, ctx.Err()
	case <-s.doneCh:
		return wireproto.Response{}, ErrConnectionClosed
	}
}

func (s *Swarm) forwardIdentifyEvents() {
	for {
		select {
		case raw, ok := <-s.idSub.Out():
			if !ok {
				return
			}
			evt := raw.(event.EvtPeerIdentificationCompleted)
			select {
			case s.evCh <- identifyCompletedEvent{peer: evt.Peer}:
			case <-s.doneCh:
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

func (s *Swarm) forwardConnEvents() {
	for {
		select {
		case raw, ok := <-s.connSub.Out():
			if !ok {
				return
			}
			evt := raw.(event.EvtPeerConnectednessChanged)
			if evt.Connectedness == network.NotConnected {
				select {
				case s.evCh <- connClosedEvent{peer: evt.Peer}:
				case <-s.doneCh:
					return
				}
			}
		case <-s.doneCh:
			return
		}
	}
}

// run is the loop: the only goroutine that ever touches pendingRequests,
// pendingDials, or mutates the connected set. Commands are processed
// FIFO; events are processed in arrival order; the loop never performs
// blocking I/O itself — all stream I/O happens on goroutines it spawns,
// which report back through evCh.
func (s *Swarm) run() {
	for {
		select {
		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
		case ev := <-s.evCh:
			s.handleEvent(ev)
		case <-s.doneCh:
			return
		}
	}
}

func (s *Swarm) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case dialCommand:
		s.handleDial(c)
	case requestCommand:
		s.handleRequest(c)
	}
}

func (s *Swarm) handleDial(c dialCommand) {
	ai, err := peer.AddrInfoFromP2pAddr(c.addr)
	if err != nil || ai.ID == "" {
		c.respondTo <- DialResult{Err: ErrDialFailed}
		return
	}

	s.pendingDials[ai.ID] = append(s.pendingDials[ai.ID], c.respondTo)
	s.updatePendingDialsMetric()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := s.host.Connect(ctx, *ai); err != nil {
			select {
			case s.evCh <- dialFailedEvent{peer: ai.ID, err: err}:
			case <-s.doneCh:
			}
		}
		// Success is observed later via EvtPeerIdentificationCompleted,
		// never at connection establishment (two-phase dial readiness).
	}()
}

func (s *Swarm) handleRequest(c requestCommand) {
	id := s.nextCorrelationID
	s.nextCorrelationID++
	s.pendingRequests[id] = c.respondTo
	s.updatePendingRequestsMetric()

	// The protocol-level timeout reaps the pending entry through the
	// same event path a completed request takes; whichever event lands
	// first wins, the other finds the entry already gone.
	timer := s.clock.AfterFunc(requestTimeout, func() {
		select {
		case s.evCh <- requestCompletedEvent{id: id, result: RequestResult{Err: ErrRequestTimeout}}:
		case <-s.doneCh:
		}
	})

	go func() {
		result := s.performRequest(c.peer, c.request)
		timer.Stop()
		select {
		case s.evCh <- requestCompletedEvent{id: id, result: result}:
		case <-s.doneCh:
		}
	}()
}

func (s *Swarm) performRequest(p peer.ID, req wireproto.Request) RequestResult {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stream, err := s.host.NewStream(ctx, p, wireproto.ReqProtocolID)
	if err != nil {
		return RequestResult{Err: classifyOpenStreamErr(err)}
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(requestTimeout))

	if err := wireproto.WriteRequest(stream, req); err != nil {
		return RequestResult{Err: ErrConnectionClosed}
	}
	resp, err := wireproto.ReadResponse(stream)
	if err != nil {
		if ctx.Err() != nil {
			return RequestResult{Err: ErrRequestTimeout}
		}
		return RequestResult{Err: ErrConnectionClosed}
	}
	return RequestResult{Response: resp}
}

func (s *Swarm) handleEvent(ev any) {
	switch e := ev.(type) {
	case requestCompletedEvent:
		if reply, ok := s.pendingRequests[e.id]; ok {
			reply <- e.result
			delete(s.pendingRequests, e.id)
			s.updatePendingRequestsMetric()
		}
	case identifyCompletedEvent:
		s.connMu.Lock()
		s.connected[e.peer] = struct{}{}
		s.connMu.Unlock()
		s.updateConnectedMetric()
		s.drainDials(e.peer, DialResult{PeerID: e.peer})
	case dialFailedEvent:
		s.drainDials(e.peer, DialResult{Err: classifyDialErr(e.err)})
	case connClosedEvent:
		s.connMu.Lock()
		delete(s.connected, e.peer)
		s.connMu.Unlock()
		s.updateConnectedMetric()
		s.drainDials(e.peer, DialResult{Err: ErrConnectionClosed})
	case countPendingEvent:
		e.reply <- len(s.pendingRequests)
	}
}

func (s *Swarm) drainDials(p peer.ID, result DialResult) {
	waiters, ok := s.pendingDials[p]
	if !ok {
		return
	}
	for _, w := range waiters {
		w <- result
	}
	delete(s.pendingDials, p)
	s.updatePendingDialsMetric()
}

func (s *Swarm) updatePendingRequestsMetric() {
	if s.metrics != nil && s.metrics.PendingRequests != nil {
		s.metrics.PendingRequests.Set(float64(len(s.pendingRequests)))
	}
}

func (s *Swarm) updatePendingDialsMetric() {
	if s.metrics != nil && s.metrics.PendingDials != nil {
		n := 0
		for _, w := range s.pendingDials {
			n += len(w)
		}
		s.metrics.PendingDials.Set(float64(n))
	}
}

func (s *Swarm) updateConnectedMetric() {
	if s.metrics != nil && s.metrics.ConnectedPeers != nil {
		s.connMu.RLock()
		n := len(s.connected)
		s.connMu.RUnlock()
		s.metrics.ConnectedPeers.Set(float64(n))
	}
}

// classifyDialErr separates the security handshake's id-mismatch
// failure (the dialed multiaddress asserted one peer id, the handshake
// authenticated another) from every other dial failure.
func classifyDialErr(err error) error {
	var mismatch sec.ErrPeerIDMismatch
	if errors.As(err, &mismatch) {
		return ErrPeerIDMismatch
	}
	log.Debugf("dial failed: %v", err)
	return ErrDialFailed
}

func classifyOpenStreamErr(err error) error {
	// Every failure to open the request stream is reported as
	// ErrUnsupportedProtocol: multistream negotiation failures, dial
	// failures, and connection errors are not told apart here.
	if err == nil {
		return nil
	}
	log.Debugf("open request stream failed: %v", err)
	return ErrUnsupportedProtocol
}

// acceptRequestStream returns the libp2p stream handler installed for
// ReqProtocolID. It runs on an independent goroutine per inbound stream
// (the Go idiom), never inside the loop itself.
func (s *Swarm) acceptRequestStream(handler RequestHandler) network.StreamHandler {
	return func(stream network.Stream) {
		defer stream.Close()
		from := stream.Conn().RemotePeer()

		req, err := wireproto.ReadRequest(stream)
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp := handler(ctx, from, req)

		if err := wireproto.WriteResponse(stream, resp); err != nil {
			log.Debugf("write response to %s failed: %v", from, err)
		}
	}
}
