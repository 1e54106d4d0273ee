package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/portanet/porta/internal/wireproto"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func echoHelloHandler(localNodeID string) RequestHandler {
	return func(ctx context.Context, from peer.ID, req wireproto.Request) wireproto.Response {
		switch req.Type {
		case wireproto.ReqHello:
			return wireproto.Response{
				Type:     wireproto.RespHelloAck,
				HelloAck: &wireproto.HelloPayload{NodeID: localNodeID, Role: "community"},
			}
		default:
			return wireproto.Ack()
		}
	}
}

func dialHostB(t *testing.T, sA *Swarm, hB host.Host) peer.ID {
	t.Helper()
	addrs := hB.Addrs()
	require.NotEmpty(t, addrs)
	full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: hB.ID(), Addrs: addrs})
	require.NoError(t, err)
	require.NotEmpty(t, full)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := sA.Dial(ctx, full[0])
	require.NoError(t, err)
	require.Equal(t, hB.ID(), id)
	return id
}

func TestRequestResponseRoundTrip(t *testing.T) {
	hA := newTestHost(t)
	hB := newTestHost(t)

	sA, err := New(hA, echoHelloHandler("A"), nil)
	require.NoError(t, err)
	defer sA.Close()
	sB, err := New(hB, echoHelloHandler("B"), nil)
	require.NoError(t, err)
	defer sB.Close()

	peerB := dialHostB(t, sA, hB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := sA.Request(ctx, peerB, wireproto.Request{
		Type:  wireproto.ReqHello,
		Hello: &wireproto.HelloPayload{NodeID: "A", Role: "edge"},
	})
	require.NoError(t, err)
	require.Equal(t, wireproto.RespHelloAck, resp.Type)
	require.Equal(t, "B", resp.HelloAck.NodeID)

	require.Eventually(t, func() bool { return sA.PendingRequestCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConcurrentRequestsCorrelateIndependently(t *testing.T) {
	hA := newTestHost(t)
	hB := newTestHost(t)

	sA, err := New(hA, echoHelloHandler("A"), nil)
	require.NoError(t, err)
	defer sA.Close()
	sB, err := New(hB, echoHelloHandler("B"), nil)
	require.NoError(t, err)
	defer sB.Close()

	peerB := dialHostB(t, sA, hB)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	resps := make([]wireproto.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := sA.Request(ctx, peerB, wireproto.Request{
				Type:  wireproto.ReqHello,
				Hello: &wireproto.HelloPayload{NodeID: "A", Role: "edge"},
			})
			resps[i] = resp
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, wireproto.RespHelloAck, resps[i].Type)
	}
	require.Eventually(t, func() bool { return sA.PendingRequestCount() == 0 }, time.Second, 10*time.Millisecond)
}

// TestRequestToUnresponsivePeerTimesOut drives the 30s protocol-level
// timeout with a mock clock: the remote's handler never answers, the
// caller gets ErrRequestTimeout the moment the clock crosses the bound,
// and the pending entry is reaped rather than leaked.
func TestRequestToUnresponsivePeerTimesOut(t *testing.T) {
	hA := newTestHost(t)
	hB := newTestHost(t)

	mock := clock.NewMock()
	sA, err := New(hA, echoHelloHandler("A"), nil, WithClock(mock))
	require.NoError(t, err)
	defer sA.Close()

	blocked := make(chan struct{})
	defer close(blocked)
	sB, err := New(hB, func(ctx context.Context, from peer.ID, req wireproto.Request) wireproto.Response {
		<-blocked
		return wireproto.Ack()
	}, nil)
	require.NoError(t, err)
	defer sB.Close()

	peerB := dialHostB(t, sA, hB)

	done := make(chan error, 1)
	go func() {
		_, err := sA.Request(context.Background(), peerB, wireproto.Request{
			Type:  wireproto.ReqHello,
			Hello: &wireproto.HelloPayload{NodeID: "A", Role: "edge"},
		})
		done <- err
	}()

	// The timeout timer is armed by the loop while processing the
	// command, so a non-empty pending map means it exists.
	require.Eventually(t, func() bool { return sA.PendingRequestCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	mock.Add(30 * time.Second)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not resolve after the timeout elapsed")
	}
	require.Eventually(t, func() bool { return sA.PendingRequestCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDialUnreachableAddrFailsWithoutLeakingPendingDial(t *testing.T) {
	hA := newTestHost(t)
	pendingDials := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_pending_dials"})
	sA, err := New(hA, echoHelloHandler("A"), &Metrics{PendingDials: pendingDials})
	require.NoError(t, err)
	defer sA.Close()

	randomID := mustRandomPeerID(t)
	addr, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/1/p2p/" + randomID.String())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = sA.Dial(ctx, addr)
	require.Error(t, err)

	// The failed dial's waiter is drained from the pending-dial map, which
	// the loop mirrors into the PendingDials gauge.
	require.Eventually(t, func() bool {
		var m dto.Metric
		return pendingDials.Write(&m) == nil && m.GetGauge().GetValue() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func mustRandomPeerID(t *testing.T) peer.ID {
	t.Helper()
	h, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	defer h.Close()
	return h.ID()
}
