package p2ptransport

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	return priv
}

func TestBuildProducesConnectableHost(t *testing.T) {
	privA := newTestIdentity(t)
	privB := newTestIdentity(t)

	hA, err := Build(privA, 0)
	require.NoError(t, err)
	defer hA.Close()
	hB, err := Build(privB, 0)
	require.NoError(t, err)
	defer hB.Close()

	require.NotEmpty(t, ListenAddrs(hA))

	addrInfo := peer.AddrInfo{ID: hB.ID(), Addrs: hB.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hA.Connect(ctx, addrInfo))
	require.Equal(t, network.Connected, hA.Network().Connectedness(hB.ID()))
}

func TestWANAddrsExcludesLoopback(t *testing.T) {
	priv := newTestIdentity(t)
	h, err := Build(priv, 0)
	require.NoError(t, err)
	defer h.Close()

	// The host only listens on 0.0.0.0, which resolves to concrete
	// interface addresses; none of the loopback ones may leak through.
	for _, a := range WANAddrs(h) {
		require.NotContains(t, a, "/ip4/127.")
	}
}

func TestKeepAliveLeavesFreshConnectionConnected(t *testing.T) {
	privA := newTestIdentity(t)
	privB := newTestIdentity(t)

	hA, err := Build(privA, 0)
	require.NoError(t, err)
	defer hA.Close()
	hB, err := Build(privB, 0)
	require.NoError(t, err)
	defer hB.Close()

	KeepAlive(hA)
	KeepAlive(hB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hA.Connect(ctx, peer.AddrInfo{ID: hB.ID(), Addrs: hB.Addrs()}))

	// The notifiee's loop runs on its own goroutine and its first ping is
	// a full KeepAliveInterval away, so no ping runs in this window: this
	// only checks that mounting KeepAlive on both hosts leaves the fresh
	// connection connected.
	require.Eventually(t, func() bool {
		return hA.Network().Connectedness(hB.ID()) == network.Connected
	}, 2*time.Second, 50*time.Millisecond)
}
