package presence

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p"
	"github.com/stretchr/testify/require"

	"github.com/portanet/porta/internal/registry"
	"github.com/portanet/porta/internal/store/memstore"
)

func TestApplyBeaconIgnoresPeerWithoutPriorHello(t *testing.T) {
	h, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	defer h.Close()

	store := memstore.New(h.ID().String(), "")
	g := &Gossip{host: h, store: store}

	g.applyBeacon(context.Background(), beacon{PeerID: "unknown-peer", Online: true})

	_, ok, err := store.PeerRole(context.Background(), "unknown-peer")
	require.NoError(t, err)
	require.False(t, ok, "gossip must never create a directory entry on its own")
}

func TestApplyBeaconKeepsRoleForKnownPeer(t *testing.T) {
	h, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	defer h.Close()

	store := memstore.New(h.ID().String(), "")
	require.NoError(t, store.UpsertPeer(context.Background(), "peer-1", "peer-1", registry.RoleEdge, registry.PresenceOffline))

	g := &Gossip{host: h, store: store}
	g.applyBeacon(context.Background(), beacon{PeerID: "peer-1", Online: true})

	role, ok, err := store.PeerRole(context.Background(), "peer-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.RoleEdge, role)
}

func TestJoinSubscribesAndCloseTearsDownCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer h.Close()

	store := memstore.New(h.ID().String(), "")
	g, err := Join(ctx, h, store)
	require.NoError(t, err)

	g.Publish(ctx, true)
	g.Close()
}
