package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portanet/porta/internal/registry"
)

func TestUpsertPeerAndRoleLookup(t *testing.T) {
	ctx := context.Background()
	s := New("community-node", "/tmp/key")

	_, ok, err := s.PeerRole(ctx, "peerA")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.UpsertPeer(ctx, "peerA", "A", registry.RoleEdge, registry.PresenceOnline))
	role, ok, err := s.PeerRole(ctx, "peerA")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.RoleEdge, role)
}

func TestBanPersistsAcrossUpsert(t *testing.T) {
	ctx := context.Background()
	s := New("community-node", "/tmp/key")
	require.NoError(t, s.UpsertPeer(ctx, "peerX", "X", registry.RoleEdge, registry.PresenceOnline))
	s.SetBanned("peerX", true)

	banned, err := s.PeerIsBanned(ctx, "peerX")
	require.NoError(t, err)
	require.True(t, banned)

	// A fresh Hello upserts but must not clear the ban.
	require.NoError(t, s.UpsertPeer(ctx, "peerX", "X", registry.RoleEdge, registry.PresenceOnline))
	banned, err = s.PeerIsBanned(ctx, "peerX")
	require.NoError(t, err)
	require.True(t, banned, "re-greeting must not clear an existing ban")
}

func TestServiceRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New("community-node", "/tmp/key")

	list, err := s.ListServiceRegistry(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	entry := registry.ServiceRegistryEntry{
		ServiceAnnouncement: registry.ServiceAnnouncement{
			UUID: "svc1", Name: "web", Type: "HTTP", Port: 8080, ProviderPeer: "peerP", ProviderAddr: "10.0.0.5",
		},
		Online: true,
	}
	require.NoError(t, s.UpsertServiceRegistry(ctx, entry))

	list, err = s.ListServiceRegistry(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	resolved, ok, err := s.ResolveServiceRegistry(ctx, "svc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "peerP", resolved.ProviderPeer)

	removed, err := s.RemoveServiceRegistry(ctx, "svc1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.RemoveServiceRegistry(ctx, "svc1")
	require.NoError(t, err)
	require.False(t, removed, "removing a missing entry is idempotent, not an error")
}
