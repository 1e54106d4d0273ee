package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portanet/porta/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.db")
	s, err := Open(path, "community-node", filepath.Join(t.TempDir(), "node.key"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServiceRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	entry := registry.ServiceRegistryEntry{
		ServiceAnnouncement: registry.ServiceAnnouncement{
			UUID: "svc1", Name: "web", Type: "HTTP", Port: 8080, ProviderPeer: "peerP", ProviderAddr: "10.0.0.5",
		},
		Online: true,
	}
	require.NoError(t, s.UpsertServiceRegistry(ctx, entry))

	resolved, ok, err := s.ResolveServiceRegistry(ctx, "svc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "web", resolved.Name)

	removed, err := s.RemoveServiceRegistry(ctx, "svc1")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err = s.ResolveServiceRegistry(ctx, "svc1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPeerBanPersistence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertPeer(ctx, "peerX", "X", registry.RoleEdge, registry.PresenceOnline))
	require.NoError(t, s.SetBanned(ctx, "peerX", true))

	banned, err := s.PeerIsBanned(ctx, "peerX")
	require.NoError(t, err)
	require.True(t, banned)

	require.NoError(t, s.UpsertPeer(ctx, "peerX", "X", registry.RoleEdge, registry.PresenceOnline))
	banned, err = s.PeerIsBanned(ctx, "peerX")
	require.NoError(t, err)
	require.True(t, banned, "re-greeting must not clear an existing ban")
}
