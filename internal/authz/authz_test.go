package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portanet/porta/internal/registry"
	"github.com/portanet/porta/internal/store/memstore"
)

func TestCheckNonHelloAdmissionRejectsUnhandshaken(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("community", "/tmp/key")

	_, err := CheckNonHelloAdmission(ctx, s, "peerA")
	require.ErrorIs(t, err, ErrPeerNotHandshaken)
}

func TestCheckNonHelloAdmissionRejectsBannedBeforeHandshakeCheck(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("community", "/tmp/key")
	require.NoError(t, s.UpsertPeer(ctx, "peerX", "X", registry.RoleEdge, registry.PresenceOnline))
	s.SetBanned("peerX", true)

	_, err := CheckNonHelloAdmission(ctx, s, "peerX")
	require.ErrorIs(t, err, ErrPeerBanned)

	// peerY never greeted: the ban check runs first, so it wins over the
	// handshake check.
	s.SetBanned("peerY", true)
	_, err = CheckNonHelloAdmission(ctx, s, "peerY")
	require.ErrorIs(t, err, ErrPeerBanned)
}

func TestRequireRole(t *testing.T) {
	require.NoError(t, RequireRole(registry.RoleEdge, registry.RoleEdge))
	require.True(t, errors.Is(RequireRole(registry.RoleCommunity, registry.RoleEdge), ErrRoleDenied))
}

func TestRequireIdentity(t *testing.T) {
	require.NoError(t, RequireIdentity("peerA", "peerA"))
	require.ErrorIs(t, RequireIdentity("peerA", "peerB"), ErrIdentityMismatch)
}
