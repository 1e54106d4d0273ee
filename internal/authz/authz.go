// Package authz holds the ban/role/handshake policy checks shared by
// the request handler and the stream plane's acceptance gate: ban check
// first, then handshake (non-empty role), then per-operation role gate.
// Keeping both surfaces on the same primitives means they cannot drift
// apart on what "banned" or "edge-only" means.
package authz

import (
	"context"
	"errors"

	"github.com/portanet/porta/internal/registry"
)

var (
	ErrPeerBanned        = errors.New("peer_banned")
	ErrPeerNotHandshaken = errors.New("peer_not_handshaken")
	ErrRoleDenied        = errors.New("role_denied")
	ErrIdentityMismatch  = errors.New("identity_mismatch")
	ErrStore             = errors.New("store_error")
)

// CheckBanned returns ErrPeerBanned if the store flags peerID as banned.
func CheckBanned(ctx context.Context, store registry.Store, peerID string) error {
	banned, err := store.PeerIsBanned(ctx, peerID)
	if err != nil {
		return errors.Join(ErrStore, err)
	}
	if banned {
		return ErrPeerBanned
	}
	return nil
}

// RequireHandshaken returns the peer's role if the directory carries a
// non-empty role for it (a successful prior Hello), else
// ErrPeerNotHandshaken.
func RequireHandshaken(ctx context.Context, store registry.Store, peerID string) (registry.PeerRole, error) {
	role, ok, err := store.PeerRole(ctx, peerID)
	if err != nil {
		return "", errors.Join(ErrStore, err)
	}
	if !ok || role == "" {
		return "", ErrPeerNotHandshaken
	}
	return role, nil
}

// CheckNonHelloAdmission runs the ban-then-handshake gate that every
// inbound request other than Hello must pass before any operation-
// specific check runs.
func CheckNonHelloAdmission(ctx context.Context, store registry.Store, peerID string) (registry.PeerRole, error) {
	if err := CheckBanned(ctx, store, peerID); err != nil {
		return "", err
	}
	return RequireHandshaken(ctx, store, peerID)
}

// RequireRole returns ErrRoleDenied if got != want.
func RequireRole(got, want registry.PeerRole) error {
	if got != want {
		return ErrRoleDenied
	}
	return nil
}

// RequireIdentity returns ErrIdentityMismatch if the asserted peer
// identifier in a request payload (subscriber_peer/provider_peer)
// differs from the authenticated sender.
func RequireIdentity(asserted, authenticated string) error {
	if asserted != authenticated {
		return ErrIdentityMismatch
	}
	return nil
}
