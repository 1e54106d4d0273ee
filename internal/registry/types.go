// Package registry defines the overlay's data model (service
// announcements, the community registry, the peer directory, and
// subscriptions) and the abstract Store the core depends on to persist
// them. Store is deliberately narrow: the durable implementation, the
// admin HTTP API, and the application facade that chains store calls
// into user-level operations all stay behind this interface.
package registry

import "context"

// ServiceAnnouncement is the metadata bundle describing a published
// service. Immutable for the duration of a publish; a re-publish with
// the same UUID replaces it atomically.
type ServiceAnnouncement struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Port         int    `json:"port"`
	Description  string `json:"description"`
	ProviderPeer string `json:"provider_peer"`
	ProviderAddr string `json:"provider_addr"`
}

// ServiceRegistryEntry is a ServiceAnnouncement plus its online flag, as
// held by the community peer. Keyed by UUID.
type ServiceRegistryEntry struct {
	ServiceAnnouncement
	Online bool `json:"online"`
}

// PeerRole names the two roles a peer can advertise.
type PeerRole string

const (
	RoleEdge      PeerRole = "edge"
	RoleCommunity PeerRole = "community"
)

// PresenceState is a peer directory entry's observed connectivity.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PeerDirectoryEntry is keyed by peer identifier. Created on first
// successful greeting; mutated by explicit ban/unban and presence
// updates; never removed by the core — retention is the store's call.
type PeerDirectoryEntry struct {
	PeerID string
	NodeID string
	Role   PeerRole
	State  PresenceState
	Banned bool
}

// Subscription is keyed by subscription id, recording a local host:port
// mapping against a target service UUID. Owned by the subscriber's store.
type Subscription struct {
	ID             string
	LocalAddr      string
	ServiceUUID    string
	SubscriberPeer string
	Status         string
}

// NodeInfo is the node's own identity row as the store understands it.
type NodeInfo struct {
	NodeID  string
	KeyPath string
}

// Store is the exact collaborator capability set the core consumes.
// All methods may fail with an opaque error, surfaced to callers as
// Error{message}; no method blocks the swarm task, so implementations
// must themselves be safe for concurrent use from many goroutines.
type Store interface {
	// Identity
	NodeInfo(ctx context.Context) (NodeInfo, error)
	EnsureNodeIdentity(ctx context.Context, peerID string) error

	// Peer directory
	UpsertPeer(ctx context.Context, peerID, nodeID string, role PeerRole, state PresenceState) error
	PeerRole(ctx context.Context, peerID string) (PeerRole, bool, error)
	PeerIsBanned(ctx context.Context, peerID string) (bool, error)

	// Registry
	ListServiceRegistry(ctx context.Context) ([]ServiceRegistryEntry, error)
	UpsertServiceRegistry(ctx context.Context, entry ServiceRegistryEntry) error
	RemoveServiceRegistry(ctx context.Context, uuid string) (bool, error)
	ResolveServiceRegistry(ctx context.Context, uuid string) (ServiceRegistryEntry, bool, error)
	PublishedServiceByID(ctx context.Context, uuid string) (ServiceAnnouncement, bool, error)

	// Subscription
	RecordSubscription(ctx context.Context, uuid, subscriberPeer string) error
}
