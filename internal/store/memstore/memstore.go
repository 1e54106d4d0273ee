// Package memstore is an in-memory implementation of registry.Store:
// one RWMutex, plain maps, copy-out accessors. Suitable for tests and
// single-process deployments without a durable backing store.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/portanet/porta/internal/registry"
)

// Store is a concurrency-safe, in-memory registry.Store.
type Store struct {
	mu sync.RWMutex

	nodeID  string
	keyPath string

	peers         map[string]registry.PeerDirectoryEntry
	services      map[string]registry.ServiceRegistryEntry
	subscriptions map[string]registry.Subscription // "serviceUUID|subscriberPeer" -> record
}

// New creates an empty store seeded with the local node's identity.
func New(nodeID, keyPath string) *Store {
	return &Store{
		nodeID:        nodeID,
		keyPath:       keyPath,
		peers:         make(map[string]registry.PeerDirectoryEntry),
		services:      make(map[string]registry.ServiceRegistryEntry),
		subscriptions: make(map[string]registry.Subscription),
	}
}

func (s *Store) NodeInfo(ctx context.Context) (registry.NodeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return registry.NodeInfo{NodeID: s.nodeID, KeyPath: s.keyPath}, nil
}

func (s *Store) EnsureNodeIdentity(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeID == "" {
		s.nodeID = peerID
	}
	return nil
}

func (s *Store) UpsertPeer(ctx context.Context, peerID, nodeID string, role registry.PeerRole, state registry.PresenceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, existed := s.peers[peerID]
	entry.PeerID = peerID
	entry.NodeID = nodeID
	entry.Role = role
	entry.State = state
	if !existed {
		entry.Banned = false
	}
	s.peers[peerID] = entry
	return nil
}

func (s *Store) PeerRole(ctx context.Context, peerID string) (registry.PeerRole, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.peers[peerID]
	if !ok || entry.Role == "" {
		return "", false, nil
	}
	return entry.Role, true, nil
}

func (s *Store) PeerIsBanned(ctx context.Context, peerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[peerID].Banned, nil
}

// SetBanned is a directory mutation outside the core's request surface
// (an administrative action); exposed here since memstore is also the
// reference used by tests exercising the ban/unban lifecycle.
func (s *Store) SetBanned(peerID string, banned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.peers[peerID]
	entry.PeerID = peerID
	entry.Banned = banned
	s.peers[peerID] = entry
}

func (s *Store) ListServiceRegistry(ctx context.Context) ([]registry.ServiceRegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.ServiceRegistryEntry, 0, len(s.services))
	for _, entry := range s.services {
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) UpsertServiceRegistry(ctx context.Context, entry registry.ServiceRegistryEntry) error {
	if entry.UUID == "" {
		return fmt.Errorf("service uuid must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[entry.UUID] = entry
	return nil
}

func (s *Store) RemoveServiceRegistry(ctx context.Context, uuid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[uuid]; !ok {
		return false, nil
	}
	delete(s.services, uuid)
	return true, nil
}

func (s *Store) ResolveServiceRegistry(ctx context.Context, uuid string) (registry.ServiceRegistryEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.services[uuid]
	return entry, ok, nil
}

func (s *Store) PublishedServiceByID(ctx context.Context, uuid string) (registry.ServiceAnnouncement, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.services[uuid]
	if !ok || entry.ProviderPeer != s.nodeID {
		return registry.ServiceAnnouncement{}, false, nil
	}
	return entry.ServiceAnnouncement, true, nil
}

// RecordSubscription assigns a fresh subscription id on first sight of
// the (service, subscriber) pair; a repeated call for the same pair is
// a no-op, matching UpsertServiceRegistry's idempotent-republish style.
func (s *Store) RecordSubscription(ctx context.Context, serviceUUID, subscriberPeer string) error {
	key := serviceUUID + "|" + subscriberPeer
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[key]; exists {
		return nil
	}
	s.subscriptions[key] = registry.Subscription{
		ID:             uuid.New().String(),
		ServiceUUID:    serviceUUID,
		SubscriberPeer: subscriberPeer,
		Status:         "active",
	}
	return nil
}

var _ registry.Store = (*Store)(nil)
