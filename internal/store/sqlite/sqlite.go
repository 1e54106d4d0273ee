// Package sqlite is the modernc.org/sqlite-backed implementation of
// registry.Store: WAL journal mode, a busy timeout, and
// upsert-by-primary-key statements throughout.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/portanet/porta/internal/registry"
)

// Store is a durable registry.Store backed by a single SQLite file.
type Store struct {
	db      *sql.DB
	nodeID  string
	keyPath string
}

// Open opens (creating if absent) the database at path and applies the
// schema: WAL journal mode, busy_timeout, foreign keys on.
func Open(path, nodeID, keyPath string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, nodeID: nodeID, keyPath: keyPath}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS peers (
	peer_id TEXT PRIMARY KEY,
	node_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	state   TEXT NOT NULL,
	banned  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS service_registry (
	uuid          TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	type          TEXT NOT NULL,
	port          INTEGER NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	provider_peer TEXT NOT NULL,
	provider_addr TEXT NOT NULL,
	online        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id              TEXT PRIMARY KEY,
	service_uuid    TEXT NOT NULL,
	subscriber_peer TEXT NOT NULL,
	UNIQUE (service_uuid, subscriber_peer)
);
`

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) NodeInfo(ctx context.Context) (registry.NodeInfo, error) {
	return registry.NodeInfo{NodeID: s.nodeID, KeyPath: s.keyPath}, nil
}

func (s *Store) EnsureNodeIdentity(ctx context.Context, peerID string) error {
	if s.nodeID == "" {
		s.nodeID = peerID
	}
	return nil
}

func (s *Store) UpsertPeer(ctx context.Context, peerID, nodeID string, role registry.PeerRole, state registry.PresenceState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (peer_id, node_id, role, state, banned)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(peer_id) DO UPDATE SET node_id = excluded.node_id, role = excluded.role, state = excluded.state
	`, peerID, nodeID, string(role), string(state))
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

func (s *Store) PeerRole(ctx context.Context, peerID string) (registry.PeerRole, bool, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM peers WHERE peer_id = ?`, peerID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read peer role: %w", err)
	}
	if role == "" {
		return "", false, nil
	}
	return registry.PeerRole(role), true, nil
}

func (s *Store) PeerIsBanned(ctx context.Context, peerID string) (bool, error) {
	var banned int
	err := s.db.QueryRowContext(ctx, `SELECT banned FROM peers WHERE peer_id = ?`, peerID).Scan(&banned)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ban flag: %w", err)
	}
	return banned != 0, nil
}

// SetBanned is an administrative mutation outside the request-handler
// surface, analogous to the ban toggles the out-of-scope admin API
// would expose.
func (s *Store) SetBanned(ctx context.Context, peerID string, banned bool) error {
	val := 0
	if banned {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (peer_id, node_id, role, state, banned)
		VALUES (?, '', '', 'offline', ?)
		ON CONFLICT(peer_id) DO UPDATE SET banned = excluded.banned
	`, peerID, val)
	return err
}

func (s *Store) ListServiceRegistry(ctx context.Context) ([]registry.ServiceRegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, type, port, description, provider_peer, provider_addr, online FROM service_registry
	`)
	if err != nil {
		return nil, fmt.Errorf("list service registry: %w", err)
	}
	defer rows.Close()

	var out []registry.ServiceRegistryEntry
	for rows.Next() {
		var e registry.ServiceRegistryEntry
		var online int
		if err := rows.Scan(&e.UUID, &e.Name, &e.Type, &e.Port, &e.Description, &e.ProviderPeer, &e.ProviderAddr, &online); err != nil {
			return nil, fmt.Errorf("scan service registry row: %w", err)
		}
		e.Online = online != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertServiceRegistry(ctx context.Context, entry registry.ServiceRegistryEntry) error {
	online := 0
	if entry.Online {
		online = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_registry (uuid, name, type, port, description, provider_peer, provider_addr, online)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name, type = excluded.type, port = excluded.port,
			description = excluded.description, provider_peer = excluded.provider_peer,
			provider_addr = excluded.provider_addr, online = excluded.online
	`, entry.UUID, entry.Name, entry.Type, entry.Port, entry.Description, entry.ProviderPeer, entry.ProviderAddr, online)
	if err != nil {
		return fmt.Errorf("upsert service registry: %w", err)
	}
	return nil
}

func (s *Store) RemoveServiceRegistry(ctx context.Context, uuid string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_registry WHERE uuid = ?`, uuid)
	if err != nil {
		return false, fmt.Errorf("remove service registry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ResolveServiceRegistry(ctx context.Context, uuid string) (registry.ServiceRegistryEntry, bool, error) {
	var e registry.ServiceRegistryEntry
	var online int
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, type, port, description, provider_peer, provider_addr, online
		FROM service_registry WHERE uuid = ?
	`, uuid).Scan(&e.UUID, &e.Name, &e.Type, &e.Port, &e.Description, &e.ProviderPeer, &e.ProviderAddr, &online)
	if err == sql.ErrNoRows {
		return registry.ServiceRegistryEntry{}, false, nil
	}
	if err != nil {
		return registry.ServiceRegistryEntry{}, false, fmt.Errorf("resolve service registry: %w", err)
	}
	e.Online = online != 0
	return e, true, nil
}

func (s *Store) PublishedServiceByID(ctx context.Context, uuid string) (registry.ServiceAnnouncement, bool, error) {
	entry, ok, err := s.ResolveServiceRegistry(ctx, uuid)
	if err != nil || !ok || entry.ProviderPeer != s.nodeID {
		return registry.ServiceAnnouncement{}, false, err
	}
	return entry.ServiceAnnouncement, true, nil
}

// RecordSubscription assigns a fresh subscription id on first sight of
// the (service, subscriber) pair; the UNIQUE constraint makes a repeated
// call for the same pair a no-op rather than a second row.
func (s *Store) RecordSubscription(ctx context.Context, serviceUUID, subscriberPeer string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, service_uuid, subscriber_peer) VALUES (?, ?, ?)
		ON CONFLICT(service_uuid, subscriber_peer) DO NOTHING
	`, uuid.New().String(), serviceUUID, subscriberPeer)
	if err != nil {
		return fmt.Errorf("record subscription: %w", err)
	}
	return nil
}

var _ registry.Store = (*Store)(nil)
