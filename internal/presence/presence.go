// Package presence is a best-effort gossip supplement to the peer
// directory's online/offline state. It never creates, deletes, or bans
// a directory entry: only Hello creates rows, and only an explicit
// ban/unban mutates the ban flag. Gossip flips the presence state for
// peers already known to the store from a prior handshake; the upsert it
// uses also overwrites the entry's node id with the peer id.
package presence

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/portanet/porta/internal/applog"
	"github.com/portanet/porta/internal/registry"
)

var log = applog.New("presence")

const topicName = "porta.presence.v1"

// beacon is the wire message gossiped on the presence topic.
type beacon struct {
	PeerID string `json:"peer_id"`
	Online bool   `json:"online"`
}

// Gossip wires a gossipsub presence topic onto h and flips the matching
// directory entry's State in store as beacons arrive.
type Gossip struct {
	host  host.Host
	store registry.Store

	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// Join starts a gossipsub instance on h, joins the presence topic, and
// begins consuming it in the background. Call Publish after a successful
// local start/stop to announce this node's own state.
func Join(ctx context.Context, h host.Host, store registry.Store) (*Gossip, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	g := &Gossip{host: h, store: store, ps: ps, topic: topic, sub: sub}
	go g.consume(ctx)
	return g, nil
}

// Publish announces this node's own online/offline state.
func (g *Gossip) Publish(ctx context.Context, online bool) {
	b, err := json.Marshal(beacon{PeerID: g.host.ID().String(), Online: online})
	if err != nil {
		return
	}
	if err := g.topic.Publish(ctx, b); err != nil {
		log.Debugf("presence publish failed: %v", err)
	}
}

// Close tears down the subscription and topic handle.
func (g *Gossip) Close() {
	g.sub.Cancel()
	_ = g.topic.Close()
}

func (g *Gossip) consume(ctx context.Context) {
	selfID := g.host.ID().String()
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		var b beacon
		if err := json.Unmarshal(msg.Data, &b); err != nil || b.PeerID == "" || b.PeerID == selfID {
			continue
		}
		g.applyBeacon(ctx, b)
	}
}

func (g *Gossip) applyBeacon(ctx context.Context, b beacon) {
	role, ok, err := g.store.PeerRole(ctx, b.PeerID)
	if err != nil || !ok {
		// No prior Hello on record for this peer; gossip never creates
		// a directory entry on its own.
		return
	}
	state := registry.PresenceOffline
	if b.Online {
		state = registry.PresenceOnline
	}
	// The Store interface doesn't expose a read-back of the directory
	// row's node_id, only its role and ban flag; reusing peerID keeps
	// UpsertPeer's node_id column non-empty without inventing a value.
	if err := g.store.UpsertPeer(ctx, b.PeerID, b.PeerID, role, state); err != nil {
		log.Debugf("presence: upsert %s failed: %v", b.PeerID, err)
	}
}
