// Package p2ptransport builds the authenticated, multiplexed transport
// the rest of the node runs on: TCP, a Noise mutual-authentication
// handshake binding the static public key to the peer identifier, yamux
// stream multiplexing, and a periodic keep-alive ping on every live
// connection.
package p2ptransport

import (
	"context"
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	yamux "github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/portanet/porta/internal/applog"
	"github.com/portanet/porta/internal/wireproto"
)

var log = applog.New("p2ptransport")

// KeepAliveInterval is the ping behaviour's interval. Idle connections
// must survive at least 120s without application traffic, which a 10s
// ping comfortably satisfies.
const KeepAliveInterval = 10 * time.Second

// Build assembles the libp2p host around priv: TCP transport, Noise
// security, yamux muxing, and the Identify behaviour advertising
// wireproto.IdentifyProtocolID. tcpPort=0 lets the OS assign a port. The
// returned host already has go-libp2p's built-in ping protocol mounted;
// KeepAlive layers the periodic keep-alive on top of every connection
// the host establishes.
func Build(priv crypto.PrivKey, tcpPort int) (host.Host, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", tcpPort)),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.UserAgent("porta/1.0"),
		libp2p.ProtocolVersion(string(wireproto.IdentifyProtocolID)),
	)
	if err != nil {
		return nil, fmt.Errorf("build transport host: %w", err)
	}
	return h, nil
}

// ListenAddrs returns the addresses the host is actually bound to, for
// emitting upstream once the listener is live.
func ListenAddrs(h host.Host) []string {
	addrs := h.Network().ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// WANAddrs returns the host's listen addresses filtered to exclude
// loopback and link-local ones: the addresses worth advertising to
// peers outside this machine.
func WANAddrs(h host.Host) []string {
	var out []string
	for _, a := range h.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

const mdnsTag = "porta.local"

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// EnableMDNS starts LAN discovery: peers found on the local network are
// dialed eagerly so presence gossip has a mesh to ride on.
func EnableMDNS(h host.Host) error {
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	return md.Start()
}

// KeepAlive mounts a network.Notifiee that starts a KeepAliveInterval
// ping loop for every newly established connection, so idle connections
// stay alive without relying on application traffic. A loop ends at the
// first tick that finds the peer no longer connected, or when a ping
// fails.
func KeepAlive(h host.Host) {
	pingService := ping.NewPingService(h)
	h.Network().Notify(&keepAliveNotifee{host: h, pingService: pingService})
}

type keepAliveNotifee struct {
	host        host.Host
	pingService *ping.PingService
}

func (n *keepAliveNotifee) Connected(_ network.Network, c network.Conn) {
	go n.loop(c.RemotePeer())
}
func (n *keepAliveNotifee) Disconnected(network.Network, network.Conn) {}
func (n *keepAliveNotifee) Listen(network.Network, ma.Multiaddr)       {}
func (n *keepAliveNotifee) ListenClose(network.Network, ma.Multiaddr)  {}

func (n *keepAliveNotifee) loop(p peer.ID) {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if n.host.Network().Connectedness(p) != network.Connected {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), KeepAliveInterval)
		res := <-n.pingService.Ping(ctx, p)
		cancel()
		if res.Error != nil {
			log.Debugf("keep-alive ping to %s failed: %v", p, res.Error)
			return
		}
	}
}
