// Package reqhandler implements inbound request dispatch: the overlay's
// policy layer, invoked per inbound request on its own per-stream
// goroutine. Every handler returns a response value; store failures
// surface as Error responses and never close the connection.
package reqhandler

import (
	"context"
	"errors"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/portanet/porta/internal/applog"
	"github.com/portanet/porta/internal/authz"
	"github.com/portanet/porta/internal/registry"
	"github.com/portanet/porta/internal/wireproto"
)

var log = applog.New("reqhandler")

const defaultRole = "edge"

// Handler dispatches inbound requests against a Store.
type Handler struct {
	store registry.Store
}

// New builds a Handler over store.
func New(store registry.Store) *Handler {
	return &Handler{store: store}
}

// Handle answers req from the authenticated sender from. It matches
// swarm.RequestHandler's signature and is meant to be passed directly to
// swarm.New.
func (h *Handler) Handle(ctx context.Context, from peer.ID, req wireproto.Request) wireproto.Response {
	senderID := from.String()

	if req.Type == wireproto.ReqHello {
		return h.handleHello(ctx, senderID, req.Hello)
	}

	role, err := authz.CheckNonHelloAdmission(ctx, h.store, senderID)
	if err != nil {
		return policyErrorResponse(err)
	}

	switch req.Type {
	case wireproto.ReqDiscoverServices:
		return h.handleDiscoverServices(ctx)
	case wireproto.ReqSubscribeService:
		return h.handleSubscribeService(ctx, senderID, role, req.SubscribeService)
	case wireproto.ReqConnectService:
		return h.handleConnectService(ctx, senderID, role, req.ConnectService)
	case wireproto.ReqPublishService:
		return h.handlePublishService(ctx, senderID, role, req.PublishService)
	case wireproto.ReqUnpublishService:
		return h.handleUnpublishService(ctx, role, req.UnpublishService)
	case wireproto.ReqBuildRelayRoute:
		return h.handleBuildRelayRoute(ctx, role, req.BuildRelayRoute)
	default:
		return wireproto.Err("未知请求")
	}
}

func (h *Handler) handleHello(ctx context.Context, senderID string, hello *wireproto.HelloPayload) wireproto.Response {
	if hello == nil || hello.NodeID == "" {
		return wireproto.Err("node_id 不能为空")
	}
	if hello.Role == "" {
		return wireproto.Err("role 不能为空")
	}

	if err := h.store.UpsertPeer(ctx, senderID, hello.NodeID, registry.PeerRole(hello.Role), registry.PresenceOnline); err != nil {
		return wireproto.Err("记录 peer 失败: " + err.Error())
	}
	// The ban is checked after validation and the directory upsert: a
	// banned peer's Hello is recorded but answered with the ban error.
	if err := authz.CheckBanned(ctx, h.store, senderID); err != nil {
		return policyErrorResponse(err)
	}

	info, err := h.store.NodeInfo(ctx)
	if err != nil {
		return wireproto.Err("读取本地节点失败: " + err.Error())
	}

	localRole := os.Getenv("PORTA_ROLE")
	if localRole == "" {
		localRole = defaultRole
	}

	return wireproto.Response{
		Type:     wireproto.RespHelloAck,
		HelloAck: &wireproto.HelloPayload{NodeID: info.NodeID, Role: localRole},
	}
}

func (h *Handler) handleDiscoverServices(ctx context.Context) wireproto.Response {
	list, err := h.store.ListServiceRegistry(ctx)
	if err != nil {
		return wireproto.Err("读取服务失败: " + err.Error())
	}
	services := make([]registry.ServiceAnnouncement, 0, len(list))
	for _, entry := range list {
		services = append(services, entry.ServiceAnnouncement)
	}
	return wireproto.Response{Type: wireproto.RespServiceList, ServiceList: &wireproto.ServiceListResponse{Services: services}}
}

func (h *Handler) handleSubscribeService(ctx context.Context, senderID string, role registry.PeerRole, req *wireproto.SubscriberRequest) wireproto.Response {
	if req == nil {
		return wireproto.Err("订阅请求缺失")
	}
	if err := authz.RequireRole(role, registry.RoleEdge); err != nil {
		return wireproto.Err("订阅角色不允许")
	}
	if err := authz.RequireIdentity(req.SubscriberPeer, senderID); err != nil {
		return wireproto.Err("订阅 peer 不匹配")
	}
	if err := h.store.RecordSubscription(ctx, req.ServiceUUID, req.SubscriberPeer); err != nil {
		return wireproto.Err("记录订阅失败: " + err.Error())
	}
	return wireproto.Ack()
}

func (h *Handler) handleConnectService(ctx context.Context, senderID string, role registry.PeerRole, req *wireproto.SubscriberRequest) wireproto.Response {
	if req == nil {
		return wireproto.Err("连接请求缺失")
	}
	if err := authz.RequireRole(role, registry.RoleEdge); err != nil {
		return wireproto.Err("连接角色不允许")
	}
	if err := authz.RequireIdentity(req.SubscriberPeer, senderID); err != nil {
		return wireproto.Err("连接 peer 不匹配")
	}
	entry, ok, err := h.store.ResolveServiceRegistry(ctx, req.ServiceUUID)
	if err != nil {
		return wireproto.Err("解析服务失败: " + err.Error())
	}
	if !ok {
		return wireproto.Err("未找到服务")
	}
	return wireproto.Response{
		Type: wireproto.RespConnectInfo,
		ConnectInfo: &wireproto.ConnectInfoResponse{
			ProviderPeer: entry.ProviderPeer,
			ProviderAddr: entry.ProviderAddr,
			Port:         entry.Port,
		},
	}
}

func (h *Handler) handlePublishService(ctx context.Context, senderID string, role registry.PeerRole, ann *registry.ServiceAnnouncement) wireproto.Response {
	if ann == nil {
		return wireproto.Err("发布请求缺失")
	}
	if err := authz.RequireRole(role, registry.RoleEdge); err != nil {
		return wireproto.Err("发布角色不允许")
	}
	if err := authz.RequireIdentity(ann.ProviderPeer, senderID); err != nil {
		return wireproto.Err("服务提供者 peer 不匹配")
	}
	entry := registry.ServiceRegistryEntry{ServiceAnnouncement: *ann, Online: true}
	if err := h.store.UpsertServiceRegistry(ctx, entry); err != nil {
		return wireproto.Err("服务注册失败: " + err.Error())
	}
	return wireproto.Ack()
}

func (h *Handler) handleUnpublishService(ctx context.Context, role registry.PeerRole, req *wireproto.UnpublishServiceRequest) wireproto.Response {
	if req == nil {
		return wireproto.Err("下架请求缺失")
	}
	if err := authz.RequireRole(role, registry.RoleEdge); err != nil {
		return wireproto.Err("下架角色不允许")
	}
	removed, err := h.store.RemoveServiceRegistry(ctx, req.ServiceUUID)
	if err != nil {
		return wireproto.Err("下架失败: " + err.Error())
	}
	if !removed {
		return wireproto.Err("未找到服务")
	}
	return wireproto.Ack()
}

func (h *Handler) handleBuildRelayRoute(ctx context.Context, role registry.PeerRole, req *wireproto.BuildRelayRouteRequest) wireproto.Response {
	if req == nil {
		return wireproto.Err("中继请求缺失")
	}
	if err := authz.RequireRole(role, registry.RoleEdge); err != nil {
		return wireproto.Err("中继角色不允许")
	}
	if len(req.RelayChain) == 0 {
		entry, ok, err := h.store.ResolveServiceRegistry(ctx, req.ServiceUUID)
		if err != nil {
			return wireproto.Err("解析服务失败: " + err.Error())
		}
		if !ok {
			return wireproto.Err("未找到服务")
		}
		return wireproto.Response{
			Type: wireproto.RespConnectInfo,
			ConnectInfo: &wireproto.ConnectInfoResponse{
				ProviderPeer: entry.ProviderPeer,
				ProviderAddr: entry.ProviderAddr,
				Port:         entry.Port,
			},
		}
	}
	return wireproto.Response{
		Type:            wireproto.RespRelayRouteReady,
		RelayRouteReady: &wireproto.RelayRouteReadyResponse{NextHop: req.RelayChain[0]},
	}
}

func policyErrorResponse(err error) wireproto.Response {
	switch {
	case errors.Is(err, authz.ErrPeerBanned):
		return wireproto.Err("peer 已被封禁")
	case errors.Is(err, authz.ErrPeerNotHandshaken):
		return wireproto.Err("peer 未握手")
	default:
		log.Warnf("policy check failed: %v", err)
		return wireproto.Err("读取 peer 失败: " + err.Error())
	}
}
