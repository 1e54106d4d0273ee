// Package wireproto defines the request/response wire messages and
// their JSON-over-stream codec. One request or response occupies
// exactly one logical libp2p stream: the writer marshals the message,
// writes it, then half-closes; the reader reads to end-of-stream, then
// unmarshals. Framing is length-independent, so messages never need a
// length prefix of their own.
package wireproto

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/portanet/porta/internal/registry"
)

const (
	// ReqProtocolID is the request/response protocol identifier.
	ReqProtocolID protocol.ID = "/porta/req/1"
	// StreamProtocolID is the tunnel/relay stream-plane protocol identifier.
	StreamProtocolID protocol.ID = "/porta/stream/1"
	// IdentifyProtocolID is advertised through the Identify behaviour so
	// peers can recognize compatible nodes.
	IdentifyProtocolID = "/porta/1.0"
)

// RequestType tags which variant a Request carries.
type RequestType string

const (
	ReqHello            RequestType = "Hello"
	ReqDiscoverServices RequestType = "DiscoverServices"
	ReqSubscribeService RequestType = "SubscribeService"
	ReqConnectService   RequestType = "ConnectService"
	ReqPublishService   RequestType = "PublishService"
	ReqUnpublishService RequestType = "UnpublishService"
	ReqBuildRelayRoute  RequestType = "BuildRelayRoute"
)

// ResponseType tags which variant a Response carries.
type ResponseType string

const (
	RespHelloAck        ResponseType = "HelloAck"
	RespServiceList     ResponseType = "ServiceList"
	RespConnectInfo     ResponseType = "ConnectInfo"
	RespRelayRouteReady ResponseType = "RelayRouteReady"
	RespAck             ResponseType = "Ack"
	RespError           ResponseType = "Error"
)

// HelloPayload is {node_id, role}, carried by both Hello and HelloAck.
type HelloPayload struct {
	NodeID string `json:"node_id"`
	Role   string `json:"role"`
}

// Request is the exhaustive sum type of outbound request variants.
// Exactly one payload field is populated, selected by Type.
type Request struct {
	Type RequestType `json:"type"`

	Hello            *HelloPayload                 `json:"hello,omitempty"`
	DiscoverServices *DiscoverServicesRequest      `json:"discover_services,omitempty"`
	SubscribeService *SubscriberRequest            `json:"subscribe_service,omitempty"`
	ConnectService   *SubscriberRequest            `json:"connect_service,omitempty"`
	PublishService   *registry.ServiceAnnouncement `json:"publish_service,omitempty"`
	UnpublishService *UnpublishServiceRequest      `json:"unpublish_service,omitempty"`
	BuildRelayRoute  *BuildRelayRouteRequest       `json:"build_relay_route,omitempty"`
}

type DiscoverServicesRequest struct {
	CommunityID string `json:"community_id"`
}

type SubscriberRequest struct {
	ServiceUUID    string `json:"service_uuid"`
	SubscriberPeer string `json:"subscriber_peer"`
}

type UnpublishServiceRequest struct {
	ServiceUUID string `json:"service_uuid"`
}

type BuildRelayRouteRequest struct {
	ServiceUUID   string   `json:"service_uuid"`
	RelayChain    []string `json:"relay_chain"`
	InitiatorPeer string   `json:"initiator_peer"`
}

// Response is the exhaustive sum type of response variants.
type Response struct {
	Type ResponseType `json:"type"`

	HelloAck        *HelloPayload            `json:"hello,omitempty"`
	ServiceList     *ServiceListResponse     `json:"service_list,omitempty"`
	ConnectInfo     *ConnectInfoResponse     `json:"connect_info,omitempty"`
	RelayRouteReady *RelayRouteReadyResponse `json:"relay_route_ready,omitempty"`
	Error           *ErrorResponse           `json:"error,omitempty"`
}

type ServiceListResponse struct {
	Services []registry.ServiceAnnouncement `json:"services"`
}

type ConnectInfoResponse struct {
	ProviderPeer string `json:"provider_peer"`
	ProviderAddr string `json:"provider_addr"`
	Port         int    `json:"port"`
}

type RelayRouteReadyResponse struct {
	NextHop string `json:"next_hop,omitempty"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}

// Ack builds the bare acknowledgement response.
func Ack() Response { return Response{Type: RespAck} }

// Err builds a typed error response carrying a human-readable message.
func Err(message string) Response {
	return Response{Type: RespError, Error: &ErrorResponse{Message: message}}
}

// halfCloser is satisfied by libp2p's network.Stream (and net.TCPConn via
// CloseWrite); writers that don't support half-close fall back to a plain
// write with no explicit termination signal beyond EOF on Close.
type halfCloser interface {
	CloseWrite() error
}

// WriteRequest marshals req to w and half-closes the write side.
func WriteRequest(w io.Writer, req Request) error {
	return writeAndHalfClose(w, req)
}

// WriteResponse marshals resp to w and half-closes the write side.
func WriteResponse(w io.Writer, resp Response) error {
	return writeAndHalfClose(w, resp)
}

func writeAndHalfClose(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if hc, ok := w.(halfCloser); ok {
		if err := hc.CloseWrite(); err != nil {
			return fmt.Errorf("half-close write side: %w", err)
		}
	}
	return nil
}

// ReadRequest reads r to end-of-stream and parses a Request.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	data, err := io.ReadAll(r)
	if err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// ReadResponse reads r to end-of-stream and parses a Response.
func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	data, err := io.ReadAll(r)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
