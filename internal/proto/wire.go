package proto

import (
	"encoding/json"
	"fmt"

	"github.com/jurafish/aspia/internal/domain"
)

// Router wire message kinds, exchanged after the peer handshake.
const (
	KindAuthenticate   = "authenticate"
	KindAuthResult     = "auth_result"
	KindRegisterHost   = "register_host"
	KindHostRegistered = "host_registered"
	KindConnectRequest = "connect_request"
	KindConnectResp    = "connect_response"
	KindRelayData      = "relay_data"
	KindPing           = "ping"
	KindPong           = "pong"
)

// Connect response codes.
const (
	ConnectOK          = "ok"
	ConnectNoHostFound = "no_host_found"
	ConnectHostOffline = "host_offline"
	ConnectLimit       = "limit_exceeded"
	ConnectDenied      = "access_denied"
)

// Message is the top-level envelope exchanged on a router peer channel.
// Exactly one payload field matches Kind; ping and pong carry none.
type Message struct {
	Kind           string          `json:"kind"`
	Authenticate   *Authenticate   `json:"authenticate,omitempty"`
	AuthResult     *AuthResult     `json:"auth_result,omitempty"`
	RegisterHost   *RegisterHost   `json:"register_host,omitempty"`
	HostRegistered *HostRegistered `json:"host_registered,omitempty"`
	ConnectRequest *ConnectRequest `json:"connect_request,omitempty"`
	ConnectResp    *ConnectResp    `json:"connect_response,omitempty"`
	RelayData      *RelayData      `json:"relay_data,omitempty"`
}

// Authenticate is sent by a client peer to prove a directory identity.
// Hosts do not send it: their identity is the handshake key digest.
type Authenticate struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResult reports the outcome of an Authenticate exchange. Failure
// is opaque: the reason is never differentiated on the wire.
type AuthResult struct {
	OK       bool   `json:"ok"`
	Sessions uint32 `json:"sessions,omitempty"`
}

// RegisterHost announces one of the host's user sessions to the
// router. The host's identity is the handshake key digest; the router
// derives the directory key hash from it and the session name, so a
// peer can never register under someone else's key.
type RegisterHost struct {
	SessionName string `json:"session_name"`
}

// HostRegistered carries the issued host id and the router snapshot.
type HostRegistered struct {
	SessionName string             `json:"session_name"`
	HostID      domain.HostID      `json:"host_id"`
	State       domain.RouterState `json:"state"`
}

// ConnectRequest asks the router to introduce the client to a host.
type ConnectRequest struct {
	HostID      domain.HostID `json:"host_id"`
	SessionKind string        `json:"session_kind"`
}

// ConnectResp answers a ConnectRequest on the client side and announces
// the rendezvous to the host side.
type ConnectResp struct {
	Code        string        `json:"code"`
	HostID      domain.HostID `json:"host_id,omitempty"`
	Token       string        `json:"token,omitempty"`
	SessionKind string        `json:"session_kind,omitempty"`
	Username    string        `json:"username,omitempty"`
}

// RelayData carries opaque relay bytes for an established rendezvous.
// The router forwards it without inspecting the payload. Closed marks
// the sender's end of the stream.
type RelayData struct {
	Token   string `json:"token"`
	Payload []byte `json:"payload,omitempty"`
	Closed  bool   `json:"closed,omitempty"`
}

// EncodeMessage marshals a router wire envelope.
func EncodeMessage(m Message) ([]byte, error) {
	if err := validateMessage(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage unmarshals and validates a router wire envelope.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if err := validateMessage(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func validateMessage(m Message) error {
	switch m.Kind {
	case KindAuthenticate:
		if m.Authenticate == nil {
			return missingPayload(m.Kind)
		}
	case KindAuthResult:
		if m.AuthResult == nil {
			return missingPayload(m.Kind)
		}
	case KindRegisterHost:
		if m.RegisterHost == nil {
			return missingPayload(m.Kind)
		}
		if m.RegisterHost.SessionName == "" {
			return fmt.Errorf("register_host without session name")
		}
	case KindHostRegistered:
		if m.HostRegistered == nil {
			return missingPayload(m.Kind)
		}
	case KindConnectRequest:
		if m.ConnectRequest == nil {
			return missingPayload(m.Kind)
		}
	case KindConnectResp:
		if m.ConnectResp == nil {
			return missingPayload(m.Kind)
		}
	case KindRelayData:
		if m.RelayData == nil {
			return missingPayload(m.Kind)
		}
	case KindPing, KindPong:
	default:
		return fmt.Errorf("unexpected wire message kind %q", m.Kind)
	}
	return nil
}
