// Package proto defines the message envelopes exchanged on the aspia
// wire: the local IPC contract between the privileged service and the
// per-session UI helper, and the remote contract between router, hosts,
// and clients. Every message travels as a 4-byte big-endian length
// prefix followed by the encoded envelope.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/jurafish/aspia/internal/domain"
)

// UI-to-service message kinds.
const (
	KindHostIDRequest      = "host_id_request"
	KindCredentialsRequest = "credentials_request"
	KindConnectConfirm     = "connect_confirmation"
	KindKillClient         = "kill_client"
)

// Service-to-UI message kinds.
const (
	KindConnectEvent    = "connect_event"
	KindDisconnectEvent = "disconnect_event"
	KindCredentials     = "credentials"
	KindRouterState     = "router_state"
	KindHostID          = "host_id"
)

// UiToService is the envelope for every message the UI helper sends to
// the privileged service. Exactly one payload field matches Kind.
type UiToService struct {
	Kind                string               `json:"kind"`
	HostIDRequest       *HostIDRequest       `json:"host_id_request,omitempty"`
	CredentialsRequest  *CredentialsRequest  `json:"credentials_request,omitempty"`
	ConnectConfirmation *ConnectConfirmation `json:"connect_confirmation,omitempty"`
	KillClient          *KillClient          `json:"kill_client,omitempty"`
}

// ServiceToUi is the envelope for every message the service sends to
// the UI helper.
type ServiceToUi struct {
	Kind            string           `json:"kind"`
	ConnectEvent    *ConnectEvent    `json:"connect_event,omitempty"`
	DisconnectEvent *DisconnectEvent `json:"disconnect_event,omitempty"`
	Credentials     *Credentials     `json:"credentials,omitempty"`
	RouterState     *RouterStateMsg  `json:"router_state,omitempty"`
	HostID          *HostIDMsg       `json:"host_id,omitempty"`
}

// HostIDRequest asks the service to (re)resolve the host id for the
// helper's session.
type HostIDRequest struct {
	SessionName string `json:"session_name"`
}

// CredentialsRequest asks for a fresh one-time password.
type CredentialsRequest struct {
	NewPassword bool `json:"new_password"`
}

// ConnectConfirmation is the helper's answer to a connect prompt.
type ConnectConfirmation struct {
	ClientSessionID uint32 `json:"client_session_id"`
	Accept          bool   `json:"accept"`
}

// KillClient asks the service to terminate one client session.
type KillClient struct {
	ClientSessionID uint32 `json:"client_session_id"`
}

// ConnectEvent notifies the helper about a newly attached client.
type ConnectEvent struct {
	ClientSessionID uint32 `json:"client_session_id"`
	SessionKind     string `json:"session_kind"`
	Username        string `json:"username,omitempty"`
	RemoteAddr      string `json:"remote_addr,omitempty"`
}

// DisconnectEvent notifies the helper that a client session ended.
type DisconnectEvent struct {
	ClientSessionID uint32 `json:"client_session_id"`
}

// Credentials carries the host id and the current one-time password for
// display. The password never appears in logs.
type Credentials struct {
	HostID   domain.HostID `json:"host_id"`
	Password string        `json:"password"`
}

// RouterStateMsg forwards the router connection snapshot.
type RouterStateMsg struct {
	State domain.RouterState `json:"state"`
	// UpdateServer rides along so the helper can offer update checks;
	// the service itself never contacts it.
	UpdateServer string `json:"update_server,omitempty"`
}

// HostIDMsg forwards an issued host id.
type HostIDMsg struct {
	HostID domain.HostID `json:"host_id"`
}

// EncodeUiToService marshals an envelope after checking the payload
// matches the kind.
func EncodeUiToService(m UiToService) ([]byte, error) {
	if err := validateUiToService(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeUiToService unmarshals and validates an envelope received from
// the (less privileged) UI helper.
func DecodeUiToService(data []byte) (UiToService, error) {
	var m UiToService
	if err := json.Unmarshal(data, &m); err != nil {
		return UiToService{}, err
	}
	if err := validateUiToService(m); err != nil {
		return UiToService{}, err
	}
	return m, nil
}

// EncodeServiceToUi marshals a service-to-helper envelope.
func EncodeServiceToUi(m ServiceToUi) ([]byte, error) {
	if err := validateServiceToUi(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeServiceToUi unmarshals and validates a service-to-helper
// envelope.
func DecodeServiceToUi(data []byte) (ServiceToUi, error) {
	var m ServiceToUi
	if err := json.Unmarshal(data, &m); err != nil {
		return ServiceToUi{}, err
	}
	if err := validateServiceToUi(m); err != nil {
		return ServiceToUi{}, err
	}
	return m, nil
}

func validateUiToService(m UiToService) error {
	switch m.Kind {
	case KindHostIDRequest:
		if m.HostIDRequest == nil {
			return missingPayload(m.Kind)
		}
	case KindCredentialsRequest:
		if m.CredentialsRequest == nil {
			return missingPayload(m.Kind)
		}
	case KindConnectConfirm:
		if m.ConnectConfirmation == nil {
			return missingPayload(m.Kind)
		}
	case KindKillClient:
		if m.KillClient == nil {
			return missingPayload(m.Kind)
		}
	default:
		return fmt.Errorf("unexpected ui message kind %q", m.Kind)
	}
	return nil
}

func validateServiceToUi(m ServiceToUi) error {
	switch m.Kind {
	case KindConnectEvent:
		if m.ConnectEvent == nil {
			return missingPayload(m.Kind)
		}
	case KindDisconnectEvent:
		if m.DisconnectEvent == nil {
			return missingPayload(m.Kind)
		}
	case KindCredentials:
		if m.Credentials == nil {
			return missingPayload(m.Kind)
		}
	case KindRouterState:
		if m.RouterState == nil {
			return missingPayload(m.Kind)
		}
	case KindHostID:
		if m.HostID == nil {
			return missingPayload(m.Kind)
		}
	default:
		return fmt.Errorf("unexpected service message kind %q", m.Kind)
	}
	return nil
}

func missingPayload(kind string) error {
	return fmt.Errorf("message kind %q without payload", kind)
}
