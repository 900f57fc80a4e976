// Package channel carries envelopes between application contexts and
// the agent over a persistent bidirectional grpc stream. The wire
// format is JSON: every message is an Envelope, correlated by request
// id, so a semi-trusted relay can route traffic without understanding
// payloads.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/identkit/idagent/internal/common"
)

// Envelope types. The set is closed; anything else is rejected at the
// trust boundary.
const (
	TypeRequest       = "request"
	TypeResponse      = "response"
	TypeResponseError = "response_error"
	TypeEvent         = "event"
)

// Wire error kinds. Stable identifiers shared with non-Go peers.
const (
	KindNoVault              = "NO_VAULT"
	KindVaultExists          = "VAULT_EXISTS"
	KindVaultLocked          = "VAULT_LOCKED"
	KindVaultCorrupted       = "VAULT_CORRUPTED"
	KindWrongPassword        = "WRONG_PASSWORD"
	KindWeakPassword         = "WEAK_PASSWORD"
	KindInvalidMnemonic      = "INVALID_MNEMONIC"
	KindIdentityNotFound     = "IDENTITY_NOT_FOUND"
	KindIdentityNotActive    = "IDENTITY_NOT_ACTIVE"
	KindNotAuthenticated     = "NOT_AUTHENTICATED"
	KindRegistrationConflict = "REGISTRATION_CONFLICT"
	KindValidation           = "VALIDATION"
	KindNetwork              = "NETWORK"
	KindConsentDenied        = "CONSENT_DENIED"
	KindConsentNotFound      = "CONSENT_NOT_FOUND"
	KindUnknownAction        = "UNKNOWN_ACTION"
	KindInvalidEnvelope      = "INVALID_ENVELOPE"
	KindAgentUnavailable     = "AGENT_UNAVAILABLE"
	KindInternal             = "INTERNAL"
)

// ErrorInfo is the machine-readable error carried by a response_error
// envelope.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// Envelope is the single message shape on the channel. Payload stays
// opaque to the relay.
type Envelope struct {
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	AppID     string          `json:"appId,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// Validate enforces the envelope contract. Called on every inbound
// message before anything else looks at it.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRequest:
		if e.Action == "" {
			return fmt.Errorf("%w: request without action", common.ErrInvalidEnvelope)
		}
		if e.RequestID == "" {
			return fmt.Errorf("%w: request without request id", common.ErrInvalidEnvelope)
		}
	case TypeResponse:
		if e.RequestID == "" {
			return fmt.Errorf("%w: response without request id", common.ErrInvalidEnvelope)
		}
	case TypeResponseError:
		if e.RequestID == "" {
			return fmt.Errorf("%w: error response without request id", common.ErrInvalidEnvelope)
		}
		if e.Error == nil || e.Error.Kind == "" {
			return fmt.Errorf("%w: error response without error info", common.ErrInvalidEnvelope)
		}
	case TypeEvent:
		if e.Action == "" {
			return fmt.Errorf("%w: event without action", common.ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", common.ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// NewRequest builds a request envelope with a JSON-encoded payload.
func NewRequest(action, requestID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: TypeRequest, Action: action, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// NewResponse builds the success response to req.
func NewResponse(req *Envelope, payload any) (*Envelope, error) {
	env := &Envelope{Type: TypeResponse, Action: req.Action, RequestID: req.RequestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// NewErrorResponse builds the error response to req from a Go error.
func NewErrorResponse(req *Envelope, err error) *Envelope {
	return &Envelope{
		Type:      TypeResponseError,
		Action:    req.Action,
		RequestID: req.RequestID,
		Error:     &ErrorInfo{Kind: WireKind(err), Message: err.Error()},
	}
}

var kindByErr = []struct {
	err  error
	kind string
}{
	{common.ErrNoVault, KindNoVault},
	{common.ErrVaultExists, KindVaultExists},
	{common.ErrVaultLocked, KindVaultLocked},
	{common.ErrVaultCorrupted, KindVaultCorrupted},
	{common.ErrWrongPassword, KindWrongPassword},
	{common.ErrWeakPassword, KindWeakPassword},
	{common.ErrInvalidMnemonic, KindInvalidMnemonic},
	{common.ErrIdentityNotFound, KindIdentityNotFound},
	{common.ErrIdentityNotActive, KindIdentityNotActive},
	{common.ErrNotAuthenticated, KindNotAuthenticated},
	{common.ErrRegistrationConflict, KindRegistrationConflict},
	{common.ErrValidation, KindValidation},
	{common.ErrNetwork, KindNetwork},
	{common.ErrConsentDenied, KindConsentDenied},
	{common.ErrConsentNotFound, KindConsentNotFound},
	{common.ErrUnknownAction, KindUnknownAction},
	{common.ErrInvalidEnvelope, KindInvalidEnvelope},
	{common.ErrAgentUnavailable, KindAgentUnavailable},
}

// WireKind maps an error to its wire kind. Unrecognized errors come
// out as INTERNAL so internals never leak a type name across the
// boundary.
func WireKind(err error) string {
	for _, m := range kindByErr {
		if errors.Is(err, m.err) {
			return m.kind
		}
	}
	return KindInternal
}

// Err converts wire error info back to a sentinel-wrapped error, so
// callers on the client side can use errors.Is the same way they would
// against a local call.
func (i *ErrorInfo) Err() error {
	for _, m := range kindByErr {
		if i.Kind == m.kind {
			if i.Message != "" && i.Message != m.err.Error() {
				return fmt.Errorf("%w: %s", m.err, i.Message)
			}
			return m.err
		}
	}
	if i.Message != "" {
		return fmt.Errorf("agent error %s: %s", i.Kind, i.Message)
	}
	return fmt.Errorf("agent error %s", i.Kind)
}
