package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/identkit/idagent/internal/channel"
	"github.com/identkit/idagent/internal/common"
	"github.com/identkit/idagent/internal/consent"
	"github.com/identkit/idagent/internal/identity"
	"github.com/identkit/idagent/internal/logging"
	"github.com/identkit/idagent/internal/vault"
)

// Handler routes validated request envelopes to the vault manager;
// privileged capability actions pass through the consent broker first.
type Handler struct {
	manager *vault.Manager
	broker  *consent.Broker
	logger  logging.Logger
}

func NewHandler(manager *vault.Manager, logger logging.Logger) *Handler {
	return &Handler{manager: manager, logger: logger.With("module", "handler")}
}

// Bind attaches the consent broker. The broker needs the handler's
// Dispatch and the handler needs the broker, so wiring happens in two
// steps.
func (h *Handler) Bind(broker *consent.Broker) {
	h.broker = broker
}

// Handle implements channel.Handler. Consent decisions resolve the
// broker directly; everything else is intercepted so privileged actions
// wait for the user.
func (h *Handler) Handle(ctx context.Context, env *channel.Envelope, respond func(*channel.Envelope)) {
	switch env.Action {
	case ActionConsentApprove, ActionConsentDeny:
		h.handleConsentDecision(ctx, env, respond)
	default:
		h.broker.Intercept(ctx, env, respond)
	}
}

func (h *Handler) handleConsentDecision(ctx context.Context, env *channel.Envelope, respond func(*channel.Envelope)) {
	var req consentDecisionRequest
	if err := decode(env.Payload, &req); err != nil {
		respond(channel.NewErrorResponse(env, err))
		return
	}
	if req.ConsentRequestID == "" {
		respond(channel.NewErrorResponse(env, fmt.Errorf("%w: consentRequestId required", common.ErrValidation)))
		return
	}

	if err := h.broker.Resolve(ctx, req.ConsentRequestID, env.Action == ActionConsentApprove); err != nil {
		respond(channel.NewErrorResponse(env, err))
		return
	}
	h.respondWith(env, respond, nil)
}

// Dispatch executes one approved or unprivileged action. Plugged into
// the consent broker as its dispatch function.
func (h *Handler) Dispatch(ctx context.Context, env *channel.Envelope, respond func(*channel.Envelope)) {
	result, err := h.execute(ctx, env)
	if err != nil {
		h.logger.Debug(ctx, "action failed", "action", env.Action, "error", err)
		respond(channel.NewErrorResponse(env, err))
		return
	}
	h.respondWith(env, respond, result)
}

func (h *Handler) execute(ctx context.Context, env *channel.Envelope) (any, error) {
	switch env.Action {

	case ActionVaultStatus:
		state, err := h.manager.State(ctx)
		if err != nil {
			return nil, err
		}
		return vaultStatusResponse{State: state}, nil

	case ActionVaultCreate:
		var req vaultCreateRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		mnemonic, err := h.manager.Create(ctx, []byte(req.Password))
		if err != nil {
			return nil, err
		}
		return vaultCreateResponse{Mnemonic: mnemonic}, nil

	case ActionVaultImport:
		var req vaultImportRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.manager.Import(ctx, req.Mnemonic, []byte(req.Password))

	case ActionVaultUnlock:
		var req vaultUnlockRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.manager.Unlock(ctx, []byte(req.Password))

	case ActionVaultLock:
		return nil, h.manager.Lock(ctx)

	case ActionVaultWipe:
		return nil, h.manager.Wipe(ctx)

	case ActionIdentityCreate:
		var req identityCreateRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		return h.manager.CreateIdentity(ctx, req.Profile, req.ClaimCode)

	case ActionIdentityRegister:
		var req identityRegisterRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		return h.manager.RegisterActiveIdentity(ctx, req.Profile, req.ClaimCode)

	case ActionIdentityRecover:
		added, err := h.manager.RecoverIdentities(ctx)
		if err != nil {
			return nil, err
		}
		return identityRecoverResponse{Added: added}, nil

	case ActionIdentityList:
		ids, err := h.manager.Identities(ctx)
		if err != nil {
			return nil, err
		}
		resp := identityListResponse{Identities: ids}
		if active, err := h.manager.ActiveIdentity(ctx); err == nil {
			resp.ActiveDID = active.DID
		}
		return resp, nil

	case ActionIdentitySetActive:
		var req identitySetActiveRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		return nil, h.manager.SetActiveIdentity(ctx, req.DID)

	case ActionConsentList:
		pending, err := h.broker.Pending(ctx)
		if err != nil {
			return nil, err
		}
		return pending, nil

	case ActionProfileRead:
		rec, err := h.manager.ActiveIdentity(ctx)
		if err != nil {
			return nil, err
		}
		return profileReadResponse{DID: rec.DID, Name: rec.ProfileName, PictureURL: rec.ProfilePictureURL}, nil

	case ActionProfileUpdate:
		var req profileUpdateRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		rec, err := h.manager.ActiveIdentity(ctx)
		if err != nil {
			return nil, err
		}
		return h.manager.UpdateIdentityProfile(ctx, rec.DID, identity.Profile{
			Name:       req.Name,
			PictureURL: req.PictureURL,
		})

	case ActionDataRead, ActionDataWrite:
		did, token, err := h.manager.TokenForActiveDID(ctx)
		if err != nil {
			return nil, err
		}
		return dataAccessResponse{DID: did, Token: token}, nil

	case ActionMessageSign:
		var req messageSignRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		msg, err := base64.StdEncoding.DecodeString(req.Message)
		if err != nil {
			return nil, fmt.Errorf("%w: message must be base64", common.ErrValidation)
		}
		did, sig, err := h.manager.SignWithActiveIdentity(ctx, msg)
		if err != nil {
			return nil, err
		}
		return messageSignResponse{DID: did, Signature: base64.StdEncoding.EncodeToString(sig)}, nil

	default:
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownAction, env.Action)
	}
}

func (h *Handler) respondWith(env *channel.Envelope, respond func(*channel.Envelope), payload any) {
	resp, err := channel.NewResponse(env, payload)
	if err != nil {
		respond(channel.NewErrorResponse(env, err))
		return
	}
	respond(resp)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload required", common.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return nil
}
