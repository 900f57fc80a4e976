// Package consent gates privileged capability requests behind explicit
// user approval. A privileged request is parked, the UI is prompted,
// and only an approval re-dispatches the original request. No key
// material is read or staged while a request waits.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/identkit/idagent/internal/channel"
	"github.com/identkit/idagent/internal/common"
	"github.com/identkit/idagent/internal/logging"
	"github.com/identkit/idagent/internal/storage"
)

const pendingKeyPrefix = "consent/"

// PromptAction is the event action emitted when a request needs the
// user's decision.
const PromptAction = "consent.prompt"

// permissionsByAction is the closed allow-list of consent-gated
// actions. Anything not listed here dispatches directly.
var permissionsByAction = map[string][]string{
	"profile.read":   {"profile.read"},
	"profile.update": {"profile.update"},
	"data.read":      {"data.read"},
	"data.write":     {"data.write"},
	"message.sign":   {"message.sign"},
}

// Privileged reports whether action requires user consent.
func Privileged(action string) bool {
	_, ok := permissionsByAction[action]
	return ok
}

// PendingConsentRequest is the durable part of a parked request. It
// lives in the ephemeral store so a UI reload can re-render open
// prompts; the responder itself stays in process memory.
type PendingConsentRequest struct {
	ConsentRequestID string    `json:"consentRequestId"`
	RequestID        string    `json:"requestId"`
	AppID            string    `json:"appId"`
	Origin           string    `json:"origin"`
	Action           string    `json:"action"`
	Permissions      []string  `json:"permissions"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ConsentPrompt is the consent.prompt event payload: the pending
// record plus the active identity's public profile, so the UI can show
// the user which identity would be acting.
type ConsentPrompt struct {
	PendingConsentRequest
	ProfileName       string `json:"profileName"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

// Dispatch executes an approved (or unprivileged) request.
type Dispatch func(ctx context.Context, env *channel.Envelope, respond func(*channel.Envelope))

// EventSink publishes an event envelope to connected UIs.
type EventSink func(ctx context.Context, env *channel.Envelope)

// ProfileSource reports the active identity's public profile for the
// prompt. Public fields only; no key material is touched while a
// request waits.
type ProfileSource func(ctx context.Context) (name, pictureURL string)

// PendingStore is the ephemeral store for pending records plus key
// listing, so open prompts can be re-rendered from what is persisted.
type PendingStore interface {
	storage.Store
	Keys() []string
}

type parked struct {
	env     *channel.Envelope
	respond func(*channel.Envelope)
}

// Broker intercepts requests on their way to the dispatcher and holds
// the privileged ones until the user decides.
type Broker struct {
	pending  PendingStore
	dispatch Dispatch
	events   EventSink
	profile  ProfileSource
	logger   logging.Logger
	now      func() time.Time

	mu     sync.Mutex
	parked map[string]parked
}

func NewBroker(pending PendingStore, dispatch Dispatch, events EventSink, profile ProfileSource, logger logging.Logger) *Broker {
	return &Broker{
		pending:  pending,
		dispatch: dispatch,
		events:   events,
		profile:  profile,
		logger:   logger.With("module", "consent"),
		now:      time.Now,
		parked:   map[string]parked{},
	}
}

// Intercept routes one request. Unprivileged actions dispatch
// immediately; privileged ones are persisted, parked and announced
// with a consent.prompt event.
func (b *Broker) Intercept(ctx context.Context, env *channel.Envelope, respond func(*channel.Envelope)) {
	perms, privileged := permissionsByAction[env.Action]
	if !privileged {
		b.dispatch(ctx, env, respond)
		return
	}

	req := PendingConsentRequest{
		ConsentRequestID: uuid.NewString(),
		RequestID:        env.RequestID,
		AppID:            env.AppID,
		Origin:           env.Origin,
		Action:           env.Action,
		Permissions:      perms,
		CreatedAt:        b.now().UTC(),
	}

	raw, err := json.Marshal(req)
	if err != nil {
		respond(channel.NewErrorResponse(env, err))
		return
	}
	if err := b.pending.Set(ctx, pendingKeyPrefix+req.ConsentRequestID, raw); err != nil {
		respond(channel.NewErrorResponse(env, err))
		return
	}

	b.mu.Lock()
	b.parked[req.ConsentRequestID] = parked{env: env, respond: respond}
	b.mu.Unlock()

	b.logger.Info(ctx, "consent requested",
		"consentRequestId", req.ConsentRequestID,
		"action", req.Action, "origin", req.Origin)

	p := ConsentPrompt{PendingConsentRequest: req}
	if b.profile != nil {
		p.ProfileName, p.ProfilePictureURL = b.profile(ctx)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		payload = raw
	}

	prompt := &channel.Envelope{Type: channel.TypeEvent, Action: PromptAction, Payload: payload}
	b.events(ctx, prompt)
}

// Resolve settles one pending request. Approval re-dispatches the
// original envelope; denial answers it with ConsentDenied. Unknown ids
// return ErrConsentNotFound.
func (b *Broker) Resolve(ctx context.Context, consentRequestID string, approved bool) error {
	key := pendingKeyPrefix + consentRequestID
	if _, err := b.pending.Get(ctx, key); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrConsentNotFound
		}
		return err
	}
	if err := b.pending.Delete(ctx, key); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}

	b.mu.Lock()
	p, ok := b.parked[consentRequestID]
	delete(b.parked, consentRequestID)
	b.mu.Unlock()

	if !ok {
		// The record survived a reload but the requesting stream did
		// not. Nothing to answer.
		b.logger.Warn(ctx, "consent resolved with no waiting requester",
			"consentRequestId", consentRequestID)
		return nil
	}

	if !approved {
		b.logger.Info(ctx, "consent denied", "consentRequestId", consentRequestID, "action", p.env.Action)
		p.respond(channel.NewErrorResponse(p.env, common.ErrConsentDenied))
		return nil
	}

	b.logger.Info(ctx, "consent approved", "consentRequestId", consentRequestID, "action", p.env.Action)
	b.dispatch(ctx, p.env, p.respond)
	return nil
}

// Expire denies every parked request older than maxAge. Returns the
// number of requests swept.
func (b *Broker) Expire(ctx context.Context, maxAge time.Duration) int {
	cutoff := b.now().Add(-maxAge)

	b.mu.Lock()
	ids := make([]string, 0, len(b.parked))
	for id := range b.parked {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	swept := 0
	for _, id := range ids {
		raw, err := b.pending.Get(ctx, pendingKeyPrefix+id)
		if err != nil {
			continue
		}
		var req PendingConsentRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		if !req.CreatedAt.Before(cutoff) {
			continue
		}
		if err := b.Resolve(ctx, id, false); err == nil {
			swept++
		}
	}
	if swept > 0 {
		b.logger.Info(ctx, "expired pending consents", "count", swept)
	}
	return swept
}

// Pending lists the persisted records of requests still waiting for a
// decision, for UIs re-rendering after a reload. The store is the
// source of truth: records whose requesting stream died still show up
// until they are resolved or expired.
func (b *Broker) Pending(ctx context.Context) ([]PendingConsentRequest, error) {
	out := []PendingConsentRequest{}
	for _, key := range b.pending.Keys() {
		if !strings.HasPrefix(key, pendingKeyPrefix) {
			continue
		}
		raw, err := b.pending.Get(ctx, key)
		if err != nil {
			continue
		}
		var req PendingConsentRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("corrupt pending consent %s: %w", key, err)
		}
		out = append(out, req)
	}
	return out, nil
}
