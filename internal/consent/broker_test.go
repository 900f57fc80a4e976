package consent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/identkit/idagent/internal/channel"
	"github.com/identkit/idagent/internal/common"
	"github.com/identkit/idagent/internal/logging"
	"github.com/identkit/idagent/internal/storage"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// harness collects everything a broker touches, so tests can assert
// what was dispatched, responded and announced.
type harness struct {
	broker *Broker
	store  *storage.MemStore

	mu         sync.Mutex
	dispatched []*channel.Envelope
	responses  []*channel.Envelope
	events     []*channel.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemStore()}
	dispatch := func(ctx context.Context, env *channel.Envelope, respond func(*channel.Envelope)) {
		h.mu.Lock()
		h.dispatched = append(h.dispatched, env)
		h.mu.Unlock()
		resp, err := channel.NewResponse(env, nil)
		require.NoError(t, err)
		respond(resp)
	}
	events := func(ctx context.Context, env *channel.Envelope) {
		h.mu.Lock()
		h.events = append(h.events, env)
		h.mu.Unlock()
	}
	profile := func(ctx context.Context) (string, string) {
		return "Account 1", "https://pics.example/1.png"
	}
	h.broker = NewBroker(h.store, dispatch, events, profile, testLogger())
	return h
}

func (h *harness) respond(env *channel.Envelope) {
	h.mu.Lock()
	h.responses = append(h.responses, env)
	h.mu.Unlock()
}

func (h *harness) promptID(t *testing.T) string {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.events)
	var req PendingConsentRequest
	require.NoError(t, json.Unmarshal(h.events[len(h.events)-1].Payload, &req))
	return req.ConsentRequestID
}

func request(action string) *channel.Envelope {
	return &channel.Envelope{
		Type:      channel.TypeRequest,
		Action:    action,
		RequestID: "req-1",
		AppID:     "app-1",
		Origin:    "https://app.example",
	}
}

func TestPrivileged(t *testing.T) {
	for _, action := range []string{"profile.read", "profile.update", "data.read", "data.write", "message.sign"} {
		require.True(t, Privileged(action), action)
	}
	for _, action := range []string{"vault.unlock", "vault.status", "identity.list", ""} {
		require.False(t, Privileged(action), action)
	}
}

func TestIntercept_UnprivilegedDispatchesDirectly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.broker.Intercept(ctx, request("vault.status"), h.respond)

	require.Len(t, h.dispatched, 1)
	require.Len(t, h.responses, 1)
	require.Empty(t, h.events, "no prompt for unprivileged actions")
}

func TestIntercept_PrivilegedParksAndPrompts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.broker.Intercept(ctx, request("message.sign"), h.respond)

	require.Empty(t, h.dispatched, "nothing dispatched before approval")
	require.Empty(t, h.responses, "requester still waiting")
	require.Len(t, h.events, 1)
	require.Equal(t, PromptAction, h.events[0].Action)

	var prompt ConsentPrompt
	require.NoError(t, json.Unmarshal(h.events[0].Payload, &prompt))
	require.Equal(t, "req-1", prompt.RequestID)
	require.Equal(t, "app-1", prompt.AppID)
	require.Equal(t, "https://app.example", prompt.Origin)
	require.Equal(t, []string{"message.sign"}, prompt.Permissions)
	require.False(t, prompt.CreatedAt.IsZero())

	// The prompt carries the active identity's public profile so the
	// user sees who would be acting.
	require.Equal(t, "Account 1", prompt.ProfileName)
	require.Equal(t, "https://pics.example/1.png", prompt.ProfilePictureURL)

	// The record is persisted so a reloaded UI can re-render it.
	pending, err := h.broker.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, prompt.ConsentRequestID, pending[0].ConsentRequestID)
}

func TestResolve_ApprovalDispatchesOriginal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	env := request("profile.read")
	h.broker.Intercept(ctx, env, h.respond)

	require.NoError(t, h.broker.Resolve(ctx, h.promptID(t), true))

	require.Len(t, h.dispatched, 1)
	require.Equal(t, env, h.dispatched[0])
	require.Len(t, h.responses, 1)
	require.Equal(t, channel.TypeResponse, h.responses[0].Type)

	pending, err := h.broker.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestResolve_DenialAnswersConsentDenied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.broker.Intercept(ctx, request("data.write"), h.respond)

	require.NoError(t, h.broker.Resolve(ctx, h.promptID(t), false))

	require.Empty(t, h.dispatched)
	require.Len(t, h.responses, 1)
	require.Equal(t, channel.TypeResponseError, h.responses[0].Type)
	require.ErrorIs(t, h.responses[0].Error.Err(), common.ErrConsentDenied)
}

func TestResolve_UnknownID(t *testing.T) {
	h := newHarness(t)
	err := h.broker.Resolve(context.Background(), "no-such-id", true)
	require.ErrorIs(t, err, common.ErrConsentNotFound)
}

func TestResolve_SecondDecisionFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.broker.Intercept(ctx, request("profile.update"), h.respond)
	id := h.promptID(t)

	require.NoError(t, h.broker.Resolve(ctx, id, false))
	require.ErrorIs(t, h.broker.Resolve(ctx, id, true), common.ErrConsentNotFound)
	require.Len(t, h.responses, 1, "the requester is answered exactly once")
}

func TestPending_ListsFromStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.broker.Intercept(ctx, request("data.read"), h.respond)
	id := h.promptID(t)

	// Unrelated session keys must not leak into the listing.
	require.NoError(t, h.store.Set(ctx, "session/current", []byte(`{}`)))

	// A record whose requesting stream died is still listed until it
	// is resolved or expired.
	h.broker.mu.Lock()
	delete(h.broker.parked, id)
	h.broker.mu.Unlock()

	pending, err := h.broker.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ConsentRequestID)
}

func TestExpire_SweepsOldRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	old := time.Now().Add(-time.Hour)
	h.broker.now = func() time.Time { return old }
	h.broker.Intercept(ctx, request("message.sign"), h.respond)

	h.broker.now = time.Now
	h.broker.Intercept(ctx, &channel.Envelope{
		Type: channel.TypeRequest, Action: "message.sign", RequestID: "req-2",
	}, h.respond)

	swept := h.broker.Expire(ctx, 10*time.Minute)
	require.Equal(t, 1, swept)

	require.Len(t, h.responses, 1)
	require.ErrorIs(t, h.responses[0].Error.Err(), common.ErrConsentDenied)

	pending, err := h.broker.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the fresh request survives the sweep")
}
