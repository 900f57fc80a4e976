package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/identkit/idagent/internal/common"
	"github.com/identkit/idagent/internal/logging"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"request ok", Envelope{Type: TypeRequest, Action: "vault.status", RequestID: "r1"}, true},
		{"request no action", Envelope{Type: TypeRequest, RequestID: "r1"}, false},
		{"request no id", Envelope{Type: TypeRequest, Action: "vault.status"}, false},
		{"response ok", Envelope{Type: TypeResponse, RequestID: "r1"}, true},
		{"response no id", Envelope{Type: TypeResponse}, false},
		{"error ok", Envelope{Type: TypeResponseError, RequestID: "r1", Error: &ErrorInfo{Kind: KindInternal}}, true},
		{"error without info", Envelope{Type: TypeResponseError, RequestID: "r1"}, false},
		{"error empty kind", Envelope{Type: TypeResponseError, RequestID: "r1", Error: &ErrorInfo{}}, false},
		{"event ok", Envelope{Type: TypeEvent, Action: "consent.prompt"}, true},
		{"event no action", Envelope{Type: TypeEvent}, false},
		{"unknown type", Envelope{Type: "rpc"}, false},
		{"empty type", Envelope{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, common.ErrInvalidEnvelope)
			}
		})
	}
}

func TestErrorKindRoundTrip(t *testing.T) {
	for _, m := range kindByErr {
		require.Equal(t, m.kind, WireKind(m.err))
		info := ErrorInfo{Kind: m.kind, Message: m.err.Error()}
		require.ErrorIs(t, info.Err(), m.err)
	}

	// Unknown errors never leak their type across the wire.
	require.Equal(t, KindInternal, WireKind(errors.New("sql: connection reset")))

	// Unknown kinds still come back as usable errors.
	err := (&ErrorInfo{Kind: "FUTURE_KIND", Message: "hm"}).Err()
	require.Error(t, err)
}

// echoHandler responds with the request payload.
type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, env *Envelope, respond func(*Envelope)) {
	resp, _ := NewResponse(env, json.RawMessage(env.Payload))
	respond(resp)
}

// startServer serves on an ephemeral port and returns its address.
func startServer(t *testing.T, h Handler) (string, *Server) {
	t.Helper()
	listen, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(listen.Addr().String(), h, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, listen) }()
	return listen.Addr().String(), srv
}

func TestRelayRequestResponse(t *testing.T) {
	addr, _ := startServer(t, echoHandler{})

	relay := NewRelay(addr, testLogger())
	defer relay.Close()

	env, err := NewRequest("ping", "", map[string]string{"n": "1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := relay.Request(ctx, env)
	require.NoError(t, err)
	require.Equal(t, TypeResponse, resp.Type)
	require.Equal(t, env.RequestID, resp.RequestID)
	require.JSONEq(t, `{"n":"1"}`, string(resp.Payload))
}

func TestRelayCorrelatesConcurrentRequests(t *testing.T) {
	addr, _ := startServer(t, echoHandler{})

	relay := NewRelay(addr, testLogger())
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := NewRequest("echo", "", map[string]int{"i": i})
			if err != nil {
				errs <- err
				return
			}
			resp, err := relay.Request(ctx, env)
			if err != nil {
				errs <- err
				return
			}
			var got map[string]int
			if err := json.Unmarshal(resp.Payload, &got); err != nil {
				errs <- err
				return
			}
			if got["i"] != i {
				errs <- fmt.Errorf("request %d got response %d", i, got["i"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestRelayReceivesBroadcastEvents(t *testing.T) {
	addr, srv := startServer(t, echoHandler{})

	relay := NewRelay(addr, testLogger())
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First request establishes the stream.
	env, err := NewRequest("ping", "", nil)
	require.NoError(t, err)
	_, err = relay.Request(ctx, env)
	require.NoError(t, err)

	srv.Broadcast(ctx, &Envelope{Type: TypeEvent, Action: "consent.prompt"})

	select {
	case got := <-relay.Events():
		require.Equal(t, TypeEvent, got.Type)
		require.Equal(t, "consent.prompt", got.Action)
	case <-ctx.Done():
		t.Fatal("event never arrived")
	}
}

func TestRelayErrorResponsesAreEnvelopes(t *testing.T) {
	addr, _ := startServer(t, handlerFunc(func(ctx context.Context, env *Envelope, respond func(*Envelope)) {
		respond(NewErrorResponse(env, common.ErrVaultLocked))
	}))

	relay := NewRelay(addr, testLogger())
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env, err := NewRequest("vault.lock", "", nil)
	require.NoError(t, err)
	resp, err := relay.Request(ctx, env)
	require.NoError(t, err)
	require.Equal(t, TypeResponseError, resp.Type)
	require.ErrorIs(t, resp.Error.Err(), common.ErrVaultLocked)
}

type handlerFunc func(ctx context.Context, env *Envelope, respond func(*Envelope))

func (f handlerFunc) Handle(ctx context.Context, env *Envelope, respond func(*Envelope)) {
	f(ctx, env, respond)
}

// flakyAgent kills the stream for the first drops requests, then
// answers normally. Plugged straight into grpc to exercise the relay's
// reconnect path.
type flakyAgent struct {
	drops int32
}

func (a *flakyAgent) Channel(s Stream) error {
	for {
		env, err := s.Recv()
		if err != nil {
			return err
		}
		if atomic.AddInt32(&a.drops, -1) >= 0 {
			return errors.New("stream torn down")
		}
		resp, err := NewResponse(env, nil)
		if err != nil {
			return err
		}
		if err := s.Send(resp); err != nil {
			return err
		}
	}
}

func startFlakyAgent(t *testing.T, drops int32) string {
	t.Helper()
	listen, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, &flakyAgent{drops: drops})
	go func() { _ = srv.Serve(listen) }()
	t.Cleanup(srv.Stop)
	return listen.Addr().String()
}

func TestRelayResendsOnceAfterStreamDrop(t *testing.T) {
	addr := startFlakyAgent(t, 1)

	relay := NewRelay(addr, testLogger())
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env, err := NewRequest("ping", "", nil)
	require.NoError(t, err)

	// First stream dies with the request unanswered; the relay resends
	// on a fresh stream and that one succeeds.
	resp, err := relay.Request(ctx, env)
	require.NoError(t, err)
	require.Equal(t, TypeResponse, resp.Type)
	require.Equal(t, env.RequestID, resp.RequestID)
}

func TestRelayGivesUpAfterSecondDrop(t *testing.T) {
	addr := startFlakyAgent(t, 2)

	relay := NewRelay(addr, testLogger())
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env, err := NewRequest("ping", "", nil)
	require.NoError(t, err)

	_, err = relay.Request(ctx, env)
	require.ErrorIs(t, err, common.ErrAgentUnavailable)

	// The relay itself recovers: the next request gets a fresh stream.
	env2, err := NewRequest("ping", "", nil)
	require.NoError(t, err)
	resp, err := relay.Request(ctx, env2)
	require.NoError(t, err)
	require.Equal(t, TypeResponse, resp.Type)
}

func TestRelayRejectsRequestsAfterClose(t *testing.T) {
	addr, _ := startServer(t, echoHandler{})

	relay := NewRelay(addr, testLogger())
	require.NoError(t, relay.Close())

	env, err := NewRequest("ping", "", nil)
	require.NoError(t, err)
	_, err = relay.Request(context.Background(), env)
	require.ErrorIs(t, err, common.ErrAgentUnavailable)
}

func TestRelayValidatesBeforeSending(t *testing.T) {
	addr, _ := startServer(t, echoHandler{})

	relay := NewRelay(addr, testLogger())
	defer relay.Close()

	_, err := relay.Request(context.Background(), &Envelope{Type: TypeRequest, RequestID: "r1"})
	require.ErrorIs(t, err, common.ErrInvalidEnvelope)
}

func TestServerRejectsInvalidEnvelope(t *testing.T) {
	addr, _ := startServer(t, echoHandler{})

	// Bypass the relay's own validation with a raw stream.
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := openStream(ctx, conn)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&Envelope{Type: TypeRequest, RequestID: "r1"}))

	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, TypeResponseError, resp.Type)
	require.Equal(t, "r1", resp.RequestID)
	require.Equal(t, KindInvalidEnvelope, resp.Error.Kind)
}
