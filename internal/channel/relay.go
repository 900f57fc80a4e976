package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/identkit/idagent/internal/common"
	"github.com/identkit/idagent/internal/logging"
)

const eventBuffer = 16

// Relay is the client side of the channel: a semi-trusted bridge that
// forwards requests to the agent and fans responses back to the
// matching waiter by request id. It connects lazily on the first
// request. When the stream drops, each in-flight request is resent on
// a fresh stream exactly once; a second failure completes it with
// ErrAgentUnavailable.
type Relay struct {
	address string
	logger  logging.Logger

	mu      sync.Mutex
	conn    *grpc.ClientConn
	stream  Stream
	gen     int
	pending map[string]*pendingCall
	events  chan *Envelope
	closed  bool
}

type pendingCall struct {
	env    *Envelope
	done   chan callResult
	resent bool
}

type callResult struct {
	env *Envelope
	err error
}

func NewRelay(address string, logger logging.Logger) *Relay {
	return &Relay{
		address: address,
		logger:  logger.With("module", "relay"),
		pending: map[string]*pendingCall{},
		events:  make(chan *Envelope, eventBuffer),
	}
}

// Events returns the stream of unsolicited event envelopes pushed by
// the agent (consent prompts, state changes). Slow consumers lose
// events rather than blocking the reader.
func (r *Relay) Events() <-chan *Envelope {
	return r.events
}

// Request sends a request envelope and blocks until the correlated
// response arrives, the context is done, or delivery becomes
// impossible. A missing request id is assigned. Error responses from
// the agent are returned as envelopes, not errors; transport failures
// are errors.
func (r *Relay) Request(ctx context.Context, env *Envelope) (*Envelope, error) {
	if env.Type == "" {
		env.Type = TypeRequest
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	pc := &pendingCall{env: env, done: make(chan callResult, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, common.ErrAgentUnavailable
	}
	if err := r.ensureStreamLocked(); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", common.ErrAgentUnavailable, err)
	}
	if _, dup := r.pending[env.RequestID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate request id %s", common.ErrInvalidEnvelope, env.RequestID)
	}
	r.pending[env.RequestID] = pc
	stream := r.stream
	gen := r.gen
	r.mu.Unlock()

	if err := stream.Send(env); err != nil {
		r.streamFailed(gen, err)
	}

	select {
	case res := <-pc.done:
		return res.env, res.err
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, env.RequestID)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close tears the connection down and fails all in-flight requests.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.stream = nil
	calls := r.takePendingLocked()
	r.mu.Unlock()

	for _, pc := range calls {
		pc.done <- callResult{err: common.ErrAgentUnavailable}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ensureStreamLocked lazily dials and opens the stream. Callers hold
// r.mu. The stream uses a background context: it outlives any single
// request.
func (r *Relay) ensureStreamLocked() error {
	if r.stream != nil {
		return nil
	}
	if r.conn == nil {
		conn, err := grpc.NewClient(r.address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
		if err != nil {
			return err
		}
		r.conn = conn
	}

	stream, err := openStream(context.Background(), r.conn)
	if err != nil {
		return err
	}
	r.stream = stream
	r.gen++
	go r.read(r.gen, stream)
	return nil
}

// read pumps one stream until it fails, delivering responses to their
// waiters and events to the subscriber channel.
func (r *Relay) read(gen int, stream Stream) {
	for {
		env, err := stream.Recv()
		if err != nil {
			r.streamFailed(gen, err)
			return
		}
		if verr := env.Validate(); verr != nil {
			r.logger.Warn(context.Background(), "invalid envelope from agent", "error", verr)
			continue
		}

		switch env.Type {
		case TypeResponse, TypeResponseError:
			r.mu.Lock()
			pc := r.pending[env.RequestID]
			delete(r.pending, env.RequestID)
			r.mu.Unlock()
			if pc == nil {
				r.logger.Debug(context.Background(), "response for unknown request", "requestId", env.RequestID)
				continue
			}
			pc.done <- callResult{env: env}
		case TypeEvent:
			select {
			case r.events <- env:
			default:
				r.logger.Warn(context.Background(), "event dropped, subscriber too slow", "action", env.Action)
			}
		}
	}
}

// streamFailed handles one stream generation's death: requests that
// were already resent once fail with ErrAgentUnavailable, the rest are
// resent on a fresh stream. Concurrent failure reports for the same
// generation collapse into one recovery.
func (r *Relay) streamFailed(gen int, cause error) {
	r.mu.Lock()
	if r.closed || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.stream = nil

	var resend, failed []*pendingCall
	for id, pc := range r.pending {
		if pc.resent {
			delete(r.pending, id)
			failed = append(failed, pc)
			continue
		}
		pc.resent = true
		resend = append(resend, pc)
	}

	if len(resend) == 0 {
		// Nothing in flight: reconnect lazily on the next request.
		r.mu.Unlock()
		r.failCalls(failed)
		return
	}

	r.logger.Warn(context.Background(), "channel stream lost, reconnecting",
		"error", cause, "inflight", len(resend))

	if err := r.ensureStreamLocked(); err != nil {
		for id := range r.pending {
			delete(r.pending, id)
		}
		r.mu.Unlock()
		r.failCalls(failed)
		r.failCalls(resend)
		return
	}
	stream := r.stream
	r.mu.Unlock()

	r.failCalls(failed)
	for _, pc := range resend {
		if err := stream.Send(pc.env); err != nil {
			r.mu.Lock()
			delete(r.pending, pc.env.RequestID)
			r.mu.Unlock()
			pc.done <- callResult{err: fmt.Errorf("%w: %v", common.ErrAgentUnavailable, err)}
		}
	}
}

func (r *Relay) failCalls(calls []*pendingCall) {
	for _, pc := range calls {
		pc.done <- callResult{err: common.ErrAgentUnavailable}
	}
}

// takePendingLocked empties the pending map. Callers hold r.mu.
func (r *Relay) takePendingLocked() []*pendingCall {
	calls := make([]*pendingCall, 0, len(r.pending))
	for id, pc := range r.pending {
		delete(r.pending, id)
		calls = append(calls, pc)
	}
	return calls
}
