package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/identkit/idagent/internal/logging"
)

// Handler processes a validated request envelope. respond must be
// called exactly once with the response; it may be called after Handle
// returns (consent-gated actions respond only once the user decides).
type Handler interface {
	Handle(ctx context.Context, env *Envelope, respond func(*Envelope))
}

// Server is the agent side of the channel. It accepts relay streams,
// validates inbound envelopes, hands requests to the Handler and
// pushes broadcast events to every connected relay.
type Server struct {
	address string
	handler Handler
	logger  logging.Logger

	mu      sync.Mutex
	streams map[*streamWriter]struct{}
}

// streamWriter serializes writes to one stream. grpc allows a single
// concurrent sender per stream, and responses arrive from handler
// goroutines as well as Broadcast.
type streamWriter struct {
	mu     sync.Mutex
	stream Stream
}

func (w *streamWriter) send(env *Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream.Send(env)
}

func NewServer(address string, handler Handler, logger logging.Logger) *Server {
	return &Server{
		address: address,
		handler: handler,
		logger:  logger.With("module", "channel_server"),
		streams: map[*streamWriter]struct{}{},
	}
}

// Run listens on the configured address and serves until ctx is
// cancelled, then stops gracefully.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve runs the grpc server on an existing listener. Split from Run
// so tests can serve on an ephemeral port.
func (s *Server) Serve(ctx context.Context, listen net.Listener) error {
	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "stopping channel server")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "starting channel server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil {
		return err
	}
	return nil
}

// Channel handles one relay stream for its whole lifetime.
func (s *Server) Channel(stream Stream) error {
	w := &streamWriter{stream: stream}

	s.mu.Lock()
	s.streams[w] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.streams, w)
		s.mu.Unlock()
	}()

	ctx := stream.Context()
	s.logger.Debug(ctx, "relay connected")

	for {
		env, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug(ctx, "relay disconnected")
				return nil
			}
			return err
		}

		if err := env.Validate(); err != nil {
			s.logger.Warn(ctx, "invalid envelope", "error", err)
			if env.RequestID != "" {
				_ = w.send(NewErrorResponse(env, err))
			}
			continue
		}

		if env.Type != TypeRequest {
			// Relays only originate requests. Anything else is dropped
			// after validation so a misbehaving relay cannot wedge us.
			s.logger.Warn(ctx, "unexpected envelope type from relay", "type", env.Type)
			continue
		}

		req := env
		go s.handler.Handle(ctx, req, func(resp *Envelope) {
			if err := w.send(resp); err != nil {
				s.logger.Warn(ctx, "response write failed",
					"requestId", req.RequestID, "error", err)
			}
		})
	}
}

// Broadcast pushes an event envelope to every connected relay. Write
// failures are logged and the stream is left to its reader to clean up.
func (s *Server) Broadcast(ctx context.Context, env *Envelope) {
	s.mu.Lock()
	writers := make([]*streamWriter, 0, len(s.streams))
	for w := range s.streams {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	for _, w := range writers {
		if err := w.send(env); err != nil {
			s.logger.Warn(ctx, "event broadcast failed", "action", env.Action, "error", err)
		}
	}
}
