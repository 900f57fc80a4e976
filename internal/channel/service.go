package channel

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName   = "idagent.AgentChannel"
	channelMethod = "/idagent.AgentChannel/Channel"
)

// Stream is the typed view of one channel stream, shared by both ends.
type Stream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	Context() context.Context
}

// channelService is implemented by the server side.
type channelService interface {
	Channel(Stream) error
}

// serviceDesc describes AgentChannel by hand. There is no protobuf
// schema: the JSON codec carries envelopes directly.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*channelService)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

var channelStreamDesc = &grpc.StreamDesc{
	StreamName:    "Channel",
	ServerStreams: true,
	ClientStreams: true,
}

func channelStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(channelService).Channel(&serverStream{stream})
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(env *Envelope) error {
	return s.ServerStream.SendMsg(env)
}

func (s *serverStream) Recv() (*Envelope, error) {
	env := new(Envelope)
	if err := s.ServerStream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

type clientStream struct {
	grpc.ClientStream
}

func (s *clientStream) Send(env *Envelope) error {
	return s.ClientStream.SendMsg(env)
}

func (s *clientStream) Recv() (*Envelope, error) {
	env := new(Envelope)
	if err := s.ClientStream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

// openStream starts a channel stream on conn using the JSON codec.
func openStream(ctx context.Context, conn *grpc.ClientConn) (Stream, error) {
	cs, err := conn.NewStream(ctx, channelStreamDesc, channelMethod,
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return &clientStream{cs}, nil
}
