package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	adminCallMethod = "/arbiter.Admin/Call"
	adminListMethod = "/arbiter.Admin/List"
)

var ErrMultipleReplies = errors.New("request has a multi-frame answer; use List")

// AdminHandler serves one authenticated administrative frame.
// *arbiter.Arbiter implements it.
type AdminHandler interface {
	HandleAdmin(ctx context.Context, frame []byte) ([][]byte, error)
}

type Dialer func(context.Context, string) (net.Conn, error)

// adminService is the server side of the arbiter.Admin gRPC service.
type adminService interface {
	Call(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	List(*wrapperspb.BytesValue, grpc.ServerStream) error
}

func adminCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminService).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: adminCallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(adminService).Call(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func adminListHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(adminService).List(in, stream)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "arbiter.Admin",
	HandlerType: (*adminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: adminCallHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "List", Handler: adminListHandler, ServerStreams: true},
	},
	Metadata: "arbiter/admin.proto",
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	TLSConfig *tls.Config
}

// AdminServer exposes an AdminHandler over gRPC.
type AdminServer struct {
	listener net.Listener
	server   *grpc.Server
	handler  AdminHandler
}

// NewAdminServer creates an admin server serving handler on listener.
func NewAdminServer(listener net.Listener, handler AdminHandler, config *AdminServerConfig) *AdminServer {
	if config == nil {
		config = &AdminServerConfig{}
	}
	var server *grpc.Server
	if config.TLSConfig != nil {
		server = grpc.NewServer(grpc.Creds(credentials.NewTLS(config.TLSConfig)))
	} else {
		server = grpc.NewServer()
	}
	s := &AdminServer{listener: listener, server: server, handler: handler}
	server.RegisterService(&adminServiceDesc, s)
	return s
}

// Serve blocks serving requests until Stop.
func (s *AdminServer) Serve() error {
	err := s.server.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server
func (s *AdminServer) Stop() {
	s.server.GracefulStop()
}

func (s *AdminServer) Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	replies, err := s.handler.HandleAdmin(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if len(replies) != 1 {
		return nil, status.Error(codes.FailedPrecondition, ErrMultipleReplies.Error())
	}
	return wrapperspb.Bytes(replies[0]), nil
}

func (s *AdminServer) List(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	replies, err := s.handler.HandleAdmin(stream.Context(), in.GetValue())
	if err != nil {
		return toStatus(err)
	}
	for _, r := range replies {
		if err := stream.SendMsg(wrapperspb.Bytes(r)); err != nil {
			return err
		}
	}
	return nil
}

// toStatus maps handler errors onto gRPC codes.
func toStatus(err error) error {
	var de *wire.DecodeError
	switch {
	case errors.As(err, &de):
		switch wire.Kind(err) {
		case "unauthenticated", "digest":
			return status.Error(codes.Unauthenticated, err.Error())
		case "stale":
			return status.Error(codes.FailedPrecondition, err.Error())
		}
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, arbiter.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// AdminClientConfig holds configuration for the admin client
type AdminClientConfig struct {
	TLSConfig *tls.Config
	Dialer    Dialer
}

// AdminClient talks to an AdminServer.
type AdminClient struct {
	conn *grpc.ClientConn
}

// NewAdminClient prepares a client for target. No connection is made
// until the first request.
func NewAdminClient(target string, config *AdminClientConfig) (*AdminClient, error) {
	if config == nil {
		config = &AdminClientConfig{}
	}
	var creds credentials.TransportCredentials
	if config.TLSConfig == nil {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(config.TLSConfig)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(config.Dialer))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &AdminClient{conn: conn}, nil
}

func (c *AdminClient) Close() error {
	return c.conn.Close()
}

// Call sends a request answered by exactly one frame.
func (c *AdminClient) Call(ctx context.Context, frame []byte) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, adminCallMethod, wrapperspb.Bytes(frame), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// List sends a request and collects every reply frame.
func (c *AdminClient) List(ctx context.Context, frame []byte) ([][]byte, error) {
	stream, err := c.conn.NewStream(ctx, &adminServiceDesc.Streams[0], adminListMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.Bytes(frame)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		in := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(in)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, in.GetValue())
	}
}
