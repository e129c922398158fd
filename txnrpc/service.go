// Package txnrpc implements the peer query RPC: a single unary method
// through which a replica reports its last applied transaction number.
package txnrpc

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vimeo/fleetcoord/entry"
)

// Service and method names on the wire.
const (
	ServiceName      = "fleetcoord.v1.ReplicaService"
	GetLastTxnMethod = "/" + ServiceName + "/GetLastTxn"
)

// ReplicaServiceServer is the server API for the replica service.
type ReplicaServiceServer interface {
	GetLastTxn(ctx context.Context, req *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// ServiceDesc describes the replica service. The messages are the
// well-known Empty and Int64Value types, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicaServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetLastTxn",
			Handler:    getLastTxnHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleetcoord/v1/replica.proto",
}

func getLastTxnHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServiceServer).GetLastTxn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetLastTxnMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServiceServer).GetLastTxn(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// TxnSource provides the local replica's last applied transaction.
type TxnSource interface {
	LastTxn() (int64, error)
}

// TxnSourceFunc adapts a function to TxnSource.
type TxnSourceFunc func() (int64, error)

// LastTxn implements TxnSource
func (f TxnSourceFunc) LastTxn() (int64, error) {
	return f()
}

// Server answers GetLastTxn from a TxnSource.
type Server struct {
	src    TxnSource
	logger hclog.Logger
}

var _ ReplicaServiceServer = (*Server)(nil)

// NewServer constructs a Server.
func NewServer(src TxnSource, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{src: src, logger: logger.Named("txnrpc")}
}

// Register adds the service, and the reflection service, to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
	reflection.Register(g)
}

// GetLastTxn implements ReplicaServiceServer
func (s *Server) GetLastTxn(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	txn, err := s.src.LastTxn()
	if err != nil {
		s.logger.Error("failed to read last txn", "error", err)
		return nil, status.Errorf(codes.Unavailable, "failed to read last txn: %s", err)
	}
	return wrapperspb.Int64(txn), nil
}

// Client queries peers' replica services. It implements the bootstrap
// coordinator's TxnQuerier.
type Client struct {
	opts []grpc.DialOption
}

// NewClient constructs a Client. Connections use insecure transport
// credentials unless opts override them.
func NewClient(opts ...grpc.DialOption) *Client {
	return &Client{
		opts: append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
	}
}

// LastTxn asks the replica at address for its last transaction number. The
// call is bounded by ctx's deadline.
func (c *Client) LastTxn(ctx context.Context, address string) (int64, error) {
	conn, dialErr := grpc.DialContext(ctx, address, c.opts...)
	if dialErr != nil {
		return entry.TxnQueryFailed, fmt.Errorf("failed to dial %s: %w", address, dialErr)
	}
	defer conn.Close()
	return LastTxn(ctx, conn)
}

// LastTxn calls GetLastTxn over an existing connection.
func LastTxn(ctx context.Context, conn grpc.ClientConnInterface) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := conn.Invoke(ctx, GetLastTxnMethod, &emptypb.Empty{}, out); err != nil {
		return entry.TxnQueryFailed, fmt.Errorf("GetLastTxn failed: %w", err)
	}
	return out.GetValue(), nil
}
