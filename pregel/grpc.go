package pregel

import (
	"context"

	"google.golang.org/grpc"
)

// CoordAPIServer is the gRPC surface clients use to run and watch jobs
type CoordAPIServer interface {
	StartJob(ctx context.Context, job *JobConfig) (*JobResult, error)
	JobProgress(req *ProgressRequest, stream CoordJobProgressServer) error
}

type CoordJobProgressServer interface {
	Send(*Progress) error
	grpc.ServerStream
}

type coordJobProgressServer struct {
	grpc.ServerStream
}

func (s *coordJobProgressServer) Send(p *Progress) error {
	return s.ServerStream.SendMsg(p)
}

func startJobHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(JobConfig)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordAPIServer).StartJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/neurograph.Coord/StartJob",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordAPIServer).StartJob(ctx, req.(*JobConfig))
	}
	return interceptor(ctx, in, info, handler)
}

func jobProgressHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(ProgressRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CoordAPIServer).JobProgress(in, &coordJobProgressServer{stream})
}

var coordServiceDesc = grpc.ServiceDesc{
	ServiceName: "neurograph.Coord",
	HandlerType: (*CoordAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartJob",
			Handler:    startJobHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "JobProgress",
			Handler:       jobProgressHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pregel/proto/coord.proto",
}

func RegisterCoordAPIServer(s *grpc.Server, srv CoordAPIServer) {
	s.RegisterService(&coordServiceDesc, srv)
}

// CoordAPIClient calls a CoordAPIServer
type CoordAPIClient struct {
	cc *grpc.ClientConn
}

func NewCoordAPIClient(cc *grpc.ClientConn) *CoordAPIClient {
	return &CoordAPIClient{cc: cc}
}

func (c *CoordAPIClient) StartJob(ctx context.Context, job *JobConfig, opts ...grpc.CallOption) (*JobResult, error) {
	out := new(JobResult)
	err := c.cc.Invoke(ctx, "/neurograph.Coord/StartJob", job, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProgressStream receives the updates of one JobProgress call
type ProgressStream struct {
	grpc.ClientStream
}

func (s *ProgressStream) Recv() (*Progress, error) {
	p := new(Progress)
	if err := s.ClientStream.RecvMsg(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *CoordAPIClient) JobProgress(ctx context.Context, req *ProgressRequest, opts ...grpc.CallOption) (*ProgressStream, error) {
	stream, err := c.cc.NewStream(ctx, &coordServiceDesc.Streams[0], "/neurograph.Coord/JobProgress", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ProgressStream{stream}, nil
}
