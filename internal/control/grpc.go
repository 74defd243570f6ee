package control

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "augment.engine.v1.EngineControl"

// EngineControlServer is the gRPC face of the control plane. Requests carry
// the job id as a StringValue and responses are the HTTP JSON bodies as Structs.
type EngineControlServer interface {
	GetJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CancelJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ServerInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var engineControlDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EngineControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetJob", Handler: unaryHandler("GetJob", func(s EngineControlServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
			return s.GetJob(ctx, in)
		})},
		{MethodName: "CancelJob", Handler: unaryHandler("CancelJob", func(s EngineControlServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
			return s.CancelJob(ctx, in)
		})},
		{MethodName: "ServerInfo", Handler: unaryHandler("ServerInfo", func(s EngineControlServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
			return s.ServerInfo(ctx, in)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "augment/engine/v1/control.proto",
}

func unaryHandler[In any, PIn interface {
	*In
	proto.Message
}](method string, call func(EngineControlServer, context.Context, PIn) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PIn(new(In))
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(EngineControlServer)
		if interceptor == nil {
			return call(impl, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(impl, ctx, req.(PIn))
		})
	}
}

func RegisterEngineControl(s grpc.ServiceRegistrar, impl EngineControlServer) {
	s.RegisterService(&engineControlDesc, impl)
}

type grpcService struct {
	router http.Handler
}

// NewGRPCService bridges gRPC calls onto the HTTP router so both transports
// share one implementation.
func NewGRPCService(router http.Handler) EngineControlServer {
	return &grpcService{router: router}
}

func (g *grpcService) GetJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	return g.invoke(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id))
}

func (g *grpcService) CancelJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	return g.invoke(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel")
}

func (g *grpcService) ServerInfo(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return g.invoke(ctx, http.MethodGet, "/api/v1/server-info")
}

func (g *grpcService) invoke(ctx context.Context, method, targetPath string) (*structpb.Struct, error) {
	if g == nil || g.router == nil {
		return nil, status.Error(codes.Internal, "gRPC bridge is not initialized")
	}
	req := httptest.NewRequest(method, targetPath, nil).WithContext(ctx)
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	trimmed := strings.TrimSpace(string(raw))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if trimmed == "" {
			trimmed = http.StatusText(resp.StatusCode)
		}
		return nil, status.Errorf(httpStatusToGRPCCode(resp.StatusCode), "http %d: %s", resp.StatusCode, trimmed)
	}
	out := &structpb.Struct{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "decode JSON response: %v", err)
	}
	return out, nil
}

func httpStatusToGRPCCode(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.FailedPrecondition
	case http.StatusMethodNotAllowed:
		return codes.Unimplemented
	default:
		if statusCode >= 500 {
			return codes.Internal
		}
		return codes.Unknown
	}
}

// Client calls a remote EngineControl service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetJob(ctx context.Context, jobID string) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetJob", wrapperspb.String(jobID), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CancelJob", wrapperspb.String(jobID), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) ServerInfo(ctx context.Context) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ServerInfo", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
