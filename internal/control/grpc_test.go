package control

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/deptz/augment-sub000/internal/cancel"
	"github.com/deptz/augment-sub000/internal/protocol"
	"github.com/deptz/augment-sub000/internal/store"
)

func newGRPCTestClient(t *testing.T) (*Client, *store.Memory, *cancel.Coordinator) {
	t.Helper()
	s, mem, coord := newTestServer(t)

	listener := bufconn.Listen(1024 * 1024)
	grpcSrv := grpc.NewServer()
	RegisterEngineControl(grpcSrv, NewGRPCService(s.Handler()))
	go func() {
		_ = grpcSrv.Serve(listener)
	}()
	t.Cleanup(func() {
		grpcSrv.Stop()
		_ = listener.Close()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn), mem, coord
}

func TestGRPCGetAndCancelJob(t *testing.T) {
	client, mem, coord := newGRPCTestClient(t)
	putJob(t, mem, "job-g", protocol.JobStatusRunning)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	job, err := client.GetJob(ctx, "job-g")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job["status"] != protocol.JobStatusRunning || job["job_type"] != "coverage_check" {
		t.Fatalf("unexpected job %v", job)
	}

	resp, err := client.CancelJob(ctx, "job-g")
	if err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	if resp["requested"] != true {
		t.Fatalf("unexpected cancel response %v", resp)
	}
	if set, _ := coord.IsCancelled(ctx, "job-g"); !set {
		t.Fatalf("expected flag to be set through gRPC")
	}

	info, err := client.ServerInfo(ctx)
	if err != nil {
		t.Fatalf("server info: %v", err)
	}
	if info["name"] != "augment-engine" {
		t.Fatalf("unexpected server info %v", info)
	}
}

func TestGRPCStatusCodes(t *testing.T) {
	client, mem, _ := newGRPCTestClient(t)
	putJob(t, mem, "job-done", protocol.JobStatusFailed)
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	if _, err := client.GetJob(ctx, "nope"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := client.CancelJob(ctx, "job-done"); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
	if _, err := client.GetJob(ctx, "  "); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
