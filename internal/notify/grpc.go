package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/spotter/internal/domain"
)

// DefaultPushMethod is the unary method called when none is configured.
const DefaultPushMethod = "/spotter.push.v1.PushService/NotifyOffline"

// GRPCNotifier calls a unary push method with a google.protobuf.Struct request.
type GRPCNotifier struct {
	conn   grpc.ClientConnInterface
	method string
	closer func() error
}

// NewGRPC dials addr and waits until the connection is ready.
func NewGRPC(addr, method string, connectTimeout time.Duration) (*GRPCNotifier, error) {
	if addr == "" {
		return nil, errors.New("push grpc address is required")
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create push client for %s: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := waitForReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("push service at %s not ready: %w", addr, err)
	}

	n := NewGRPCWithConn(conn, method)
	n.closer = conn.Close
	return n, nil
}

// NewGRPCWithConn calls method over an existing connection.
func NewGRPCWithConn(conn grpc.ClientConnInterface, method string) *GRPCNotifier {
	if method == "" {
		method = DefaultPushMethod
	}
	return &GRPCNotifier{conn: conn, method: method}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errors.New("connection shutdown")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// Request builds the Struct sent to the push service.
func Request(recipientID string, note Notification) (*structpb.Struct, error) {
	data := make(map[string]any, len(note.Data))
	for k, v := range note.Data {
		data[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"recipient_id": recipientID,
		"title":        note.Title,
		"body":         note.Body,
		"data":         data,
	})
}

// NotifyOffline performs the unary call.
func (g *GRPCNotifier) NotifyOffline(ctx context.Context, recipientID string, note Notification) error {
	req, err := Request(recipientID, note)
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	if err := g.conn.Invoke(ctx, g.method, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("%w: push rpc: %v", domain.ErrNotificationFailure, err)
	}
	return nil
}

// Close closes the owned connection.
func (g *GRPCNotifier) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}
