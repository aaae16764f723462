package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmylchreest/replayd/internal/session"
)

// Client calls a running daemon's control service.
type Client struct {
	conn  *grpc.ClientConn
	owned bool
}

// Dial connects to the control service at addr. The listener is local, so
// the connection is not encrypted.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn, owned: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// SaveClip asks the daemon to save the replay window. With async the call
// returns as soon as the export has been queued.
func (c *Client) SaveClip(ctx context.Context, async bool) (*SaveClipResponse, error) {
	req, err := structpb.NewStruct(map[string]any{"async": async})
	if err != nil {
		return nil, err
	}

	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, SaveClipMethod, req, reply); err != nil {
		return nil, err
	}

	var resp SaveClipResponse
	if err := fromStruct(reply, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the capture session status.
func (c *Client) Status(ctx context.Context) (*session.Status, error) {
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, StatusMethod, &emptypb.Empty{}, reply); err != nil {
		return nil, err
	}

	var st session.Status
	if err := fromStruct(reply, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Close closes the connection if the client created it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}
