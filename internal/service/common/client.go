//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/app-launcher/internal/config"
)

// StatusServiceName is the health service the launcher reports update progress under.
const StatusServiceName = "app-launcher.updater"

// Client wraps the health client of a running launcher with convenience helpers.
type Client struct {
	// conn is the underlying gRPC connection to the launcher.
	conn *grpc.ClientConn
	// api is the generated health client interface.
	api healthgrpc.HealthClient

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
	// dialOptions are extra options passed to grpc.NewClient.
	dialOptions []grpc.DialOption
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithDialOptions appends gRPC dial options, for example a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// errAddressRequired is returned when a required address value is missing.
var errAddressRequired = errors.New("address must be provided")

// Dial connects to the status surface of a running launcher.
// Note: this uses insecure transport credentials; the status address is
// expected to be bound to loopback.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	client := &Client{
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, client.dialOptions...)

	// Use the non-context NewClient API recommended by grpc-go
	// (DialContext is deprecated as of grpc-go v1.60+).
	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial launcher: %w", err)
	}

	client.conn = conn
	client.api = healthgrpc.NewHealthClient(conn)

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Status returns the current serving status of the updater.
func (c *Client) Status(ctx context.Context) (healthgrpc.HealthCheckResponse_ServingStatus, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	response, err := c.api.Check(callCtx, &healthgrpc.HealthCheckRequest{Service: StatusServiceName})
	if err != nil {
		return healthgrpc.HealthCheckResponse_UNKNOWN, fmt.Errorf("check status: %w", err)
	}

	return response.GetStatus(), nil
}

// Follow streams status changes to fn until ctx is done or the launcher goes away.
func (c *Client) Follow(ctx context.Context, fn func(healthgrpc.HealthCheckResponse_ServingStatus)) error {
	stream, err := c.api.Watch(ctx, &healthgrpc.HealthCheckRequest{Service: StatusServiceName})
	if err != nil {
		return fmt.Errorf("watch status: %w", err)
	}

	for {
		response, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) || ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("watch status: %w", recvErr)
		}

		fn(response.GetStatus())
	}
}

// callContext derives a context with the configured timeout.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
