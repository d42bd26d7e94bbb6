package grpcserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the CreditAdmin service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a connection to address. Plaintext is used only when
// insecureTransport is set.
func Dial(address string, insecureTransport bool, options ...grpc.DialOption) (*grpc.ClientConn, error) {
	transport := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if insecureTransport {
		transport = insecure.NewCredentials()
	}
	dialOptions := append([]grpc.DialOption{grpc.WithTransportCredentials(transport)}, options...)
	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", address, err)
	}
	return conn, nil
}

func (client *Client) Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error) {
	response := new(GrantResponse)
	if err := client.invoke(ctx, methodGrant, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	response := new(BalanceResponse)
	if err := client.invoke(ctx, methodGetBalance, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	response := new(ListTransactionsResponse)
	if err := client.invoke(ctx, methodListTransactions, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) Reconcile(ctx context.Context, request *ReconcileRequest) (*ReconcileResponse, error) {
	response := new(ReconcileResponse)
	if err := client.invoke(ctx, methodReconcile, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) invoke(ctx context.Context, method string, request any, response any) error {
	return client.conn.Invoke(ctx, method, request, response, grpc.CallContentSubtype(CodecName))
}

// WaitForReady blocks until conn is ready, shut down or ctx ends.
func WaitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
