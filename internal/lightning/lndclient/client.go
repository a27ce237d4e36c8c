// Package lndclient talks to an lnd node over gRPC and implements the payment network the ledger settles through.
package lndclient

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

const defaultPaymentTimeout = 60 * time.Second

// Config holds connection configuration.
type Config struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string
	Network      string
}

// Validate reports missing connection settings.
func (config Config) Validate() error {
	var missing []string
	if strings.TrimSpace(config.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(config.TLSCertPath) == "" {
		missing = append(missing, "tls cert path")
	}
	if strings.TrimSpace(config.MacaroonPath) == "" {
		missing = append(missing, "macaroon path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("lnd config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// LightningRPC is the subset of lnrpc.LightningClient the client uses.
type LightningRPC interface {
	ChannelBalance(ctx context.Context, in *lnrpc.ChannelBalanceRequest, opts ...grpc.CallOption) (*lnrpc.ChannelBalanceResponse, error)
}

// RouterRPC is the subset of routerrpc.RouterClient the client uses.
type RouterRPC interface {
	SendPaymentV2(ctx context.Context, in *routerrpc.SendPaymentRequest, opts ...grpc.CallOption) (routerrpc.Router_SendPaymentV2Client, error)
	TrackPaymentV2(ctx context.Context, in *routerrpc.TrackPaymentRequest, opts ...grpc.CallOption) (routerrpc.Router_TrackPaymentV2Client, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithPaymentTimeout bounds how long lnd keeps trying routes when the request carries no timeout.
func WithPaymentTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.paymentTimeout = timeout
		}
	}
}

// Client implements payments.PaymentNetwork on top of lnrpc and routerrpc.
type Client struct {
	lightning      LightningRPC
	router         RouterRPC
	conn           *grpc.ClientConn
	logger         *zap.Logger
	paymentTimeout time.Duration
}

// Dial opens an authenticated connection to lnd.
func Dial(config Config, options ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	creds, err := credentials.NewClientTLSFromFile(config.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert: %w", err)
	}
	macBytes, err := os.ReadFile(config.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to create macaroon credential: %w", err)
	}
	conn, err := grpc.NewClient(config.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lnd: %w", err)
	}
	client := New(lnrpc.NewLightningClient(conn), routerrpc.NewRouterClient(conn), options...)
	client.conn = conn
	return client, nil
}

// New builds a Client over existing RPC stubs.
func New(lightning LightningRPC, router RouterRPC, options ...Option) *Client {
	client := &Client{
		lightning:      lightning,
		router:         router,
		logger:         zap.NewNop(),
		paymentTimeout: defaultPaymentTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client
}

// Close closes the underlying connection.
func (client *Client) Close() error {
	if client.conn == nil {
		return nil
	}
	return client.conn.Close()
}
