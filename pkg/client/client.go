package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/kvjournal/pkg/grpc/service"
	"github.com/KevoDB/kvjournal/pkg/grpc/transport"
	"github.com/KevoDB/kvjournal/pkg/record"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClientOptions configures a registry client
type ClientOptions struct {
	// Connection options
	Endpoint       string        // Server address
	ConnectTimeout time.Duration // Timeout for connection attempts
	RequestTimeout time.Duration // Default timeout for requests

	// Security options
	TLSEnabled bool   // Enable TLS
	CertFile   string // Client certificate file
	KeyFile    string // Client key file
	CAFile     string // CA certificate file
	SkipVerify bool   // Skip server certificate verification

	// Retry options
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial retry backoff
	MaxBackoff     time.Duration // Maximum retry backoff
	BackoffFactor  float64       // Backoff multiplier
	RetryJitter    float64       // Random jitter factor

	// Keepalive options
	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration

	MaxMessageSize int // Maximum message size

	// DialOptions are appended to the options the client builds itself
	DialOptions []grpc.DialOption
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:         "localhost:50051",
		ConnectTimeout:   time.Second * 5,
		RequestTimeout:   time.Second * 10,
		MaxRetries:       3,
		InitialBackoff:   time.Millisecond * 100,
		MaxBackoff:       time.Second * 2,
		BackoffFactor:    1.5,
		RetryJitter:      0.2,
		KeepAliveTime:    30 * time.Second,
		KeepAliveTimeout: 10 * time.Second,
		MaxMessageSize:   32 * 1024 * 1024, // 32MB
	}
}

// Client talks to a registry server
type Client struct {
	options ClientOptions
	mu      sync.RWMutex
	conn    *grpc.ClientConn
}

// NewClient creates a client with the given options. Call Connect before use.
func NewClient(options ClientOptions) (*Client, error) {
	if options.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidOptions)
	}
	if options.RequestTimeout <= 0 {
		return nil, fmt.Errorf("%w: request timeout must be positive", ErrInvalidOptions)
	}
	return &Client{options: options}, nil
}

func (c *Client) dialOptions() ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	if c.options.TLSEnabled {
		tlsConfig, err := transport.LoadClientTLSConfig(c.options.CertFile, c.options.KeyFile, c.options.CAFile, c.options.SkipVerify)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.options.KeepAliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.options.KeepAliveTime,
			Timeout:             c.options.KeepAliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	if c.options.MaxMessageSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.options.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.options.MaxMessageSize),
		))
	}
	return append(opts, c.options.DialOptions...), nil
}

// Connect establishes a connection to the server. It returns once the
// connection is ready or ConnectTimeout expires.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	opts, err := c.dialOptions()
	if err != nil {
		return err
	}
	conn, err := grpc.NewClient(c.options.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to create connection to %s: %w", c.options.Endpoint, err)
	}

	if c.options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.ConnectTimeout)
		defer cancel()
	}
	// ListStores doubles as a readiness probe
	if err := conn.Invoke(ctx, service.MethodListStores, &structpb.Struct{}, &structpb.Struct{}, grpc.WaitForReady(true)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect to %s: %w", c.options.Endpoint, err)
	}

	c.conn = conn
	return nil
}

// Close closes the connection to the server
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected returns whether the client is connected to the server
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// invoke calls method with a request built from fields, retrying transient failures
func (c *Client) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := new(structpb.Struct)
	err = c.options.retryPolicy().do(ctx, func() error {
		timeoutCtx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
		return fromStatus(conn.Invoke(timeoutCtx, method, req, resp))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateStore creates a store on the server. An empty mode and zero sizes
// use the server defaults.
func (c *Client) CreateStore(ctx context.Context, name, mode string, sizeMB, indexSizeMB int) error {
	fields := map[string]interface{}{service.FieldName: name}
	if mode != "" {
		fields[service.FieldMode] = mode
	}
	if sizeMB > 0 {
		fields[service.FieldSizeMB] = sizeMB
	}
	if indexSizeMB > 0 {
		fields[service.FieldIndexSizeMB] = indexSizeMB
	}
	_, err := c.invoke(ctx, service.MethodCreateStore, fields)
	return err
}

// DeleteStore deletes a store and its files
func (c *Client) DeleteStore(ctx context.Context, name string) error {
	_, err := c.invoke(ctx, service.MethodDeleteStore, map[string]interface{}{service.FieldName: name})
	return err
}

// ListStores returns the names of the open stores
func (c *Client) ListStores(ctx context.Context) ([]string, error) {
	resp, err := c.invoke(ctx, service.MethodListStores, nil)
	if err != nil {
		return nil, err
	}
	values := resp.GetFields()[service.FieldStores].GetListValue().GetValues()
	names := make([]string, 0, len(values))
	for _, v := range values {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

// Put stores value under key, typed by its Go type
func (c *Client) Put(ctx context.Context, storeName, key string, value interface{}) error {
	t, b, err := record.EncodeValue(value)
	if err != nil {
		return err
	}
	return c.PutRaw(ctx, storeName, key, t, b)
}

// PutRaw stores an encoded value of type t
func (c *Client) PutRaw(ctx context.Context, storeName, key string, t record.Type, value []byte) error {
	_, err := c.invoke(ctx, service.MethodPut, map[string]interface{}{
		service.FieldStore: storeName,
		service.FieldKey:   key,
		service.FieldType:  t.String(),
		service.FieldValue: base64.StdEncoding.EncodeToString(value),
	})
	return err
}

// Get returns the encoded value of key and its type
func (c *Client) Get(ctx context.Context, storeName, key string) (record.Type, []byte, error) {
	return c.get(ctx, storeName, key, record.TypeEmpty)
}

// GetAs returns the encoded value of key when it holds type t
func (c *Client) GetAs(ctx context.Context, storeName, key string, t record.Type) ([]byte, error) {
	_, b, err := c.get(ctx, storeName, key, t)
	return b, err
}

func (c *Client) get(ctx context.Context, storeName, key string, t record.Type) (record.Type, []byte, error) {
	fields := map[string]interface{}{
		service.FieldStore: storeName,
		service.FieldKey:   key,
	}
	if t != record.TypeEmpty {
		fields[service.FieldType] = t.String()
	}

	resp, err := c.invoke(ctx, service.MethodGet, fields)
	if err != nil {
		return record.TypeEmpty, nil, err
	}
	f := resp.GetFields()
	if !f[service.FieldFound].GetBoolValue() {
		return record.TypeEmpty, nil, ErrKeyNotFound
	}

	got, err := record.ParseType(f[service.FieldType].GetStringValue())
	if err != nil {
		return record.TypeEmpty, nil, err
	}
	value, err := base64.StdEncoding.DecodeString(f[service.FieldValue].GetStringValue())
	if err != nil {
		return record.TypeEmpty, nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return got, value, nil
}

// Remove deletes key, reporting whether it existed
func (c *Client) Remove(ctx context.Context, storeName, key string) (bool, error) {
	resp, err := c.invoke(ctx, service.MethodRemove, map[string]interface{}{
		service.FieldStore: storeName,
		service.FieldKey:   key,
	})
	if err != nil {
		return false, err
	}
	return resp.GetFields()[service.FieldFound].GetBoolValue(), nil
}

// Stats returns the stats of one store, or of every store when storeName is
// empty. Numbers arrive as float64.
func (c *Client) Stats(ctx context.Context, storeName string) (map[string]interface{}, error) {
	fields := map[string]interface{}{}
	if storeName != "" {
		fields[service.FieldStore] = storeName
	}
	resp, err := c.invoke(ctx, service.MethodStats, fields)
	if err != nil {
		return nil, err
	}
	stats := resp.GetFields()[service.FieldStats].GetStructValue()
	if stats == nil {
		return nil, errors.New("stats missing from response")
	}
	return stats.AsMap(), nil
}
