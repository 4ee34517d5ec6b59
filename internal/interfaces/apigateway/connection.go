// Package apigateway lets participants reach sessions through an API Gateway
// WebSocket API. API Gateway terminates the socket and forwards each frame
// to this server over HTTP; replies are pushed back with PostToConnection.
package apigateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	apigwtypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
)

// API is the part of the management API the connection uses.
type API interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
	DeleteConnection(ctx context.Context, params *apigatewaymanagementapi.DeleteConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.DeleteConnectionOutput, error)
}

// NewClient builds a management API client for the stage at endpoint.
func NewClient(ctx context.Context, endpoint, region string) (*apigatewaymanagementapi.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return apigatewaymanagementapi.NewFromConfig(awsCfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

const postTimeout = 5 * time.Second

// Connection is a participant connected through API Gateway. Sends are
// queued and posted in order by one goroutine.
type Connection struct {
	id     string
	api    API
	logger *zap.Logger

	out     chan []byte
	closing chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	gone   bool

	onGone   func(id string)
	onClosed func(id string)
}

// NewConnection starts the post loop for connection id. onGone runs when
// API Gateway reports the peer gone; onClosed runs after Close has flushed.
func NewConnection(id string, api API, buffer int, onGone, onClosed func(id string), logger *zap.Logger) *Connection {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Connection{
		id:       id,
		api:      api,
		logger:   logger.With(zap.String("connectionID", id)),
		out:      make(chan []byte, buffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		onGone:   onGone,
		onClosed: onClosed,
	}
	go c.run()
	return c
}

// ID returns the API Gateway connection id.
func (c *Connection) ID() string { return c.id }

// Send queues env. It reports false when the buffer is full or the
// connection is closed.
func (c *Connection) Send(env events.Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

// Close flushes queued messages and then deletes the connection at API
// Gateway.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.logger.Debug("Closing connection", zap.String("reason", reason))
	close(c.closing)
}

// Done is closed when the post loop has stopped.
func (c *Connection) Done() <-chan struct{} { return c.done }

// detach stops the post loop without calling back, for peers API Gateway
// already reported disconnected.
func (c *Connection) detach() {
	c.mu.Lock()
	c.gone = true
	c.mu.Unlock()
	c.Close(events.ReasonDisconnect)
}

func (c *Connection) run() {
	defer close(c.done)
	for {
		select {
		case b := <-c.out:
			if !c.post(b) {
				return
			}
		case <-c.closing:
			for n := len(c.out); n > 0; n-- {
				if !c.post(<-c.out) {
					return
				}
			}
			c.mu.Lock()
			gone := c.gone
			c.mu.Unlock()
			if gone {
				return
			}
			c.delete()
			if c.onClosed != nil {
				c.onClosed(c.id)
			}
			return
		}
	}
}

// post delivers one frame and reports whether the peer is still there.
func (c *Connection) post(data []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	_, err := c.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(c.id),
		Data:         data,
	})
	if err == nil {
		return true
	}

	var goneErr *apigwtypes.GoneException
	if errors.As(err, &goneErr) {
		c.logger.Info("Found stale connection")
		c.mu.Lock()
		c.closed = true
		c.gone = true
		c.mu.Unlock()
		if c.onGone != nil {
			c.onGone(c.id)
		}
		return false
	}
	c.logger.Warn("Failed to post to connection", zap.Error(err))
	return true
}

func (c *Connection) delete() {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	_, err := c.api.DeleteConnection(ctx, &apigatewaymanagementapi.DeleteConnectionInput{
		ConnectionId: aws.String(c.id),
	})
	var goneErr *apigwtypes.GoneException
	if err != nil && !errors.As(err, &goneErr) {
		c.logger.Warn("Failed to delete connection", zap.Error(err))
	}
}
