package apigateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"

	"github.com/di4nekim/more-than-just-strangers-sub001/internal/session"
)

// ErrGone marks a push against a connection the gateway has already closed.
// Callers treat it as "recipient unreachable", not as a transport fault.
var ErrGone = errors.New("apigateway: connection gone")

const defaultPushTimeout = 5 * time.Second

// managementAPI is the minimal API Gateway Management interface required by
// Client. *apigatewaymanagementapi.Client satisfies it.
type managementAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Client pushes session events to WebSocket connections through the API
// Gateway Management API. Every push runs under a bounded timeout so a slow
// connection can only delay, never wedge, the calling request.
type Client struct {
	api     managementAPI
	timeout time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a Client with the given management API implementation.
func New(api managementAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("apigateway: api must not be nil")
	}
	c := &Client{api: api, timeout: defaultPushTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Push serializes ev and posts it to connectionID. Returns ErrGone when the
// connection has been closed on the gateway side.
func (c *Client) Push(ctx context.Context, connectionID string, ev session.Event) error {
	if connectionID == "" {
		return errors.New("apigateway: connection id must not be empty")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("apigateway: marshal event %q: %w", ev.Action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err = c.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	if err != nil {
		var gone *types.GoneException
		if errors.As(err, &gone) {
			return fmt.Errorf("%w: %s", ErrGone, connectionID)
		}
		return fmt.Errorf("apigateway: post to connection %s: %w", connectionID, err)
	}
	return nil
}
