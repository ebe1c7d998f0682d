// Package httpremote implements the remote store boundary over HTTP: a
// Client satisfying the engine's RemoteStore interface and a Handler exposing
// a LocalStore-backed server for the other side. Live subscriptions ride the
// ws package's hub and feed.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/fieldsync/fieldsync"
	"github.com/fieldsync/fieldsync/entity"
	syncErrors "github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/logging"
	"github.com/fieldsync/fieldsync/transport/ws"
)

// AgentHeader carries the writing agent's id so the server can stamp change
// broadcasts with their origin.
const AgentHeader = "X-Fieldsync-Agent"

// ClientOptions configures the remote store client.
type ClientOptions struct {
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// ReconnectBackoff is the subscription reconnect policy.
	ReconnectBackoff ws.BackoffStrategy
}

// Client talks to a remote store server.
type Client struct {
	client  *http.Client
	baseURL string
	agentID string
	backoff ws.BackoffStrategy
	logger  *logging.Logger
}

var _ fieldsync.RemoteStore = (*Client)(nil)

// NewClient returns a remote store client rooted at baseURL. agentID is
// attached to every write so other agents can recognize their own echoes.
func NewClient(baseURL, agentID string, options *ClientOptions) *Client {
	if options == nil {
		options = &ClientOptions{}
	}
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		client:  httpClient,
		baseURL: baseURL,
		agentID: agentID,
		backoff: options.ReconnectBackoff,
		logger:  logging.WithComponent("remote-client"),
	}
}

func (c *Client) collectionURL(col entity.Collection) string {
	return fmt.Sprintf("%s/collections/%s", c.baseURL, col)
}

func (c *Client) entityURL(col entity.Collection, id string) string {
	return fmt.Sprintf("%s/collections/%s/%s", c.baseURL, col, url.PathEscape(id))
}

// do executes a request and maps the outcome into the error taxonomy:
// network failures and 5xx responses are transient and will be retried by a
// later pass; 4xx responses are rejections needing human attention.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, rawURL string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component("remote-client"), syncErrors.KindInvalid, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.agentID != "" {
		req.Header.Set(AgentHeader, c.agentID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component("remote-client"), syncErrors.KindTransient, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component("remote-client"), syncErrors.KindTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode >= 500:
		return nil, syncErrors.E(op, syncErrors.Component("remote-client"), syncErrors.KindTransient,
			fmt.Sprintf("remote returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload)))
	default:
		return nil, syncErrors.E(op, syncErrors.Component("remote-client"), syncErrors.KindRejected,
			fmt.Sprintf("remote returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload)))
	}
}

// Create writes a new entity to the remote store.
func (c *Client) Create(ctx context.Context, e entity.Entity) error {
	body, err := entity.Encode(e)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, syncErrors.OpPush, http.MethodPost, c.collectionURL(e.Collection()), body)
	return err
}

// Update overwrites an existing entity. The server treats an unknown id as
// an upsert so replayed queues from long-offline agents do not reject.
func (c *Client) Update(ctx context.Context, e entity.Entity) error {
	body, err := entity.Encode(e)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, syncErrors.OpPush, http.MethodPut, c.entityURL(e.Collection(), e.EntityID()), body)
	return err
}

// Delete removes an entity from the remote store.
func (c *Client) Delete(ctx context.Context, col entity.Collection, id string) error {
	_, err := c.do(ctx, syncErrors.OpPush, http.MethodDelete, c.entityURL(col, id), nil)
	return err
}

// Query fetches a scoped snapshot of a collection.
func (c *Client) Query(ctx context.Context, col entity.Collection, scope fieldsync.Scope) ([]entity.Entity, error) {
	u, err := url.Parse(c.collectionURL(col))
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpPull, syncErrors.KindInvalid, err)
	}
	q := u.Query()
	if scope.All {
		q.Set("all", "true")
	} else if scope.WorkerID != "" {
		q.Set("workerId", scope.WorkerID)
	}
	u.RawQuery = q.Encode()

	payload, err := c.do(ctx, syncErrors.OpPull, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, syncErrors.E(syncErrors.OpPull, syncErrors.Component("remote-client"), syncErrors.KindMalformed, err)
	}
	entities := make([]entity.Entity, 0, len(raw))
	for _, doc := range raw {
		e, err := entity.Decode(col, doc)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpPull, syncErrors.Component("remote-client"), syncErrors.KindMalformed, err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// Subscribe opens a live change feed for one collection.
func (c *Client) Subscribe(ctx context.Context, col entity.Collection, scope fieldsync.Scope, handler func(fieldsync.Change)) (fieldsync.Subscription, error) {
	feedURL, err := ws.FeedURL(c.baseURL, col, scope)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpSync, syncErrors.Component("remote-client"), syncErrors.KindInvalid, err)
	}
	return ws.NewFeed(ctx, feedURL, handler, c.backoff), nil
}

// Ping reports remote reachability for the connectivity monitor.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, syncErrors.OpSync, http.MethodGet, c.baseURL+"/healthz", nil)
	return err
}

// Close releases client resources. The underlying HTTP client is shared and
// left open.
func (c *Client) Close() error { return nil }
