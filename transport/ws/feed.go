package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldsync/fieldsync"
	"github.com/fieldsync/fieldsync/entity"
	"github.com/fieldsync/fieldsync/logging"
)

// BackoffStrategy defines how reconnection delays grow between attempts.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
	Reset()
}

// ExponentialBackoff implements capped exponential backoff.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= eb.Multiplier
	}
	delay := time.Duration(float64(eb.InitialDelay) * multiplier)
	if delay > eb.MaxDelay {
		delay = eb.MaxDelay
	}
	return delay
}

func (eb *ExponentialBackoff) Reset() {}

// DefaultBackoff is the reconnect policy used when none is supplied.
func DefaultBackoff() BackoffStrategy {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Feed is one client-side collection subscription. It dials the hub,
// delivers decoded change events to its handler, and reconnects with backoff
// until closed. Feed satisfies the engine's Subscription interface.
type Feed struct {
	url     string
	handler func(fieldsync.Change)
	backoff BackoffStrategy
	logger  *logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

var _ fieldsync.Subscription = (*Feed)(nil)

// FeedURL builds the hub endpoint for a collection subscription from the
// remote base URL, translating the http scheme to ws.
func FeedURL(baseURL string, col entity.Collection, scope fieldsync.Scope) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid remote URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = u.Path + "/subscribe"
	q := u.Query()
	q.Set("collection", string(col))
	if scope.All {
		q.Set("all", "true")
	} else if scope.WorkerID != "" {
		q.Set("workerId", scope.WorkerID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewFeed starts a subscription and returns once the dial loop is running.
// Delivery begins as soon as the first connection succeeds.
func NewFeed(ctx context.Context, feedURL string, handler func(fieldsync.Change), backoff BackoffStrategy) *Feed {
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	f := &Feed{
		url:     feedURL,
		handler: handler,
		backoff: backoff,
		logger:  logging.WithComponent("ws-feed"),
		done:    make(chan struct{}),
	}
	go f.run(ctx)
	return f
}

func (f *Feed) run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-f.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			delay := f.backoff.NextDelay(attempt)
			attempt++
			f.logger.Debug("feed dial failed, retrying",
				slog.String("url", f.url),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
				continue
			case <-f.done:
				return
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		f.backoff.Reset()
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conn = conn
		f.mu.Unlock()

		f.readLoop(conn)

		f.mu.Lock()
		f.conn = nil
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var fr frame
		if err := json.Unmarshal(payload, &fr); err != nil {
			f.logger.Warn("malformed change frame", slog.String("error", err.Error()))
			continue
		}
		change, err := fr.toChange()
		if err != nil {
			f.logger.Warn("undecodable change frame", slog.String("error", err.Error()))
			continue
		}
		f.handler(change)
	}
}

func (fr frame) toChange() (fieldsync.Change, error) {
	change := fieldsync.Change{
		Type:       fieldsync.ChangeType(fr.Type),
		Collection: fr.Collection,
		Origin:     fr.Origin,
	}
	if len(fr.Entity) > 0 {
		e, err := entity.Decode(fr.Collection, fr.Entity)
		if err != nil {
			return fieldsync.Change{}, err
		}
		change.Entity = e
	} else if fr.EntityID != "" && change.Type == fieldsync.ChangeRemoved {
		// Removal frames may omit the body; synthesize a tombstone carrying
		// only the id so the listener can delete by key.
		tombstone, err := entity.Decode(fr.Collection, []byte(fmt.Sprintf(`{"id":%q}`, fr.EntityID)))
		if err != nil {
			return fieldsync.Change{}, err
		}
		change.Entity = tombstone
	}
	return change, nil
}

// Close tears the subscription down. No events are delivered after Close
// returns.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}
