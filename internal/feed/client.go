package feed

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tandemhq/tandem/internal/remote"
)

// ClientConfig holds client configuration.
type ClientConfig struct {
	// Encoding requested from the server (default: json).
	Encoding Encoding

	// ReconnectDelay is the pause between reconnect attempts (default: 2s).
	ReconnectDelay time.Duration

	// Logger for client activity (default: stderr with [feed] prefix).
	Logger *log.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Encoding:       EncodingJSON,
		ReconnectDelay: 2 * time.Second,
		Logger:         log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}
}

// Client receives change events from a Server and republishes them to its
// own subscribers. It implements remote.ChangeSource.
type Client struct {
	remote.Hub

	url    string
	config *ClientConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the feed at rawURL. The first connection is made before
// Dial returns; later drops reconnect in the background and publish an
// invalidate event for every table, since frames sent meanwhile were lost.
//
// The caller MUST call Close() when done.
func Dial(ctx context.Context, rawURL string, config *ClientConfig) (*Client, error) {
	defaults := DefaultClientConfig()
	if config == nil {
		config = defaults
	}
	if !config.Encoding.Valid() {
		config.Encoding = defaults.Encoding
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed URL: %w", err)
	}
	q := u.Query()
	q.Set("encoding", string(config.Encoding))
	u.RawQuery = q.Encode()

	c := &Client{url: u.String(), config: config}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.loop(conn)
	return c, nil
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to feed: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (c *Client) loop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.read(conn)
		_ = conn.CloseNow()
		if c.ctx.Err() != nil {
			return
		}
		c.config.Logger.Printf("Feed connection lost: %v", err)

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.ReconnectDelay):
			}
			conn, err = c.connect(c.ctx)
			if err == nil {
				break
			}
			if c.ctx.Err() != nil {
				return
			}
			c.config.Logger.Printf("Reconnect failed: %v", err)
		}

		c.config.Logger.Printf("Reconnected to feed")
		for _, kind := range remote.Kinds {
			c.Publish(remote.Event{Kind: kind, Op: remote.OpInvalidate, At: time.Now().UTC()})
		}
	}
}

func (c *Client) read(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		e, err := DecodeEvent(typ, data)
		if err != nil {
			c.config.Logger.Printf("Skipping frame: %v", err)
			continue
		}
		c.Publish(e)
	}
}
