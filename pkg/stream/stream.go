// Package stream implements the one-shot server-push channel that carries a
// session's log events. A channel connects once and never reconnects; a new
// run opens a new channel.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

var (
	// ErrConnect means the channel failed before it ever opened.
	ErrConnect = errors.New("stream: connect failed")

	// ErrTransport means the channel failed after it opened.
	ErrTransport = errors.New("stream: transport failed")
)

// CompleteEventName is the distinguished named event the server sends when it
// considers the session finished.
const CompleteEventName = "complete"

// Channel is a live server-push connection. Messages are delivered in arrival
// order on Messages; Done is closed once the channel terminates for any
// reason, after which Err reports why (nil for a clean completion).
type Channel struct {
	client *http.Client
	logger *slog.Logger

	cancel context.CancelFunc

	opened   chan struct{}
	messages chan []byte
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// Open starts connecting to the session's event stream at url. It never
// blocks; callers await Opened or Done.
func Open(ctx context.Context, client *http.Client, logger *slog.Logger, url string) *Channel {
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithCancel(ctx)

	ch := &Channel{
		client:   client,
		logger:   logger.With("module", "stream"),
		cancel:   cancel,
		opened:   make(chan struct{}),
		messages: make(chan []byte),
		done:     make(chan struct{}),
	}

	go ch.run(ctx, url)

	return ch
}

// Opened is closed once the connection is established.
func (c *Channel) Opened() <-chan struct{} {
	return c.opened
}

// Messages delivers the data payload of every default server event, in
// arrival order. The channel is closed when the stream terminates.
func (c *Channel) Messages() <-chan []byte {
	return c.messages
}

// Done is closed when the channel has terminated and released its transport.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel terminated. It is nil after a clean completion
// or an explicit Close, and valid only once Done is closed.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Close tears the channel down and releases the transport. It is safe to call
// at any time and more than once.
func (c *Channel) Close() {
	c.cancel()
}

func (c *Channel) run(ctx context.Context, url string) {
	defer close(c.done)
	defer close(c.messages)
	defer c.cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrConnect, err))

		return
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrConnect, err))

		return
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		c.fail(fmt.Errorf("%w: unexpected status %d", ErrConnect, resp.StatusCode))

		return
	}

	close(c.opened)
	c.logger.Debug("Stream channel opened", "url", url)

	var (
		eventName string
		data      [][]byte
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 || eventName != "" {
				if c.dispatch(ctx, eventName, bytes.Join(data, []byte("\n"))) {
					return
				}
			}

			eventName = ""
			data = nil

			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		}
	}

	if ctx.Err() != nil {
		return
	}

	// EOF without an explicit complete event means the server dropped the
	// stream early, which browsers surface as an error too.
	if err := scanner.Err(); err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrTransport, err))
	} else {
		c.fail(fmt.Errorf("%w: stream ended without completion", ErrTransport))
	}
}

// dispatch routes one complete frame. It returns true when the frame ends the
// stream.
func (c *Channel) dispatch(ctx context.Context, eventName string, data []byte) bool {
	if eventName == CompleteEventName {
		c.logger.Debug("Stream channel completed")

		return true
	}

	if eventName != "" && eventName != "message" {
		c.logger.Debug("Ignoring unknown named event", "event", eventName)

		return false
	}

	select {
	case c.messages <- data:
		return false
	case <-ctx.Done():
		return true
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.logger.Debug("Stream channel failed", "error", err)
}
