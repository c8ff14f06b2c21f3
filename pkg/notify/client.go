package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrClientClosed is returned when posting to a closed client
	ErrClientClosed = errors.New("client closed")

	// ErrClientBusy is returned when a client's buffer is full
	ErrClientBusy = errors.New("client buffer full")
)

// Client is a connected application instance.
type Client interface {
	ID() string
	PostMessage(ctx context.Context, msg Message) error
}

// Controllable clients learn which version controls them when claimed.
type Controllable interface {
	SetController(version string)
}

// ChanClient is an in-process client backed by a buffered channel.
// PostMessage never blocks; a full buffer drops the message.
type ChanClient struct {
	id string
	ch chan Message

	mu         sync.Mutex
	closed     bool
	controller string
}

// NewChanClient creates a client with a random id.
func NewChanClient(buffer int) *ChanClient {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanClient{
		id: uuid.NewString(),
		ch: make(chan Message, buffer),
	}
}

func (c *ChanClient) ID() string {
	return c.id
}

// Messages returns the delivery channel. It is closed by Close.
func (c *ChanClient) Messages() <-chan Message {
	return c.ch
}

func (c *ChanClient) PostMessage(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.ch <- msg:
		return nil
	default:
		return ErrClientBusy
	}
}

func (c *ChanClient) SetController(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controller = version
}

// Controller returns the version that claimed the client, or "".
func (c *ChanClient) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// Close stops delivery. It is safe to call more than once.
func (c *ChanClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
