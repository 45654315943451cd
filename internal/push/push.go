// Package push delivers server-initiated events to the gateway that
// owns a device: new-message notifications and same-device kicks. A
// gateway exposes its push endpoint as a NATS subject prefix
// ("gwpush.<instance>"), which is exactly the address stored in the
// location record, so the chat and auth services can reach any
// gateway without knowing its network address.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tinyim/tinyim/internal/metrics"
)

// NotifySubject and KickSubject derive the concrete subjects from a
// gateway push endpoint address.
func NotifySubject(addr string) string { return addr + ".notify" }
func KickSubject(addr string) string   { return addr + ".kick" }

// EndpointAddr builds the push endpoint address of a gateway instance.
func EndpointAddr(instance string) string { return "gwpush." + instance }

// NotifyReq tells a gateway that a user's timeline advanced.
type NotifyReq struct {
	UserID  int64  `json:"user_id"`
	MaxSeq  int64  `json:"max_seq"`
	MsgType int    `json:"msg_type"`
	Device  string `json:"device,omitempty"`
}

// KickReq tells a gateway to evict a user's session on a device.
type KickReq struct {
	UserID int64  `json:"user_id"`
	Device string `json:"device"`
	Reason string `json:"reason,omitempty"`
}

// Notifier is one gateway's push endpoint as seen from a service.
type Notifier interface {
	PushNotify(ctx context.Context, req NotifyReq) error
	KickUser(ctx context.Context, req KickReq) error
}

// Director hands out a Notifier for a gateway address. Tests substitute
// it to observe pushes without a broker.
type Director interface {
	Get(addr string) Notifier
}

// Pool memoizes one Client per gateway address. Clients are cheap (a
// subject prefix over a shared connection) but memoizing keeps the hot
// send path allocation-free.
type Pool struct {
	nc      *nats.Conn
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewPool(nc *nats.Conn, timeout time.Duration, log zerolog.Logger) *Pool {
	return &Pool{
		nc:      nc,
		timeout: timeout,
		log:     log.With().Str("component", "push_pool").Logger(),
		clients: make(map[string]*Client),
	}
}

func (p *Pool) Get(addr string) Notifier {
	p.mu.RLock()
	c, ok := p.clients[addr]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.clients[addr]; ok {
		return c
	}
	c = &Client{nc: p.nc, addr: addr, timeout: p.timeout, log: p.log}
	p.clients[addr] = c
	return c
}

// Client pushes to one gateway. Both calls are request/reply so the
// caller learns whether the target gateway is alive; delivery to the
// device is still best effort beyond that.
type Client struct {
	nc      *nats.Conn
	addr    string
	timeout time.Duration
	log     zerolog.Logger
}

func (c *Client) PushNotify(ctx context.Context, req NotifyReq) error {
	if err := c.request(ctx, NotifySubject(c.addr), req); err != nil {
		metrics.PushFailures.Inc()
		return fmt.Errorf("push notify via %s: %w", c.addr, err)
	}
	metrics.PushesSent.Inc()
	return nil
}

func (c *Client) KickUser(ctx context.Context, req KickReq) error {
	if err := c.request(ctx, KickSubject(c.addr), req); err != nil {
		return fmt.Errorf("push kick via %s: %w", c.addr, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, subject string, req any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err = c.nc.RequestWithContext(ctx, subject, data)
	return err
}
