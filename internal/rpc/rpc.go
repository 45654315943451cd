// Package rpc is the internal request/reply plane between the gateway
// and the services. It rides NATS: each service instance subscribes on
// an instance-scoped subject prefix ("rpc.<service>.<instance>"), and
// that prefix is the address it advertises in the service directory.
// Payloads are JSON; logic failures travel inside response bodies.
package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tinyim/tinyim/internal/metrics"
	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/registry"
)

// ErrNoInstance is returned when discovery yields no live instance.
var ErrNoInstance = errors.New("rpc: no live instance")

// InstanceID returns a random 8-hex-char instance identifier.
func InstanceID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in deep trouble;
		// fall back to a time-derived id rather than aborting startup.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}

// SubjectPrefix builds the instance-scoped address of a service.
func SubjectPrefix(service, instance string) string {
	return "rpc." + service + "." + instance
}

// HandlerFunc handles one decoded request. The returned value is
// JSON-encoded into the reply; a non-nil error becomes a failure
// Result instead.
type HandlerFunc func(ctx context.Context, data []byte) (any, error)

// Server exposes handlers of one service instance.
type Server struct {
	nc      *nats.Conn
	prefix  string
	pool    *Pool
	timeout time.Duration
	log     zerolog.Logger
	subs    []*nats.Subscription
}

func NewServer(nc *nats.Conn, service, instance string, timeout time.Duration, log zerolog.Logger) *Server {
	workers := runtime.GOMAXPROCS(0) * 2
	return &Server{
		nc:      nc,
		prefix:  SubjectPrefix(service, instance),
		pool:    NewPool(workers, workers*64, log),
		timeout: timeout,
		log:     log.With().Str("component", "rpc_server").Logger(),
	}
}

// Addr is the address this instance advertises in the directory.
func (s *Server) Addr() string { return s.prefix }

// Handle registers a method handler. Handlers run on the worker pool;
// they may block on storage I/O.
func (s *Server) Handle(method string, h HandlerFunc) error {
	subject := s.prefix + "." + method
	sub, err := s.nc.Subscribe(subject, func(m *nats.Msg) {
		s.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()

			out, err := h(ctx, m.Data)
			if err != nil {
				s.log.Warn().Err(err).Str("method", method).Msg("RPC handler failed")
				out = protocol.Fail(err.Error())
			}
			data, err := json.Marshal(out)
			if err != nil {
				s.log.Error().Err(err).Str("method", method).Msg("RPC response marshal failed")
				data, _ = json.Marshal(protocol.Fail("internal error"))
			}
			if err := m.Respond(data); err != nil {
				s.log.Warn().Err(err).Str("method", method).Msg("RPC respond failed")
			}
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Server) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.pool.Close()
}

// Caller issues requests to a named service. The gateway dispatch table
// and the HTTP boundary depend on this interface; tests substitute it.
type Caller interface {
	Call(ctx context.Context, service, method string, req, resp any) error
}

// Client resolves instances through the directory and requests over
// NATS.
type Client struct {
	nc      *nats.Conn
	reg     *registry.Registry
	timeout time.Duration
	log     zerolog.Logger
}

func NewClient(nc *nats.Conn, reg *registry.Registry, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		nc:      nc,
		reg:     reg,
		timeout: timeout,
		log:     log.With().Str("component", "rpc_client").Logger(),
	}
}

// Call round-robins an instance of service, sends req and decodes the
// reply into resp.
func (c *Client) Call(ctx context.Context, service, method string, req, resp any) error {
	addr := c.reg.Discover(service)
	if addr == "" {
		metrics.RPCFailures.WithLabelValues(service).Inc()
		return fmt.Errorf("%w: %s", ErrNoInstance, service)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s.%s request: %w", service, method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, addr+"."+method, data)
	if err != nil {
		metrics.RPCFailures.WithLabelValues(service).Inc()
		return fmt.Errorf("rpc %s.%s via %s: %w", service, method, addr, err)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s.%s response: %w", service, method, err)
	}
	return nil
}
