// Package registry is the service directory. Instances self-register
// under a TTL and refresh it from a heartbeat loop; consumers observe a
// service name and read round-robin picks from a polled cache.
//
// Freshness contract: a just-registered instance may take up to one
// poll interval to become visible, and a just-expired one may linger in
// the cache for up to one poll interval. Callers must tolerate a single
// failed RPC and re-resolve.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyim/tinyim/internal/kv"
)

const (
	// ServiceGateway etc. are the directory names used across processes.
	ServiceGateway  = "gateway"
	ServiceAuth     = "auth"
	ServiceChat     = "chat"
	ServiceRelation = "relation"

	recordTTL       = 10 * time.Second
	refreshInterval = 3 * time.Second
	pollInterval    = 3 * time.Second
)

type registration struct {
	name     string
	instance string
	addr     string
}

type Registry struct {
	store kv.Store
	log   zerolog.Logger

	mu       sync.Mutex
	cache    map[string][]string
	rr       map[string]int
	observed map[string]struct{}
	regs     []registration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store kv.Store, log zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    store,
		log:      log.With().Str("component", "registry").Logger(),
		cache:    make(map[string][]string),
		rr:       make(map[string]int),
		observed: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register writes the service record immediately and keeps refreshing
// it until Close.
func (r *Registry) Register(ctx context.Context, name, instance, addr string) error {
	if err := r.store.PutServiceRecord(ctx, name, instance, addr, recordTTL); err != nil {
		return err
	}
	r.mu.Lock()
	r.regs = append(r.regs, registration{name: name, instance: instance, addr: addr})
	r.mu.Unlock()
	r.log.Info().Str("name", name).Str("instance", instance).Str("addr", addr).Msg("Service registered")
	return nil
}

// Observe marks a service name for cache polling.
func (r *Registry) Observe(name string) {
	r.mu.Lock()
	r.observed[name] = struct{}{}
	r.mu.Unlock()
}

// Start launches the heartbeat and poll loops.
func (r *Registry) Start() {
	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.pollLoop()
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			regs := append([]registration(nil), r.regs...)
			r.mu.Unlock()
			for _, reg := range regs {
				if err := r.store.PutServiceRecord(r.ctx, reg.name, reg.instance, reg.addr, recordTTL); err != nil {
					r.log.Warn().Err(err).Str("name", reg.name).Msg("Service record refresh failed")
				}
			}
		}
	}
}

func (r *Registry) pollLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.refreshCache()
		}
	}
}

func (r *Registry) refreshCache() {
	r.mu.Lock()
	names := make([]string, 0, len(r.observed))
	for name := range r.observed {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		addrs, err := r.store.ServiceAddrs(r.ctx, name)
		if err != nil {
			r.log.Warn().Err(err).Str("name", name).Msg("Directory poll failed")
			continue
		}
		r.mu.Lock()
		r.cache[name] = addrs
		r.mu.Unlock()
	}
}

// Discover returns a round-robin pick for the service, or "" when no
// instance is known. A cache miss falls back to one direct enumeration
// so the first call works before the poller has run.
func (r *Registry) Discover(name string) string {
	r.mu.Lock()
	addrs := r.cache[name]
	r.mu.Unlock()

	if len(addrs) == 0 {
		direct, err := r.store.ServiceAddrs(r.ctx, name)
		if err != nil {
			r.log.Warn().Err(err).Str("name", name).Msg("Directory fallback lookup failed")
			return ""
		}
		addrs = direct
		r.mu.Lock()
		r.cache[name] = addrs
		r.mu.Unlock()
	}
	if len(addrs) == 0 {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.rr[name] % len(addrs)
	r.rr[name] = idx + 1
	return addrs[idx]
}

// Close stops the background loops. Records are left to expire by TTL.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}
