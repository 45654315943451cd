// Package gateway is the session plane: it terminates WebSocket
// connections, decodes the binary frame protocol, and bridges clients
// to the back-end services over the RPC plane. Per-user state lives in
// the shared KV store so any gateway instance can serve any user.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tinyim/tinyim/internal/config"
	"github.com/tinyim/tinyim/internal/kv"
	"github.com/tinyim/tinyim/internal/metrics"
	"github.com/tinyim/tinyim/internal/push"
	"github.com/tinyim/tinyim/internal/rpc"
)

type Server struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  kv.Store
	caller rpc.Caller
	conns  *Conns
	guard  *Guard

	instance string
	pushAddr string
	pushSubs []*nats.Subscription

	httpSrv      *http.Server
	shuttingDown atomic.Bool

	cancelKick context.CancelFunc
	wg         sync.WaitGroup
}

func NewServer(cfg *config.Config, store kv.Store, caller rpc.Caller, instance string, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "gateway").Logger(),
		store:    store,
		caller:   caller,
		conns:    NewConns(),
		guard:    NewGuard(cfg.MaxConnections, cfg.MinFreeMemory),
		instance: instance,
		pushAddr: push.EndpointAddr(instance),
	}
}

// PushAddr is the endpoint address advertised in location records.
func (srv *Server) PushAddr() string { return srv.pushAddr }

// Start wires the NATS push endpoint and the cluster kick feed, then
// serves HTTP on cfg.GatewayAddr. api, when non-nil, is mounted under
// /api/ for the boundary endpoints. Blocks until the listener stops.
func (srv *Server) Start(nc *nats.Conn, api http.Handler) error {
	if err := srv.subscribePush(nc); err != nil {
		return err
	}

	kickCtx, cancel := context.WithCancel(context.Background())
	srv.cancelKick = cancel
	kicks, err := srv.store.SubscribeKick(kickCtx)
	if err != nil {
		cancel()
		return err
	}
	srv.wg.Add(1)
	go srv.kickLoop(kicks)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	if api != nil {
		mux.Handle("/api/", api)
	}

	srv.httpSrv = &http.Server{
		Addr:         srv.cfg.GatewayAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv.log.Info().Str("addr", srv.cfg.GatewayAddr).Str("push_addr", srv.pushAddr).Msg("Gateway listening")

	err = srv.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// kickLoop applies cluster-wide eviction events. Every gateway hears
// every kick; only the one holding the session acts on it.
func (srv *Server) kickLoop(kicks <-chan kv.Kick) {
	defer srv.wg.Done()
	for k := range kicks {
		srv.kickLocal(k.UserID, k.Device, "Kicked by new login")
	}
}

func (srv *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWS authenticates and upgrades one connection. The client
// connects to /ws?id=<user_id>&device=<device>&token=<token> with the
// token minted at login; a stale or forged token never reaches the
// session engine.
func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if srv.shuttingDown.Load() {
		metrics.ConnectionsRejected.WithLabelValues("shutting_down").Inc()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if reason, ok := srv.guard.Admit(srv.conns.Len()); !ok {
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		srv.log.Warn().Str("reason", reason).Int("active", srv.conns.Len()).Msg("Connection rejected")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	idParam := q.Get("id")
	if idParam == "" {
		// Older clients send user_id.
		idParam = q.Get("user_id")
	}
	userID, err := strconv.ParseInt(idParam, 10, 64)
	device := q.Get("device")
	token := q.Get("token")
	if err != nil || userID <= 0 || device == "" || token == "" {
		metrics.ConnectionsRejected.WithLabelValues("bad_request").Inc()
		http.Error(w, "id, device and token are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), srv.cfg.HandshakeTimeout)
	stored, err := srv.store.SessionToken(ctx, userID, device)
	cancel()
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("store_error").Inc()
		srv.log.Error().Err(err).Int64("user_id", userID).Msg("Token lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if stored == "" || stored != token {
		metrics.ConnectionsRejected.WithLabelValues("bad_token").Inc()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		srv.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	sess := newSession(userID, device, conn, srv.cfg.SendQueueSize, srv.cfg.MsgRatePerSec, srv.cfg.MsgRateBurst)

	if prev := srv.conns.Add(sess); prev != nil {
		prev.Kick("Kicked by new login")
	}

	lctx, lcancel := contextWithTimeout(srv.cfg.RPCTimeout)
	if err := srv.store.PutLocation(lctx, userID, device, srv.pushAddr, srv.cfg.LocationTTL); err != nil {
		srv.log.Warn().Err(err).Int64("user_id", userID).Msg("Location record write failed")
	}
	lcancel()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	srv.log.Info().
		Int64("user_id", userID).
		Str("device", device).
		Str("remote", r.RemoteAddr).
		Int("active", srv.conns.Len()).
		Msg("Session established")

	go srv.writePump(sess)
	go srv.readPump(sess)
}

// Shutdown drains the gateway: stop admitting, close the listener,
// evict every session with a goodbye frame, and wait for the writers
// to flush, up to the context deadline.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.shuttingDown.Store(true)

	var httpErr error
	if srv.httpSrv != nil {
		httpErr = srv.httpSrv.Shutdown(ctx)
	}

	for _, sub := range srv.pushSubs {
		sub.Unsubscribe()
	}

	for _, s := range srv.conns.All() {
		s.Kick("Server shutting down")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for srv.conns.Len() > 0 {
		select {
		case <-ctx.Done():
			srv.log.Warn().Int("remaining", srv.conns.Len()).Msg("Shutdown deadline hit with sessions still draining")
			for _, s := range srv.conns.All() {
				s.close()
			}
			if srv.cancelKick != nil {
				srv.cancelKick()
			}
			srv.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if srv.cancelKick != nil {
		srv.cancelKick()
	}
	srv.wg.Wait()
	srv.log.Info().Msg("Gateway drained")
	return httpErr
}
