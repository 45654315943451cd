package gateway

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/tinyim/tinyim/internal/metrics"
	"github.com/tinyim/tinyim/internal/protocol"
)

// Session states. A session is created ACTIVE, once the upgrade and
// token check have passed. DRAINING means the write queue is closed
// and the writer will hang up after flushing it.
const (
	stateActive int32 = iota
	stateDraining
	stateClosed
)

// Session is one authenticated device connection. All writes funnel
// through the out channel into a single writer goroutine; readers and
// push handlers never touch the conn directly.
type Session struct {
	userID int64
	device string
	conn   net.Conn

	state   atomic.Int32
	limiter *rate.Limiter

	mu        sync.Mutex
	out       chan []byte
	outClosed bool

	closeOnce sync.Once
}

func newSession(userID int64, device string, conn net.Conn, queueSize int, msgRate float64, burst int) *Session {
	return &Session{
		userID:  userID,
		device:  device,
		conn:    conn,
		out:     make(chan []byte, queueSize),
		limiter: rate.NewLimiter(rate.Limit(msgRate), burst),
	}
}

func (s *Session) UserID() int64  { return s.userID }
func (s *Session) Device() string { return s.device }

// Send enqueues a complete frame without blocking. A full queue drops
// the frame; pushes are best effort and the client resyncs by seq.
func (s *Session) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outClosed {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		metrics.PacketsDropped.Inc()
		return false
	}
}

// drainClose enqueues a final frame, then closes the queue so the
// writer flushes everything already queued and hangs up. The final
// frame blocks its way in rather than being dropped.
func (s *Session) drainClose(final []byte) {
	if !s.state.CompareAndSwap(stateActive, stateDraining) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outClosed {
		return
	}
	if final != nil {
		select {
		case s.out <- final:
		default:
			// Queue full: sacrifice one queued frame to get the
			// goodbye through.
			select {
			case <-s.out:
			default:
			}
			select {
			case s.out <- final:
			default:
			}
		}
	}
	s.outClosed = true
	close(s.out)
}

// Kick evicts the session with a LOGOUT_RESP carrying the reason,
// delivered before the connection closes.
func (s *Session) Kick(reason string) {
	body, _ := json.Marshal(protocol.LogoutResp{Result: protocol.Fail(reason)})
	metrics.KicksTotal.Inc()
	s.drainClose(protocol.Encode(protocol.CmdLogoutResp, body))
}

// close tears the transport down. Safe to call from both pumps.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		s.mu.Lock()
		if !s.outClosed {
			s.outClosed = true
			close(s.out)
		}
		s.mu.Unlock()
		s.conn.Close()
	})
}

// writePump is the session's only writer. It batches queued frames
// through a buffered writer to cut syscalls, and sends a WebSocket
// close frame once the queue is drained.
func (srv *Server) writePump(s *Session) {
	writer := bufio.NewWriter(s.conn)
	defer s.close()

	for frame := range s.out {
		s.conn.SetWriteDeadline(time.Now().Add(srv.cfg.WriteTimeout))
		if err := wsutil.WriteServerBinary(writer, frame); err != nil {
			srv.log.Debug().Err(err).Int64("user_id", s.userID).Msg("Session write failed")
			return
		}
		metrics.PacketsSent.Inc()

		n := len(s.out)
		for i := 0; i < n; i++ {
			frame = <-s.out
			if err := wsutil.WriteServerBinary(writer, frame); err != nil {
				srv.log.Debug().Err(err).Int64("user_id", s.userID).Msg("Session write failed")
				return
			}
			metrics.PacketsSent.Inc()
		}
		if err := writer.Flush(); err != nil {
			srv.log.Debug().Err(err).Int64("user_id", s.userID).Msg("Session flush failed")
			return
		}
	}

	// Queue closed and drained: say goodbye properly.
	s.conn.SetWriteDeadline(time.Now().Add(srv.cfg.WriteTimeout))
	wsutil.WriteServerMessage(s.conn, ws.OpClose, nil)
}

// readPump decodes frames off the socket and hands them to the
// dispatcher. The idle deadline doubles as the heartbeat liveness
// check; a silent client is reaped.
func (srv *Server) readPump(s *Session) {
	defer func() {
		if r := recover(); r != nil {
			srv.log.Error().Interface("panic", r).Int64("user_id", s.userID).Msg("Session handler panicked")
		}
		srv.teardown(s)
	}()

	dec := &protocol.Decoder{}
	for {
		s.conn.SetReadDeadline(time.Now().Add(srv.cfg.IdleTimeout))
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			srv.log.Debug().Err(err).Int64("user_id", s.userID).Msg("Session read ended")
			return
		}

		switch op {
		case ws.OpBinary, ws.OpText:
		case ws.OpClose:
			return
		default:
			continue
		}

		dec.Feed(msg)
		for {
			pkt, err := dec.Next()
			if err != nil {
				srv.log.Warn().Err(err).Int64("user_id", s.userID).Msg("Protocol violation, dropping session")
				return
			}
			if pkt == nil {
				break
			}
			metrics.PacketsReceived.Inc()
			srv.handlePacket(s, pkt)
			if s.state.Load() != stateActive {
				return
			}
		}
	}
}

// teardown unregisters the session and clears its location record,
// unless a newer login already owns the (user, device) slot.
func (srv *Server) teardown(s *Session) {
	s.close()
	if srv.conns.Remove(s) {
		ctx, cancel := contextWithTimeout(srv.cfg.RPCTimeout)
		defer cancel()
		if err := srv.store.DeleteLocation(ctx, s.userID, s.device); err != nil {
			srv.log.Warn().Err(err).Int64("user_id", s.userID).Msg("Location cleanup failed")
		}
	}
	metrics.ConnectionsActive.Dec()
	srv.log.Info().Int64("user_id", s.userID).Str("device", s.device).Msg("Session closed")
}
