// Package dispatch is the plain-HTTP boundary of the system: account
// endpoints that must work before a WebSocket session exists, plus
// gateway discovery for clients that need somewhere to connect.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/registry"
	"github.com/tinyim/tinyim/internal/rpc"
)

// Response codes inside the envelope. Transport is always 200 for
// handled requests; failures live in the body.
const (
	CodeOK       = 0
	CodeFailed   = 1
	CodeBadInput = 2
)

type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

// Discoverer resolves a service name to one live address.
type Discoverer interface {
	Discover(name string) string
}

type Handler struct {
	caller   rpc.Caller
	director Discoverer
	log      zerolog.Logger
	mux      *http.ServeMux
}

func NewHandler(caller rpc.Caller, director Discoverer, log zerolog.Logger) *Handler {
	h := &Handler{
		caller:   caller,
		director: director,
		log:      log.With().Str("component", "http_api").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", h.handleRegister)
	mux.HandleFunc("/api/login", h.handleLogin)
	mux.HandleFunc("/api/logout", h.handleLogout)
	mux.HandleFunc("/api/discover/chat", h.handleDiscoverChat)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req protocol.RegisterReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, envelope{Code: CodeBadInput, Msg: "malformed request body"})
		return
	}

	var resp protocol.RegisterResp
	if err := h.caller.Call(r.Context(), registry.ServiceAuth, "Register", &req, &resp); err != nil {
		h.log.Warn().Err(err).Msg("Register call failed")
		writeEnvelope(w, envelope{Code: CodeFailed, Msg: "service temporarily unavailable"})
		return
	}
	if !resp.Success {
		writeEnvelope(w, envelope{Code: CodeFailed, Msg: resp.ErrorMessage})
		return
	}
	writeEnvelope(w, envelope{Code: CodeOK, Msg: "ok", Data: map[string]any{"user_id": resp.UserID}})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req protocol.LoginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, envelope{Code: CodeBadInput, Msg: "malformed request body"})
		return
	}
	if req.Device == "" {
		writeEnvelope(w, envelope{Code: CodeBadInput, Msg: "device is required"})
		return
	}

	var resp protocol.LoginResp
	if err := h.caller.Call(r.Context(), registry.ServiceAuth, "Login", &req, &resp); err != nil {
		h.log.Warn().Err(err).Msg("Login call failed")
		writeEnvelope(w, envelope{Code: CodeFailed, Msg: "service temporarily unavailable"})
		return
	}
	if !resp.Success {
		writeEnvelope(w, envelope{Code: CodeFailed, Msg: resp.ErrorMessage})
		return
	}

	data := map[string]any{
		"user_id":  resp.UserID,
		"token":    resp.Token,
		"nickname": resp.Nickname,
	}
	if url := h.gatewayURL(r.Context()); url != "" {
		data["gateway_url"] = url
	}
	writeEnvelope(w, envelope{Code: CodeOK, Msg: "ok", Data: data})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req protocol.LogoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		writeEnvelope(w, envelope{Code: CodeBadInput, Msg: "malformed request body"})
		return
	}

	var resp protocol.LogoutResp
	if err := h.caller.Call(r.Context(), registry.ServiceAuth, "Logout", &req, &resp); err != nil {
		h.log.Warn().Err(err).Msg("Logout call failed")
		writeEnvelope(w, envelope{Code: CodeFailed, Msg: "service temporarily unavailable"})
		return
	}
	if !resp.Success {
		writeEnvelope(w, envelope{Code: CodeFailed, Msg: resp.ErrorMessage})
		return
	}
	writeEnvelope(w, envelope{Code: CodeOK, Msg: "ok"})
}

// handleDiscoverChat hands a client a live gateway to connect to.
func (h *Handler) handleDiscoverChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	url := h.gatewayURL(r.Context())
	if url == "" {
		writeEnvelope(w, envelope{Code: CodeFailed, Msg: "no gateway available"})
		return
	}
	writeEnvelope(w, envelope{Code: CodeOK, Msg: "ok", Data: map[string]any{"gateway_url": url}})
}

func (h *Handler) gatewayURL(_ context.Context) string {
	addr := h.director.Discover(registry.ServiceGateway)
	if addr == "" {
		return ""
	}
	return "ws://" + addr + "/ws"
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}
