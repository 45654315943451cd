// Package auth owns accounts and session tokens: register, login with
// same-device eviction, logout. Tokens are HMAC-signed so a gateway
// can spot forgeries, but the KV session record stays the source of
// truth for liveness.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tinyim/tinyim/internal/db"
	"github.com/tinyim/tinyim/internal/kv"
	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/rpc"
)

type Service struct {
	db         *db.DB
	store      kv.Store
	secret     []byte
	sessionTTL time.Duration
	log        zerolog.Logger

	// now is swappable for deterministic token tests.
	now func() time.Time
}

func New(database *db.DB, store kv.Store, secret string, sessionTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{
		db:         database,
		store:      store,
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		log:        log.With().Str("component", "auth").Logger(),
		now:        time.Now,
	}
}

// Mount registers the RPC methods.
func (s *Service) Mount(srv *rpc.Server) error {
	methods := map[string]rpc.HandlerFunc{
		"Register": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.RegisterReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.Register(ctx, &req), nil
		},
		"Login": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.LoginReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.Login(ctx, &req), nil
		},
		"Logout": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.LogoutReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.Logout(ctx, &req), nil
		},
	}
	for name, h := range methods {
		if err := srv.Handle(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Register(ctx context.Context, req *protocol.RegisterReq) *protocol.RegisterResp {
	if req.Username == "" || req.Password == "" {
		return &protocol.RegisterResp{Result: protocol.Fail("username and password are required")}
	}
	nickname := req.Nickname
	if nickname == "" {
		nickname = req.Username
	}

	user := db.User{
		Username: req.Username,
		Password: hashPassword(req.Password),
		Nickname: nickname,
	}
	err := s.db.Write().WithContext(ctx).Create(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "duplicate") {
			return &protocol.RegisterResp{Result: protocol.Fail("user may exist")}
		}
		s.log.Error().Err(err).Str("username", req.Username).Msg("User insert failed")
		return &protocol.RegisterResp{Result: protocol.Fail("internal error")}
	}

	s.log.Info().Int64("user_id", user.UserID).Str("username", user.Username).Msg("User registered")
	return &protocol.RegisterResp{Result: protocol.OK(), UserID: user.UserID}
}

// Login verifies credentials, evicts any previous session on the same
// device, and mints a fresh token. The eviction goes out before the new
// token lands so the old session cannot race its way back in.
func (s *Service) Login(ctx context.Context, req *protocol.LoginReq) *protocol.LoginResp {
	if req.Username == "" || req.Password == "" || req.Device == "" {
		return &protocol.LoginResp{Result: protocol.Fail("username, password and device are required")}
	}

	var user db.User
	err := s.db.Read().WithContext(ctx).Where("username = ?", req.Username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &protocol.LoginResp{Result: protocol.Fail("invalid username or password")}
	}
	if err != nil {
		s.log.Error().Err(err).Str("username", req.Username).Msg("User lookup failed")
		return &protocol.LoginResp{Result: protocol.Fail("internal error")}
	}
	if !hmac.Equal([]byte(user.Password), []byte(hashPassword(req.Password))) {
		return &protocol.LoginResp{Result: protocol.Fail("invalid username or password")}
	}

	prev, err := s.store.SessionToken(ctx, user.UserID, req.Device)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", user.UserID).Msg("Session lookup failed")
		return &protocol.LoginResp{Result: protocol.Fail("internal error")}
	}
	if prev != "" {
		if err := s.store.PublishKick(ctx, kv.Kick{UserID: user.UserID, Device: req.Device}); err != nil {
			s.log.Warn().Err(err).Int64("user_id", user.UserID).Msg("Kick publish failed")
		}
	}

	token := s.MintToken(user.UserID)
	if err := s.store.PutSessionToken(ctx, user.UserID, req.Device, token, s.sessionTTL); err != nil {
		s.log.Error().Err(err).Int64("user_id", user.UserID).Msg("Session write failed")
		return &protocol.LoginResp{Result: protocol.Fail("internal error")}
	}

	s.log.Info().Int64("user_id", user.UserID).Str("device", req.Device).Bool("evicted_previous", prev != "").Msg("User logged in")
	return &protocol.LoginResp{
		Result:   protocol.OK(),
		UserID:   user.UserID,
		Token:    token,
		Nickname: user.Nickname,
	}
}

// Logout drops session state. An empty device clears every device of
// the user and kicks them all.
func (s *Service) Logout(ctx context.Context, req *protocol.LogoutReq) *protocol.LogoutResp {
	if req.UserID <= 0 {
		return &protocol.LogoutResp{Result: protocol.Fail("user_id is required")}
	}

	var err error
	if req.Device == "" {
		err = s.store.DeleteSession(ctx, req.UserID)
	} else {
		err = s.store.DeleteSessionToken(ctx, req.UserID, req.Device)
	}
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", req.UserID).Msg("Session delete failed")
		return &protocol.LogoutResp{Result: protocol.Fail("internal error")}
	}

	if req.Device != "" {
		if err := s.store.DeleteLocation(ctx, req.UserID, req.Device); err != nil {
			s.log.Warn().Err(err).Int64("user_id", req.UserID).Msg("Location delete failed")
		}
	}
	if err := s.store.PublishKick(ctx, kv.Kick{UserID: req.UserID, Device: req.Device}); err != nil {
		s.log.Warn().Err(err).Int64("user_id", req.UserID).Msg("Kick publish failed")
	}

	s.log.Info().Int64("user_id", req.UserID).Str("device", req.Device).Msg("User logged out")
	return &protocol.LogoutResp{Result: protocol.OK()}
}

// MintToken issues "token_<uid>_<nanos>_<sig>" where sig authenticates
// the prefix under the shared secret.
func (s *Service) MintToken(userID int64) string {
	payload := fmt.Sprintf("token_%d_%d", userID, s.now().UnixNano())
	return payload + "_" + sign(s.secret, payload)
}

// VerifyToken checks the signature without touching the KV store. The
// session record still decides whether the token is live.
func (s *Service) VerifyToken(token string) bool {
	i := strings.LastIndexByte(token, '_')
	if i <= 0 {
		return false
	}
	payload, sig := token[:i], token[i+1:]
	return hmac.Equal([]byte(sig), []byte(sign(s.secret, payload)))
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

func hashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}
