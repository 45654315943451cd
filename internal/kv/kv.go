// Package kv holds the ephemeral state of the system: session tokens,
// device locations, per-owner sequence counters, service records and
// the kick pub/sub channel.
//
// Key namespaces:
//
//	session:{user_id}          hash device -> token
//	location:{user_id}         hash device -> push endpoint address
//	seq:{owner_id}             integer, INCR
//	service:{name}:{instance}  string, the advertised address
//	kick                       pub/sub channel, payload "{user_id}:{device}"
package kv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kick is one same-device eviction event. An empty Device matches every
// session of the user.
type Kick struct {
	UserID int64
	Device string
}

func (k Kick) payload() string {
	return fmt.Sprintf("%d:%s", k.UserID, k.Device)
}

func parseKick(payload string) (Kick, error) {
	uid, dev, ok := strings.Cut(payload, ":")
	if !ok {
		return Kick{}, fmt.Errorf("kv: malformed kick payload %q", payload)
	}
	id, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return Kick{}, fmt.Errorf("kv: malformed kick user id %q: %w", uid, err)
	}
	return Kick{UserID: id, Device: dev}, nil
}

// Store is the ephemeral-state contract shared by the gateway and the
// services. Implementations: Redis (production) and Memory (tests).
type Store interface {
	// Sessions: at most one token per (user, device).
	SessionToken(ctx context.Context, userID int64, device string) (string, error)
	PutSessionToken(ctx context.Context, userID int64, device, token string, ttl time.Duration) error
	DeleteSessionToken(ctx context.Context, userID int64, device string) error
	DeleteSession(ctx context.Context, userID int64) error
	SessionExists(ctx context.Context, userID int64) (bool, error)

	// Locations: which gateway push endpoint currently owns (user, device).
	PutLocation(ctx context.Context, userID int64, device, addr string, ttl time.Duration) error
	DeleteLocation(ctx context.Context, userID int64, device string) error
	Locations(ctx context.Context, userID int64) (map[string]string, error)

	// NextSeq atomically increments the per-owner sequence counter.
	// Returned values are strictly increasing.
	NextSeq(ctx context.Context, ownerID int64) (int64, error)

	// Service records for the directory.
	PutServiceRecord(ctx context.Context, name, instance, addr string, ttl time.Duration) error
	ServiceAddrs(ctx context.Context, name string) ([]string, error)

	// Kick pub/sub. SubscribeKick delivers until ctx is cancelled.
	PublishKick(ctx context.Context, k Kick) error
	SubscribeKick(ctx context.Context) (<-chan Kick, error)

	Close() error
}

func sessionKey(userID int64) string  { return "session:" + strconv.FormatInt(userID, 10) }
func locationKey(userID int64) string { return "location:" + strconv.FormatInt(userID, 10) }
func seqKey(ownerID int64) string     { return "seq:" + strconv.FormatInt(ownerID, 10) }

func serviceKey(name, instance string) string {
	return "service:" + name + ":" + instance
}

func servicePattern(name string) string {
	return "service:" + name + ":*"
}

const kickChannel = "kick"
