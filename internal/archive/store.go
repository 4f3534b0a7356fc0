// Package archive persists finished sessions to Redis so a restarted
// watcher can show recent results. The sync core never reads it; losing the
// archive loses history, not correctness.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/internal/session"
)

const (
	ttl       = 24 * time.Hour
	recentMax = 50
)

type Store struct {
	rdb *redis.Client
}

func NewStore(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for archive store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewStoreWithClient wires an existing client (tests use miniredis).
func NewStoreWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// SaveFinal stores a terminal session and indexes it in the recent list.
// Non-terminal sessions are ignored.
func (s *Store) SaveFinal(ctx context.Context, g *session.GameSession) error {
	if s == nil || s.rdb == nil || g == nil {
		return nil
	}
	if !g.Status.Terminal() {
		return nil
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, gameKey(g.ID), raw, ttl).Err(); err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, recentKey(), g.ID)
	pipe.LTrim(ctx, recentKey(), 0, recentMax-1)
	pipe.Expire(ctx, recentKey(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	obslog.L().Info("archive_save",
		zap.String("session_id", g.ID),
		zap.String("status", string(g.Status)),
		zap.String("result", g.Result),
	)
	return nil
}

// Load returns an archived session, or nil when absent.
func (s *Store) Load(ctx context.Context, id string) (*session.GameSession, error) {
	raw, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g session.GameSession
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Recent lists the most recently archived session ids, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]string, error) {
	if n <= 0 || n > recentMax {
		n = recentMax
	}
	return s.rdb.LRange(ctx, recentKey(), 0, int64(n-1)).Result()
}

func gameKey(id string) string { return "sync:archive:" + strings.TrimSpace(id) }
func recentKey() string        { return "sync:archive:recent" }

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
