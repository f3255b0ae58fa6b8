package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rebac"
)

// sessionRetention keeps closed sessions around for review before redis
// expires them.
const sessionRetention = 30 * 24 * time.Hour

// RedisSessionStore stores firefighter sessions in Redis
// (key: ffsession:{id}, membership sets ffsession:user:{userID} and
// ffsession:all for listing).
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (r *RedisSessionStore) key(id string) string {
	return fmt.Sprintf("ffsession:%s", id)
}

func (r *RedisSessionStore) userKey(userID string) string {
	return fmt.Sprintf("ffsession:user:%s", userID)
}

func (r *RedisSessionStore) CreateSession(ctx context.Context, sess *rebac.FirefighterSession) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(sess.ID), b, sessionRetention).Err(); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, r.userKey(sess.UserID), sess.ID).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, "ffsession:all", sess.ID).Err()
}

func (r *RedisSessionStore) GetSession(ctx context.Context, id string) (*rebac.FirefighterSession, error) {
	b, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, rebac.NewError(rebac.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var sess rebac.FirefighterSession
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *RedisSessionStore) UpdateSession(ctx context.Context, sess *rebac.FirefighterSession) error {
	if _, err := r.GetSession(ctx, sess.ID); err != nil {
		return err
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(sess.ID), b, redis.KeepTTL).Err()
}

func (r *RedisSessionStore) ListSessions(ctx context.Context, userID string) ([]*rebac.FirefighterSession, error) {
	setKey := "ffsession:all"
	if userID != "" {
		setKey = r.userKey(userID)
	}
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*rebac.FirefighterSession, 0, len(ids))
	for _, id := range ids {
		sess, err := r.GetSession(ctx, id)
		if rebac.IsNotFound(err) {
			// value expired out of retention; drop the stale member
			r.client.SRem(ctx, setKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.After(out[j].ActivatedAt) })
	return out, nil
}
