package store

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis implements Client on top of a Redis server. Each collection is a
// hash of id -> value plus a sorted set of ids (score 0, so members order
// lexicographically), and every change is published on a per-collection
// pub/sub channel for Listen.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func hashKey(path string) string    { return "fp:h:" + path }
func idsKey(path string) string     { return "fp:z:" + path }
func channelKey(path string) string { return "fp:ev:" + path }

func (r *Redis) Read(ctx context.Context, path, endAt string, limit int) ([]Entry, error) {
	var ids []string
	var err error

	switch {
	case endAt == "" && limit > 0:
		ids, err = r.client.ZRange(ctx, idsKey(path), int64(-limit), -1).Result()
	case endAt == "":
		ids, err = r.client.ZRange(ctx, idsKey(path), 0, -1).Result()
	case limit > 0:
		ids, err = r.client.ZRevRangeByLex(ctx, idsKey(path), &redis.ZRangeBy{
			Min: "-", Max: "[" + endAt, Count: int64(limit),
		}).Result()
		reverse(ids)
	default:
		ids, err = r.client.ZRangeByLex(ctx, idsKey(path), &redis.ZRangeBy{
			Min: "-", Max: "[" + endAt,
		}).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, hashKey(path), ids...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for i, id := range ids {
		s, ok := values[i].(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{ID: id, Value: []byte(s)})
	}
	return entries, nil
}

func (r *Redis) ReadOnce(ctx context.Context, path string) ([]byte, error) {
	coll, id := splitPath(path)
	val, err := r.client.HGet(ctx, hashKey(coll), id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

func (r *Redis) Write(ctx context.Context, updates map[string][]byte) error {
	type change struct {
		coll string
		ev   Event
	}
	var changes []change
	var subtrees []string

	// Existence checks determine Inserted vs Changed and whether a delete
	// produces a Removed event. They run before the transaction; writers of
	// the same entry racing here can at worst mislabel the event kind.
	for path, val := range updates {
		coll, id := splitPath(path)
		if val == nil {
			exists, err := r.client.HExists(ctx, hashKey(coll), id).Result()
			if err != nil {
				return err
			}
			if exists {
				changes = append(changes, change{coll, Event{Kind: Removed, ID: id}})
			}
			iter := r.client.Scan(ctx, 0, hashKey(path)+"*", 100).Iterator()
			for iter.Next(ctx) {
				name := strings.TrimPrefix(iter.Val(), "fp:h:")
				if name == path || strings.HasPrefix(name, path+"/") {
					subtrees = append(subtrees, name)
				}
			}
			if err := iter.Err(); err != nil {
				return err
			}
			continue
		}
		exists, err := r.client.HExists(ctx, hashKey(coll), id).Result()
		if err != nil {
			return err
		}
		kind := Inserted
		if exists {
			kind = Changed
		}
		changes = append(changes, change{coll, Event{Kind: kind, ID: id, Value: val}})
	}

	pipe := r.client.TxPipeline()
	for path, val := range updates {
		coll, id := splitPath(path)
		if val == nil {
			pipe.ZRem(ctx, idsKey(coll), id)
			pipe.HDel(ctx, hashKey(coll), id)
			continue
		}
		pipe.ZAdd(ctx, idsKey(coll), redis.Z{Score: 0, Member: id})
		pipe.HSet(ctx, hashKey(coll), id, string(val))
	}
	for _, name := range subtrees {
		pipe.Del(ctx, hashKey(name), idsKey(name))
	}
	for _, c := range changes {
		payload, err := json.Marshal(c.ev)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, channelKey(c.coll), payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Listen first replays the entries already past sinceID as Inserted events,
// then streams live changes. The pub/sub subscription is live before the
// replay snapshot is read, so nothing written in between is missed; the
// bound then moves to the newest replayed id, which filters the pub/sub
// copies of entries the snapshot already delivered.
func (r *Redis) Listen(ctx context.Context, path string, kind EventKind, sinceID string) (*Subscription, error) {
	ps := r.client.Subscribe(ctx, channelKey(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	q := newEventQueue()
	bound := sinceID
	if kind == Inserted {
		entries, err := r.Read(ctx, path, "", 0)
		if err != nil {
			_ = ps.Close()
			q.close()
			return nil, err
		}
		for _, e := range entries {
			if sinceID != "" && e.ID <= sinceID {
				continue
			}
			q.push(Event{Kind: Inserted, ID: e.ID, Value: e.Value})
			bound = e.ID
		}
	}

	go func() {
		defer q.close()
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("store: bad event payload on %s: %v", msg.Channel, err)
				continue
			}
			if !ev.matches(kind, bound) {
				continue
			}
			q.push(ev)
		}
	}()

	sub := &Subscription{C: q.out}
	sub.cancel = func() {
		_ = ps.Close()
		q.close()
	}
	return sub, nil
}

func (r *Redis) NewID() string {
	return pushID()
}

func reverse(ids []string) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}
