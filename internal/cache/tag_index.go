// internal/cache/tag_index.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jason-s-yu/lobbyd/internal/actor"
	"github.com/redis/go-redis/v9"
)

// TagIndex is an actor.Index shared through Redis, so several router
// processes agree on which actor owns a tag set. Layout:
//
//	<prefix>:tags:<canonical tags>:id  actor id (SETNX, first writer wins)
//	<prefix>:<id>:record               JSON actor.Record
//	<prefix>:ids                       set of every known actor id
type TagIndex struct {
	rdb    *redis.Client
	prefix string
}

func NewTagIndex(rdb *redis.Client, prefix string) *TagIndex {
	if prefix == "" {
		prefix = "actor"
	}
	return &TagIndex{rdb: rdb, prefix: prefix}
}

func (ix *TagIndex) tagKey(key string) string { return ix.prefix + ":tags:" + key + ":id" }
func (ix *TagIndex) recordKey(id string) string { return ix.prefix + ":" + id + ":record" }
func (ix *TagIndex) idsKey() string             { return ix.prefix + ":ids" }

func (ix *TagIndex) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := ix.rdb.Get(ctx, ix.tagKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (ix *TagIndex) Get(ctx context.Context, id string) (actor.Record, bool, error) {
	data, err := ix.rdb.Get(ctx, ix.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return actor.Record{}, false, nil
	}
	if err != nil {
		return actor.Record{}, false, err
	}
	var rec actor.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return actor.Record{}, false, fmt.Errorf("decode actor record %s: %w", id, err)
	}
	return rec, true, nil
}

func (ix *TagIndex) Insert(ctx context.Context, key string, rec actor.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode actor record %s: %w", rec.ID, err)
	}

	var claimed *redis.BoolCmd
	_, err = ix.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ix.recordKey(rec.ID), data, 0)
		pipe.SAdd(ctx, ix.idsKey(), rec.ID)
		claimed = pipe.SetNX(ctx, ix.tagKey(key), rec.ID, 0)
		return nil
	})
	if err != nil {
		return "", err
	}
	if claimed.Val() {
		return rec.ID, nil
	}
	owner, err := ix.rdb.Get(ctx, ix.tagKey(key)).Result()
	if err != nil {
		return "", err
	}
	return owner, nil
}

func (ix *TagIndex) Remove(ctx context.Context, id string) error {
	_, err := ix.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ix.recordKey(id))
		pipe.SRem(ctx, ix.idsKey(), id)
		return nil
	})
	return err
}

// count reports how many actors are indexed.
func (ix *TagIndex) count(ctx context.Context) (int64, error) {
	return ix.rdb.SCard(ctx, ix.idsKey()).Result()
}
