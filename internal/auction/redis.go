package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ovhl/bidding-server/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON documents:
//
//	<prefix>bidding:<playerID>         auction record
//	<prefix>bidding:tier:<tierID>      set of player IDs in the tier
//	<prefix>bidding:league:<leagueID>  league bidding window
//
// CompareAndSwap runs under WATCH so two writers on one player cannot both win.
type RedisStore struct {
	Client *redis.Client
	prefix string
}

func NewRedisStore(opt *redis.Options, prefix string) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt), prefix: prefix}
}

func (s *RedisStore) recordKey(playerID string) string {
	return s.prefix + "bidding:" + playerID
}

func (s *RedisStore) tierKey(tierID string) string {
	return s.prefix + "bidding:tier:" + tierID
}

func (s *RedisStore) leagueKey(leagueID string) string {
	return s.prefix + "bidding:league:" + leagueID
}

func (s *RedisStore) Get(ctx context.Context, playerID string) (types.AuctionRecord, error) {
	b, err := s.Client.Get(ctx, s.recordKey(playerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.AuctionRecord{}, ErrNotFound
	}
	if err != nil {
		return types.AuctionRecord{}, fmt.Errorf("redis get %s: %w", playerID, err)
	}
	return decodeRecord(b)
}

func (s *RedisStore) ListByTier(ctx context.Context, tierID string) ([]types.AuctionRecord, error) {
	ids, err := s.Client.SMembers(ctx, s.tierKey(tierID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers tier %s: %w", tierID, err)
	}
	out := make([]types.AuctionRecord, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget tier %s: %w", tierID, err)
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

func (s *RedisStore) Create(ctx context.Context, rec types.AuctionRecord) (types.AuctionRecord, error) {
	key := s.recordKey(rec.PlayerID)
	rec.Version = 1
	b, err := json.Marshal(rec)
	if err != nil {
		return types.AuctionRecord{}, fmt.Errorf("encode record %s: %w", rec.PlayerID, err)
	}

	err = s.Client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			pipe.SAdd(ctx, s.tierKey(rec.TierID), rec.PlayerID)
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, ErrExists):
		return types.AuctionRecord{}, ErrExists
	case errors.Is(err, redis.TxFailedErr):
		return types.AuctionRecord{}, ErrExists
	case err != nil:
		return types.AuctionRecord{}, fmt.Errorf("redis create %s: %w", rec.PlayerID, err)
	}
	return rec, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, playerID string, expectedVersion int64, rec types.AuctionRecord) (types.AuctionRecord, error) {
	key := s.recordKey(playerID)
	rec.PlayerID = playerID
	rec.Version = expectedVersion + 1
	b, err := json.Marshal(rec)
	if err != nil {
		return types.AuctionRecord{}, fmt.Errorf("encode record %s: %w", playerID, err)
	}

	err = s.Client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return types.AuctionRecord{}, err
	case errors.Is(err, redis.TxFailedErr):
		return types.AuctionRecord{}, ErrConflict
	case err != nil:
		return types.AuctionRecord{}, fmt.Errorf("redis cas %s: %w", playerID, err)
	}
	return rec, nil
}

func (s *RedisStore) GetLeagueStatus(ctx context.Context, leagueID string) (types.LeagueAuctionStatus, error) {
	b, err := s.Client.Get(ctx, s.leagueKey(leagueID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.LeagueAuctionStatus{}, ErrNotFound
	}
	if err != nil {
		return types.LeagueAuctionStatus{}, fmt.Errorf("redis get league %s: %w", leagueID, err)
	}
	var st types.LeagueAuctionStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return types.LeagueAuctionStatus{}, fmt.Errorf("decode league %s: %w", leagueID, err)
	}
	return st, nil
}

func (s *RedisStore) SetLeagueStatus(ctx context.Context, status types.LeagueAuctionStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode league %s: %w", status.LeagueID, err)
	}
	if err := s.Client.Set(ctx, s.leagueKey(status.LeagueID), b, 0).Err(); err != nil {
		return fmt.Errorf("redis set league %s: %w", status.LeagueID, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}

func decodeRecord(b []byte) (types.AuctionRecord, error) {
	var rec types.AuctionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.AuctionRecord{}, fmt.Errorf("decode auction record: %w", err)
	}
	if rec.Bids == nil {
		rec.Bids = []types.BidEntry{}
	}
	return rec, nil
}
