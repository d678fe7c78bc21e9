package auction

import (
	"context"
	"sort"
	"sync"

	"github.com/ovhl/bidding-server/pkg/types"
)

// MemoryStore keeps records in process. It is used by tests and single-node
// development setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]types.AuctionRecord
	leagues map[string]types.LeagueAuctionStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]types.AuctionRecord),
		leagues: make(map[string]types.LeagueAuctionStatus),
	}
}

func (s *MemoryStore) Get(_ context.Context, playerID string) (types.AuctionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[playerID]
	if !ok {
		return types.AuctionRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListByTier(_ context.Context, tierID string) ([]types.AuctionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.AuctionRecord, 0)
	for _, rec := range s.records {
		if rec.TierID == tierID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, rec types.AuctionRecord) (types.AuctionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.PlayerID]; ok {
		return types.AuctionRecord{}, ErrExists
	}
	rec = rec.Clone()
	rec.Version = 1
	s.records[rec.PlayerID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, playerID string, expectedVersion int64, rec types.AuctionRecord) (types.AuctionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[playerID]
	if !ok {
		return types.AuctionRecord{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return types.AuctionRecord{}, ErrConflict
	}
	rec = rec.Clone()
	rec.PlayerID = playerID
	rec.Version = expectedVersion + 1
	s.records[playerID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) GetLeagueStatus(_ context.Context, leagueID string) (types.LeagueAuctionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.leagues[leagueID]
	if !ok {
		return types.LeagueAuctionStatus{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) SetLeagueStatus(_ context.Context, status types.LeagueAuctionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leagues[status.LeagueID] = status
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
