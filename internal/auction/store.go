package auction

import (
	"context"
	"errors"

	"github.com/ovhl/bidding-server/pkg/types"
)

var (
	// ErrNotFound is returned by a Store for an unknown player or league.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by CompareAndSwap when the stored version moved.
	ErrConflict = errors.New("version conflict")
	// ErrExists is returned by Create when the player already has a record.
	ErrExists = errors.New("record already exists")
)

// Store holds auction records and league bidding windows.
//
// CompareAndSwap is the only way to modify an existing record: it succeeds
// only when the stored version equals expectedVersion and then stores rec
// with version expectedVersion+1. A Store never emits notifications.
type Store interface {
	Get(ctx context.Context, playerID string) (types.AuctionRecord, error)
	ListByTier(ctx context.Context, tierID string) ([]types.AuctionRecord, error)
	Create(ctx context.Context, rec types.AuctionRecord) (types.AuctionRecord, error)
	CompareAndSwap(ctx context.Context, playerID string, expectedVersion int64, rec types.AuctionRecord) (types.AuctionRecord, error)

	GetLeagueStatus(ctx context.Context, leagueID string) (types.LeagueAuctionStatus, error)
	SetLeagueStatus(ctx context.Context, status types.LeagueAuctionStatus) error

	Ping(ctx context.Context) error
}
