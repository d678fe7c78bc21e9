package auction

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"github.com/ovhl/bidding-server/pkg/errors"
	"github.com/ovhl/bidding-server/pkg/types"
)

// FinalizeFailure is a player whose result could not be persisted. The record
// stays unsettled and is retried by the next finalization.
type FinalizeFailure struct {
	PlayerID   string `json:"playerSeasonId"`
	PlayerName string `json:"playerName"`
	Error      string `json:"error"`
}

type FinalizeResult struct {
	Processed int               `json:"processed"`
	Assigned  int               `json:"assigned"`
	Failed    []FinalizeFailure `json:"failed"`
}

func (r *FinalizeResult) add(o FinalizeResult) {
	r.Processed += o.Processed
	r.Assigned += o.Assigned
	r.Failed = append(r.Failed, o.Failed...)
}

// Finalizer closes auction records and writes their outcome to the roster.
type Finalizer struct {
	store      Store
	roster     RosterRepository
	clock      clockwork.Clock
	maxRetries int
}

func NewFinalizer(store Store, roster RosterRepository, clock clockwork.Clock, maxRetries int) *Finalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Finalizer{store: store, roster: roster, clock: clock, maxRetries: maxRetries}
}

// Finalize closes every record of tier and persists the winners. Records that
// were already settled are skipped, so running it twice assigns nobody twice.
func (f *Finalizer) Finalize(ctx context.Context, tier types.Tier) (FinalizeResult, error) {
	return f.run(ctx, tier, func(types.AuctionRecord, time.Time) bool { return true })
}

// FinalizeExpired closes only the ACTIVE records of tier whose countdown has
// elapsed, plus any earlier finalization that failed to persist.
func (f *Finalizer) FinalizeExpired(ctx context.Context, tier types.Tier) (FinalizeResult, error) {
	return f.run(ctx, tier, func(rec types.AuctionRecord, now time.Time) bool {
		if rec.Status == types.StatusFinalized {
			return true
		}
		return rec.Status == types.StatusActive && rec.EndTime != nil && !now.Before(*rec.EndTime)
	})
}

func (f *Finalizer) run(ctx context.Context, tier types.Tier, due func(types.AuctionRecord, time.Time) bool) (FinalizeResult, error) {
	records, err := f.store.ListByTier(ctx, tier.ID)
	if err != nil {
		return FinalizeResult{}, errors.Dependency("failed to read auction records", err)
	}

	res := FinalizeResult{Failed: []FinalizeFailure{}}
	now := f.clock.Now()
	for _, rec := range records {
		if rec.Settled || !due(rec, now) {
			continue
		}
		res.Processed++
		assigned, err := f.settle(ctx, tier, rec)
		if err != nil {
			log.Error("Failed to finalize player", "player", rec.PlayerName, "id", rec.PlayerID, "error", err)
			res.Failed = append(res.Failed, FinalizeFailure{
				PlayerID:   rec.PlayerID,
				PlayerName: rec.PlayerName,
				Error:      err.Error(),
			})
			continue
		}
		if assigned {
			res.Assigned++
		}
	}

	if res.Processed > 0 {
		log.Info("Finalization complete",
			"tier", tier.Name,
			"processed", res.Processed,
			"assigned", res.Assigned,
			"failed", len(res.Failed))
	}
	return res, nil
}

// settle moves one record to FINALIZED, persists the winner and marks it settled.
func (f *Finalizer) settle(ctx context.Context, tier types.Tier, rec types.AuctionRecord) (bool, error) {
	rec, err := f.close(ctx, rec)
	if err != nil {
		return false, err
	}

	assigned := false
	if rec.HasBids() {
		team, err := f.roster.GetTeamSeason(ctx, rec.LeaderID(), tier.ID)
		switch {
		case stderrors.Is(err, ErrNotFound):
			log.Warn("Winning team has no season entry, player left unassigned",
				"player", rec.PlayerName, "team", rec.LeaderName())
		case err != nil:
			return false, fmt.Errorf("load team season: %w", err)
		default:
			if err := f.roster.AssignPlayerToTeam(ctx, rec.PlayerID, team.ID); err != nil {
				return false, fmt.Errorf("assign player: %w", err)
			}
			if rec.ContractID != "" {
				if err := f.roster.UpdateContractAmount(ctx, rec.ContractID, rec.Amount()); err != nil {
					return false, fmt.Errorf("update contract: %w", err)
				}
			}
			assigned = true
		}
	}
	if err := f.roster.ClearAuctionFlag(ctx, rec.PlayerID); err != nil {
		return false, fmt.Errorf("clear auction flag: %w", err)
	}

	if err := f.markSettled(ctx, rec); err != nil {
		return false, err
	}
	if assigned {
		log.Info("Player assigned", "player", rec.PlayerName, "team", rec.LeaderName(), "amount", rec.Amount())
	}
	return assigned, nil
}

// close CASes rec to FINALIZED, re-reading on conflict. It returns the
// stored record, which may already have been finalized by someone else.
func (f *Finalizer) close(ctx context.Context, rec types.AuctionRecord) (types.AuctionRecord, error) {
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if rec.Status == types.StatusFinalized {
			return rec, nil
		}
		next := rec.Clone()
		now := f.clock.Now()
		next.Status = types.StatusFinalized
		next.FinalizedAt = &now
		next.LastUpdate = now

		saved, err := f.store.CompareAndSwap(ctx, rec.PlayerID, rec.Version, next)
		if err == nil {
			return saved, nil
		}
		if !stderrors.Is(err, ErrConflict) {
			return types.AuctionRecord{}, fmt.Errorf("close record: %w", err)
		}
		if rec, err = f.store.Get(ctx, rec.PlayerID); err != nil {
			return types.AuctionRecord{}, fmt.Errorf("reload record: %w", err)
		}
	}
	return types.AuctionRecord{}, fmt.Errorf("close record: %w", ErrConflict)
}

func (f *Finalizer) markSettled(ctx context.Context, rec types.AuctionRecord) error {
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if rec.Settled {
			return nil
		}
		next := rec.Clone()
		next.Settled = true
		next.LastUpdate = f.clock.Now()

		_, err := f.store.CompareAndSwap(ctx, rec.PlayerID, rec.Version, next)
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, ErrConflict) {
			return fmt.Errorf("mark settled: %w", err)
		}
		if rec, err = f.store.Get(ctx, rec.PlayerID); err != nil {
			return fmt.Errorf("reload record: %w", err)
		}
	}
	return fmt.Errorf("mark settled: %w", ErrConflict)
}
