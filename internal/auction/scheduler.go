package auction

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"github.com/ovhl/bidding-server/pkg/errors"
	"github.com/ovhl/bidding-server/pkg/types"
)

type SchedulerSettings struct {
	LeagueOrder          []string
	LeagueWindow         time.Duration
	LeagueCooldown       time.Duration
	DefaultContractFloor int64
}

// Scheduler opens and closes league bidding windows. At most one league is
// active at a time; every lifecycle operation runs under one lock.
type Scheduler struct {
	mu        sync.Mutex
	store     Store
	roster    RosterRepository
	eligible  EligibilitySource
	finalizer *Finalizer
	clock     clockwork.Clock
	settings  SchedulerSettings
}

func NewScheduler(store Store, roster RosterRepository, eligible EligibilitySource, finalizer *Finalizer, clock clockwork.Clock, settings SchedulerSettings) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		store:     store,
		roster:    roster,
		eligible:  eligible,
		finalizer: finalizer,
		clock:     clock,
		settings:  settings,
	}
}

// Start opens bidding for leagueID and seeds a PENDING record for every
// eligible player of its tier. Players that already have a record keep it.
func (s *Scheduler) Start(ctx context.Context, leagueID string) (types.LeagueAuctionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(ctx, leagueID)
}

func (s *Scheduler) start(ctx context.Context, leagueID string) (types.LeagueAuctionStatus, error) {
	level := slices.Index(s.settings.LeagueOrder, leagueID) + 1
	if level == 0 {
		return types.LeagueAuctionStatus{}, errors.NotFound(errors.ErrLeagueNotFound, fmt.Sprintf("unknown league %q", leagueID))
	}

	active, err := s.activeLeagues(ctx)
	if err != nil {
		return types.LeagueAuctionStatus{}, err
	}
	if slices.Contains(active, leagueID) {
		// Already open; starting again must not reseed or move the window.
		status, err := s.store.GetLeagueStatus(ctx, leagueID)
		if err != nil {
			return types.LeagueAuctionStatus{}, errors.Dependency("failed to load league status", err)
		}
		return status, nil
	}
	if len(active) > 0 {
		return types.LeagueAuctionStatus{}, errors.Conflict(errors.ErrLeagueAlreadyActive,
			fmt.Sprintf("another league is already in bidding: %s", active[0]), nil)
	}

	tier, err := s.roster.GetTier(ctx, leagueID)
	if stderrors.Is(err, ErrNotFound) {
		return types.LeagueAuctionStatus{}, errors.NotFound(errors.ErrTierNotFound, "tier not found")
	}
	if err != nil {
		return types.LeagueAuctionStatus{}, errors.Dependency("failed to load tier", err)
	}

	seeded, err := s.seed(ctx, tier)
	if err != nil {
		return types.LeagueAuctionStatus{}, err
	}

	now := s.clock.Now()
	status := types.LeagueAuctionStatus{
		LeagueID:   leagueID,
		Active:     true,
		StartTime:  now,
		EndTime:    now.Add(s.settings.LeagueWindow),
		TierLevel:  level,
		LastUpdate: now,
	}
	if err := s.store.SetLeagueStatus(ctx, status); err != nil {
		return types.LeagueAuctionStatus{}, errors.Dependency("failed to save league status", err)
	}

	log.Info("League bidding started", "league", leagueID, "tier", tier.Name, "players", seeded, "endTime", status.EndTime)
	return status, nil
}

func (s *Scheduler) seed(ctx context.Context, tier types.Tier) (int, error) {
	players, err := s.eligible.ListEligiblePlayers(ctx, tier.ID)
	if err != nil {
		return 0, errors.Dependency("failed to list eligible players", err)
	}

	seeded := 0
	now := s.clock.Now()
	for _, p := range players {
		floor := p.ContractFloor
		if floor <= 0 {
			floor = s.settings.DefaultContractFloor
		}
		_, err := s.store.Create(ctx, types.AuctionRecord{
			PlayerID:      p.PlayerID,
			PlayerName:    p.Name,
			Position:      p.Position,
			ContractID:    p.ContractID,
			ContractFloor: floor,
			TierID:        tier.ID,
			TierName:      tier.Name,
			Bids:          []types.BidEntry{},
			Status:        types.StatusPending,
			LastUpdate:    now,
		})
		if stderrors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return seeded, errors.Dependency("failed to seed auction record", err)
		}
		seeded++
	}
	return seeded, nil
}

// Stop closes the league window. Records are left as they are.
func (s *Scheduler) Stop(ctx context.Context, leagueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop(ctx, leagueID)
}

func (s *Scheduler) stop(ctx context.Context, leagueID string) error {
	if !slices.Contains(s.settings.LeagueOrder, leagueID) {
		return errors.NotFound(errors.ErrLeagueNotFound, fmt.Sprintf("unknown league %q", leagueID))
	}
	status, err := s.store.GetLeagueStatus(ctx, leagueID)
	if stderrors.Is(err, ErrNotFound) {
		status = types.LeagueAuctionStatus{LeagueID: leagueID}
	} else if err != nil {
		return errors.Dependency("failed to read league status", err)
	}

	status.Active = false
	status.StartTime = time.Time{}
	status.EndTime = time.Time{}
	status.ScheduledStart = nil
	status.LastUpdate = s.clock.Now()
	if err := s.store.SetLeagueStatus(ctx, status); err != nil {
		return errors.Dependency("failed to save league status", err)
	}
	log.Info("League bidding stopped", "league", leagueID)
	return nil
}

// Finalize closes the league window and settles every record of its tier.
func (s *Scheduler) Finalize(ctx context.Context, leagueID string) (FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalize(ctx, leagueID)
}

func (s *Scheduler) finalize(ctx context.Context, leagueID string) (FinalizeResult, error) {
	if err := s.stop(ctx, leagueID); err != nil {
		return FinalizeResult{}, err
	}
	tier, err := s.roster.GetTier(ctx, leagueID)
	if stderrors.Is(err, ErrNotFound) {
		return FinalizeResult{}, errors.NotFound(errors.ErrTierNotFound, "tier not found")
	}
	if err != nil {
		return FinalizeResult{}, errors.Dependency("failed to load tier", err)
	}
	return s.finalizer.Finalize(ctx, tier)
}

// Tick advances the league cycle: an active league whose window elapsed is
// finalized and the next league in order is scheduled after the cooldown; a
// scheduled league whose start time arrived is started.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for i, leagueID := range s.settings.LeagueOrder {
		status, err := s.store.GetLeagueStatus(ctx, leagueID)
		if stderrors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", leagueID, err))
			continue
		}
		now := s.clock.Now()

		switch {
		case status.Active && !now.Before(status.EndTime):
			log.Info("League bidding window elapsed", "league", leagueID)
			if _, err := s.finalize(ctx, leagueID); err != nil {
				errs = append(errs, fmt.Errorf("finalize %s: %w", leagueID, err))
				continue
			}
			if i+1 < len(s.settings.LeagueOrder) {
				if err := s.schedule(ctx, s.settings.LeagueOrder[i+1], now.Add(s.settings.LeagueCooldown)); err != nil {
					errs = append(errs, err)
				}
			}

		case !status.Active && status.ScheduledStart != nil && !now.Before(*status.ScheduledStart):
			if _, err := s.start(ctx, leagueID); err != nil {
				errs = append(errs, fmt.Errorf("start %s: %w", leagueID, err))
			}
		}
	}
	return stderrors.Join(errs...)
}

func (s *Scheduler) schedule(ctx context.Context, leagueID string, at time.Time) error {
	status, err := s.store.GetLeagueStatus(ctx, leagueID)
	if stderrors.Is(err, ErrNotFound) {
		status = types.LeagueAuctionStatus{LeagueID: leagueID, TierLevel: slices.Index(s.settings.LeagueOrder, leagueID) + 1}
	} else if err != nil {
		return fmt.Errorf("schedule %s: %w", leagueID, err)
	}
	status.ScheduledStart = &at
	status.LastUpdate = s.clock.Now()
	if err := s.store.SetLeagueStatus(ctx, status); err != nil {
		return fmt.Errorf("schedule %s: %w", leagueID, err)
	}
	log.Info("Next league scheduled", "league", leagueID, "start", at)
	return nil
}

// ActiveLeagues returns the leagues currently open for bidding.
func (s *Scheduler) ActiveLeagues(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLeagues(ctx)
}

func (s *Scheduler) activeLeagues(ctx context.Context) ([]string, error) {
	var active []string
	for _, leagueID := range s.settings.LeagueOrder {
		status, err := s.store.GetLeagueStatus(ctx, leagueID)
		if stderrors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Dependency("failed to read league status", err)
		}
		if status.Active {
			active = append(active, leagueID)
		}
	}
	return active, nil
}

// Statuses returns the known status of every configured league.
func (s *Scheduler) Statuses(ctx context.Context) ([]types.LeagueAuctionStatus, error) {
	out := make([]types.LeagueAuctionStatus, 0, len(s.settings.LeagueOrder))
	for _, leagueID := range s.settings.LeagueOrder {
		status, err := s.store.GetLeagueStatus(ctx, leagueID)
		if stderrors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Dependency("failed to read league status", err)
		}
		out = append(out, status)
	}
	return out, nil
}
