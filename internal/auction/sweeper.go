package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// Sweeper periodically finalizes expired player auctions and advances the
// league cycle.
type Sweeper struct {
	s         gocron.Scheduler
	scheduler *Scheduler
	finalizer *Finalizer
	roster    RosterRepository
	interval  time.Duration
}

func NewSweeper(scheduler *Scheduler, finalizer *Finalizer, roster RosterRepository, clock clockwork.Clock, interval time.Duration) (*Sweeper, error) {
	opts := []gocron.SchedulerOption{}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}
	return &Sweeper{
		s:         s,
		scheduler: scheduler,
		finalizer: finalizer,
		roster:    roster,
		interval:  interval,
	}, nil
}

func (w *Sweeper) Start() error {
	_, err := w.s.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(w.run),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweep job: %w", err)
	}
	w.s.Start()
	log.Info("Sweeper started", "interval", w.interval)
	return nil
}

func (w *Sweeper) Stop() error {
	return w.s.Shutdown()
}

func (w *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()
	if err := w.Sweep(ctx); err != nil {
		log.Error("Sweep failed", "error", err)
	}
}

// Sweep runs one pass: expired records of active leagues are finalized, then
// the scheduler ticks.
func (w *Sweeper) Sweep(ctx context.Context) error {
	active, err := w.scheduler.ActiveLeagues(ctx)
	if err != nil {
		return err
	}
	for _, leagueID := range active {
		tier, err := w.roster.GetTier(ctx, leagueID)
		if err != nil {
			log.Error("Failed to load tier for sweep", "league", leagueID, "error", err)
			continue
		}
		if _, err := w.finalizer.FinalizeExpired(ctx, tier); err != nil {
			log.Error("Failed to finalize expired bids", "league", leagueID, "error", err)
		}
	}
	return w.scheduler.Tick(ctx)
}
