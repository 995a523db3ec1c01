// Package sched runs the periodic housekeeping sweeps: expiring fractions
// whose lifetime ended and escalating sponsor splits on stale unsold
// listings. Each row is processed on its own; one bad fraction never blocks
// the rest of a sweep.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"glowfund/ledger"
	"glowfund/models"
	"glowfund/observability"
	"glowfund/retryqueue"
)

// DefaultEscalationAge is how long a fraction must sit unsold before its
// sponsor split escalates.
const DefaultEscalationAge = 7 * 24 * time.Hour

// Config wires the sweeper.
type Config struct {
	DB            *gorm.DB
	Ledger        *ledger.Ledger
	Logger        *log.Logger
	EscalationAge time.Duration
	Now           func() time.Time
}

// Sweeper owns the expire and escalate passes.
type Sweeper struct {
	db            *gorm.DB
	ledger        *ledger.Ledger
	logger        *log.Logger
	escalationAge time.Duration
	now           func() time.Time
}

// New validates cfg and constructs a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("sched: database handle required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("sched: ledger required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	age := cfg.EscalationAge
	if age <= 0 {
		age = DefaultEscalationAge
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		db:            cfg.DB,
		ledger:        cfg.Ledger,
		logger:        logger,
		escalationAge: age,
		now:           now,
	}, nil
}

// ExpireResult summarises one expire sweep.
type ExpireResult struct {
	Expired   int
	Finalized int
	Refunded  int
	Errors    int
}

// ExpireDue expires every fraction whose lifetime ended. Presale fractions
// additionally enqueue a durable settlement operation: finalize when the
// sale moved any steps, refund when it moved none. The settlement call
// itself runs through the retry queue.
func (s *Sweeper) ExpireDue(ctx context.Context) (*ExpireResult, error) {
	now := s.now()
	due, err := s.ledger.DueForExpiration(ctx, now)
	if err != nil {
		observability.Sweeps().RecordRun("expire", err)
		return nil, err
	}
	result := &ExpireResult{}
	for i := range due {
		fraction := &due[i]
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := s.expireOne(ctx, fraction, result); err != nil {
			result.Errors++
			s.logger.Printf("sched: expire %s: %v", fraction.ID, err)
			s.recordFailure(ctx, fraction.ID, models.OpExpire, err)
		}
	}
	observability.Sweeps().RecordRun("expire", nil)
	return result, nil
}

func (s *Sweeper) expireOne(ctx context.Context, fraction *models.Fraction, result *ExpireResult) error {
	updated, err := s.ledger.MarkExpired(ctx, fraction.ID)
	if err != nil {
		return err
	}
	if updated.Status != models.StatusExpired {
		// Raced with a terminal transition; nothing further to do.
		return nil
	}
	result.Expired++
	observability.Sweeps().RecordProcessed("expire", "expired")

	if fraction.Type != models.TypePresale {
		return nil
	}
	op := models.OpRefund
	errMsg := "presale expired with no sales; refund pending"
	payload := retryqueue.SettlementPayload{FractionID: fraction.ID}
	if updated.SplitsSold > 0 {
		op = models.OpFinalize
		errMsg = "presale expired with sales; finalize pending"
		payload.FarmID = fraction.ApplicationID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sched: encode settlement payload: %w", err)
	}
	err = retryqueue.Enqueue(ctx, s.db, models.FailedFractionOperation{
		FractionID:    fraction.ID,
		OperationType: op,
		EventPayload:  body,
		ErrorMessage:  errMsg,
		MaxRetries:    retryqueue.DefaultMaxRetries,
	})
	if err != nil {
		return err
	}
	if op == models.OpFinalize {
		result.Finalized++
		observability.Sweeps().RecordProcessed("expire", "finalize_enqueued")
	} else {
		result.Refunded++
		observability.Sweeps().RecordProcessed("expire", "refund_enqueued")
	}
	return nil
}

// EscalateResult summarises one escalate sweep.
type EscalateResult struct {
	Escalated int
	Errors    int
}

// EscalateStale raises the sponsor split on unsold fractions that have not
// been touched within the escalation window.
func (s *Sweeper) EscalateStale(ctx context.Context) (*EscalateResult, error) {
	cutoff := s.now().Add(-s.escalationAge)
	stale, err := s.ledger.StaleForEscalation(ctx, cutoff)
	if err != nil {
		observability.Sweeps().RecordRun("escalate", err)
		return nil, err
	}
	result := &EscalateResult{}
	for i := range stale {
		fraction := &stale[i]
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		next, err := s.ledger.EscalateSponsorSplit(ctx, fraction)
		if err != nil {
			result.Errors++
			s.logger.Printf("sched: escalate %s: %v", fraction.ID, err)
			continue
		}
		if next != fraction.SponsorSplitPercent {
			result.Escalated++
			observability.Sweeps().RecordProcessed("escalate", "escalated")
			s.logger.Printf("sched: fraction %s sponsor split %d -> %d", fraction.ID, fraction.SponsorSplitPercent, next)
		}
	}
	observability.Sweeps().RecordRun("escalate", nil)
	return result, nil
}

func (s *Sweeper) recordFailure(ctx context.Context, fractionID string, op models.OperationType, cause error) {
	payload, err := json.Marshal(retryqueue.FractionPayload{FractionID: fractionID})
	if err != nil {
		s.logger.Printf("sched: encode failure payload: %v", err)
		return
	}
	err = retryqueue.Enqueue(ctx, s.db, models.FailedFractionOperation{
		FractionID:    fractionID,
		OperationType: op,
		EventPayload:  payload,
		ErrorMessage:  cause.Error(),
		MaxRetries:    retryqueue.DefaultMaxRetries,
	})
	if err != nil {
		s.logger.Printf("sched: record failed operation: %v", err)
	}
}

// SchedulerConfig configures the periodic sweep loop.
type SchedulerConfig struct {
	Sweeper          *Sweeper
	ExpireInterval   time.Duration
	EscalateInterval time.Duration
	Logger           *log.Logger
}

// Scheduler drives both sweeps on fixed cadences.
type Scheduler struct {
	sweeper          *Sweeper
	expireInterval   time.Duration
	escalateInterval time.Duration
	logger           *log.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	expire := cfg.ExpireInterval
	if expire <= 0 {
		expire = time.Hour
	}
	escalate := cfg.EscalateInterval
	if escalate <= 0 {
		escalate = 6 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		sweeper:          cfg.Sweeper,
		expireInterval:   expire,
		escalateInterval: escalate,
		logger:           logger,
	}
}

// Start runs both sweep loops until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	go s.loop(ctx, s.expireInterval, "expire", func() error {
		_, err := s.sweeper.ExpireDue(ctx)
		return err
	})
	go s.loop(ctx, s.escalateInterval, "escalate", func() error {
		_, err := s.sweeper.EscalateStale(ctx)
		return err
	})
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, run func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(); err != nil {
				s.logger.Printf("sched: %s sweep failed: %v", name, err)
			}
		}
	}
}
