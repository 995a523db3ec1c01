package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"glowfund/ledger"
	"glowfund/models"
	"glowfund/retryqueue"
)

const (
	testGLW     = "0x21c46173591f39afc1d2b634b74c98f0576a272b"
	testCreator = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	testBuyer   = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
)

type testEnv struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	sweeper *Sweeper
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	env := &testEnv{
		db: db,
		// A Thursday morning, clear of every weekly cutoff.
		now: time.Date(2024, time.May, 2, 10, 0, 0, 0, time.UTC),
	}
	env.ledger, err = ledger.New(ledger.Config{
		DB:         db,
		Location:   loc,
		GLWToken:   testGLW,
		SGCTLToken: "0xbcee3b87e48d0e72f94b1b9a223541b331d8bd77",
		USDCToken:  "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359",
		Now:        func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	env.sweeper, err = New(Config{
		DB:     db,
		Ledger: env.ledger,
		Now:    func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return env
}

func (env *testEnv) createFraction(t *testing.T, appID string, kind models.FractionType, creator string) *models.Fraction {
	t.Helper()
	fraction, err := env.ledger.Create(context.Background(), ledger.CreateParams{
		ApplicationID:       appID,
		CreatedBy:           creator,
		Type:                kind,
		StepPrice:           "5000000",
		TotalSteps:          10,
		SponsorSplitPercent: 10,
	})
	if err != nil {
		t.Fatalf("create fraction: %v", err)
	}
	return fraction
}

func (env *testEnv) queuedOps(t *testing.T) []models.FailedFractionOperation {
	t.Helper()
	var ops []models.FailedFractionOperation
	if err := env.db.Order("id ASC").Find(&ops).Error; err != nil {
		t.Fatalf("load operations: %v", err)
	}
	return ops
}

func TestExpireDueEnqueuesRefundForUnsoldPresale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createFraction(t, "app-1", models.TypePresale, testCreator)

	env.now = fraction.ExpirationAt.Add(time.Minute)
	result, err := env.sweeper.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if result.Expired != 1 || result.Refunded != 1 || result.Finalized != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	updated, err := env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Status != models.StatusExpired {
		t.Fatalf("expected expired, got %s", updated.Status)
	}

	ops := env.queuedOps(t)
	if len(ops) != 1 || ops[0].OperationType != models.OpRefund || ops[0].Status != models.OpPending {
		t.Fatalf("expected pending refund operation, got %+v", ops)
	}
}

func TestExpireDueEnqueuesFinalizeForPartiallySoldPresale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createFraction(t, "app-1", models.TypePresale, testCreator)

	split := models.FractionSplit{
		FractionID:      fraction.ID,
		TransactionHash: "0xaaa1",
		LogIndex:        0,
		BlockNumber:     "18000000",
		Creator:         testCreator,
		Buyer:           testBuyer,
		Step:            "5000000",
		Amount:          "15000000",
		StepsPurchased:  3,
		Timestamp:       env.now.Unix(),
	}
	if _, err := env.ledger.ApplySplit(ctx, split); err != nil {
		t.Fatalf("apply split: %v", err)
	}

	env.now = fraction.ExpirationAt.Add(time.Minute)
	result, err := env.sweeper.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if result.Finalized != 1 || result.Refunded != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	ops := env.queuedOps(t)
	if len(ops) != 1 || ops[0].OperationType != models.OpFinalize {
		t.Fatalf("expected finalize operation, got %+v", ops)
	}
}

func TestExpireDueEnqueuesFinalizeForSoldOutPresale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createFraction(t, "app-1", models.TypePresale, testCreator)

	split := models.FractionSplit{
		FractionID:      fraction.ID,
		TransactionHash: "0xaaa2",
		LogIndex:        0,
		BlockNumber:     "18000000",
		Creator:         testCreator,
		Buyer:           testBuyer,
		Step:            "5000000",
		Amount:          "50000000",
		StepsPurchased:  10,
		Timestamp:       env.now.Unix(),
	}
	result, err := env.ledger.ApplySplit(ctx, split)
	if err != nil {
		t.Fatalf("apply split: %v", err)
	}
	if result.Filled {
		t.Fatalf("presale must stay committed at capacity, got %+v", result)
	}

	env.now = fraction.ExpirationAt.Add(time.Minute)
	sweep, err := env.sweeper.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if sweep.Expired != 1 || sweep.Finalized != 1 || sweep.Refunded != 0 {
		t.Fatalf("unexpected result %+v", sweep)
	}

	updated, err := env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Status != models.StatusExpired || updated.IsFilled {
		t.Fatalf("expected expired fraction awaiting settlement, got %+v", updated)
	}

	ops := env.queuedOps(t)
	if len(ops) != 1 || ops[0].OperationType != models.OpFinalize {
		t.Fatalf("expected finalize operation, got %+v", ops)
	}
	var payload retryqueue.SettlementPayload
	if err := json.Unmarshal(ops[0].EventPayload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.FarmID != fraction.ApplicationID {
		t.Fatalf("expected farm id %s, got %s", fraction.ApplicationID, payload.FarmID)
	}
}

func TestExpireDueLeavesOnChainRailsWithoutSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createFraction(t, "app-1", models.TypeCrowdsale, testCreator)

	env.now = fraction.ExpirationAt.Add(time.Minute)
	result, err := env.sweeper.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if result.Expired != 1 || result.Finalized != 0 || result.Refunded != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if ops := env.queuedOps(t); len(ops) != 0 {
		t.Fatalf("expected no settlement operations for on-chain rail, got %+v", ops)
	}
}

func TestExpireDueSkipsOpenFractions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createFraction(t, "app-1", models.TypePresale, testCreator)

	result, err := env.sweeper.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if result.Expired != 0 {
		t.Fatalf("expected nothing due, got %+v", result)
	}
}

func TestEscalateStaleRaisesSponsorSplit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createFraction(t, "app-1", models.TypeCrowdsale, testCreator)

	env.now = env.now.Add(8 * 24 * time.Hour)
	result, err := env.sweeper.EscalateStale(ctx)
	if err != nil {
		t.Fatalf("escalate sweep: %v", err)
	}
	if result.Escalated != 1 {
		t.Fatalf("expected 1 escalation, got %+v", result)
	}

	updated, err := env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.SponsorSplitPercent != 20 {
		t.Fatalf("expected split raised to 20, got %d", updated.SponsorSplitPercent)
	}

	// The escalation touched the row, so a second sweep is idle.
	result, err = env.sweeper.EscalateStale(ctx)
	if err != nil {
		t.Fatalf("second escalate sweep: %v", err)
	}
	if result.Escalated != 0 {
		t.Fatalf("expected idle second sweep, got %+v", result)
	}
}
