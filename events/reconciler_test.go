package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"glowfund/chainverify"
	"glowfund/ledger"
	"glowfund/models"
	"glowfund/retryqueue"
)

const (
	testGLW     = "0x21c46173591f39afc1d2b634b74c98f0576a272b"
	testCreator = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	testBuyer   = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
)

type stubVerifier struct {
	err   error
	calls int
}

func (v *stubVerifier) VerifySale(context.Context, chainverify.SaleClaim) error {
	v.calls++
	return v.err
}

type testEnv struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	reconciler *Reconciler
	verifier   *stubVerifier
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
	led, err := ledger.New(ledger.Config{
		DB:         db,
		Location:   loc,
		GLWToken:   testGLW,
		SGCTLToken: "0xbcee3b87e48d0e72f94b1b9a223541b331d8bd77",
		USDCToken:  "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359",
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	verifier := &stubVerifier{}
	recon, err := NewReconciler(ReconcilerConfig{
		DB:          db,
		Ledger:      led,
		Verifier:    verifier,
		Environment: "test",
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return &testEnv{db: db, ledger: led, reconciler: recon, verifier: verifier}
}

func (env *testEnv) createDraft(t *testing.T) *models.Fraction {
	t.Helper()
	fraction, err := env.ledger.Create(context.Background(), ledger.CreateParams{
		ApplicationID:       "app-1",
		CreatedBy:           testCreator,
		Type:                models.TypeCrowdsale,
		StepPrice:           "1000000000000000000",
		TotalSteps:          10,
		SponsorSplitPercent: 10,
	})
	if err != nil {
		t.Fatalf("create fraction: %v", err)
	}
	return fraction
}

func (env *testEnv) createCommitted(t *testing.T) *models.Fraction {
	t.Helper()
	fraction := env.createDraft(t)
	committed, err := env.ledger.Commit(context.Background(), fraction.ID, "0xcommit", testGLW, testCreator, "1000000000000000000", 10)
	if err != nil {
		t.Fatalf("commit fraction: %v", err)
	}
	return committed
}

func envelope(t *testing.T, eventType, environment, schema string, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	body, err := json.Marshal(Envelope{
		EventType:     eventType,
		SchemaVersion: schema,
		Environment:   environment,
		Payload:       raw,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func soldPayload(fractionID string) SoldPayload {
	return SoldPayload{
		FractionID:      fractionID,
		TransactionHash: "0xsold1",
		LogIndex:        0,
		BlockNumber:     "18000000",
		Creator:         testCreator,
		Buyer:           testBuyer,
		Step:            "1000000000000000000",
		Amount:          "3000000000000000000",
		Timestamp:       1714000000,
	}
}

func (env *testEnv) queuedOps(t *testing.T) []models.FailedFractionOperation {
	t.Helper()
	var ops []models.FailedFractionOperation
	if err := env.db.Order("id ASC").Find(&ops).Error; err != nil {
		t.Fatalf("load operations: %v", err)
	}
	return ops
}

func TestHandleSkipsForeignEnvironmentAndSchema(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createCommitted(t)

	body := envelope(t, EventFractionSold, "production", SchemaVersion, soldPayload(fraction.ID))
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	body = envelope(t, EventFractionSold, "test", "v1", soldPayload(fraction.ID))
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if env.verifier.calls != 0 {
		t.Fatalf("expected no verification for skipped events, got %d", env.verifier.calls)
	}
}

func TestHandleSoldVerifiesAndAppliesSplit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createCommitted(t)

	body := envelope(t, EventFractionSold, "test", SchemaVersion, soldPayload(fraction.ID))
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if env.verifier.calls != 1 {
		t.Fatalf("expected 1 verification, got %d", env.verifier.calls)
	}

	updated, err := env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.SplitsSold != 3 {
		t.Fatalf("expected 3 steps sold, got %d", updated.SplitsSold)
	}

	// Redelivery of the same sale is absorbed without a second split.
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	updated, err = env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.SplitsSold != 3 {
		t.Fatalf("expected redelivery to be a no-op, got %d sold", updated.SplitsSold)
	}
}

func TestHandleSoldVerificationMismatchParksOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createCommitted(t)
	env.verifier.err = &chainverify.VerificationError{Reason: "buyer mismatch"}

	body := envelope(t, EventFractionSold, "test", SchemaVersion, soldPayload(fraction.ID))
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ops := env.queuedOps(t)
	if len(ops) != 1 {
		t.Fatalf("expected 1 failed operation, got %d", len(ops))
	}
	if ops[0].OperationType != models.OpSplit || ops[0].MaxRetries != 0 {
		t.Fatalf("expected parked split operation with zero ceiling, got %+v", ops[0])
	}

	updated, err := env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.SplitsSold != 0 {
		t.Fatalf("unverified sale must not move steps, got %d", updated.SplitsSold)
	}
}

func TestHandleSoldTransientFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createCommitted(t)
	env.verifier.err = &chainverify.TransientError{Err: fmt.Errorf("rpc timeout")}

	body := envelope(t, EventFractionSold, "test", SchemaVersion, soldPayload(fraction.ID))
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ops := env.queuedOps(t)
	if len(ops) != 1 || ops[0].MaxRetries != retryqueue.DefaultMaxRetries {
		t.Fatalf("expected retryable operation, got %+v", ops)
	}

	// Replay through the retry queue succeeds once the RPC recovers.
	svc, err := retryqueue.New(retryqueue.Config{DB: env.db, Ledger: env.ledger})
	if err != nil {
		t.Fatalf("new retry service: %v", err)
	}
	env.reconciler.RegisterRetryHandlers(svc)
	env.verifier.err = nil

	result, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Resolved != 1 {
		t.Fatalf("expected replay to resolve, got %+v", result)
	}
	updated, err := env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.SplitsSold != 3 {
		t.Fatalf("expected replay to apply the split, got %d sold", updated.SplitsSold)
	}
}

func TestHandleCreatedCommitsDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createDraft(t)

	payload := CreatedPayload{
		FractionID: fraction.ID,
		TxHash:     "0xcommit",
		Token:      testGLW,
		Owner:      testCreator,
		Step:       "1000000000000000000",
		TotalSteps: 10,
	}
	body := envelope(t, EventFractionCreated, "test", SchemaVersion, payload)
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}

	updated, err := env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Status != models.StatusCommitted || !updated.IsCommittedOnChain {
		t.Fatalf("expected committed fraction, got %+v", updated)
	}

	// Redelivery is a no-op, not a failed operation.
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if ops := env.queuedOps(t); len(ops) != 0 {
		t.Fatalf("expected no failed operations, got %+v", ops)
	}
}

func TestHandleCreatedOwnerMismatchIsParked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createDraft(t)

	payload := CreatedPayload{
		FractionID: fraction.ID,
		TxHash:     "0xcommit",
		Token:      testGLW,
		Owner:      testBuyer,
		Step:       "1000000000000000000",
		TotalSteps: 10,
	}
	body := envelope(t, EventFractionCreated, "test", SchemaVersion, payload)
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ops := env.queuedOps(t)
	if len(ops) != 1 || ops[0].OperationType != models.OpCommit || ops[0].MaxRetries != 0 {
		t.Fatalf("expected parked commit operation, got %+v", ops)
	}
}

func TestHandleClosedCancelsOpenFraction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createCommitted(t)

	body := envelope(t, EventFractionClosed, "test", SchemaVersion, ClosedPayload{FractionID: fraction.ID})
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	updated, err := env.ledger.FindByID(ctx, fraction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
}

func TestHandleRefundedRecordsRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fraction := env.createCommitted(t)
	if _, err := env.ledger.MarkCancelled(ctx, fraction.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	payload := RefundedPayload{
		FractionID:      fraction.ID,
		User:            testBuyer,
		TransactionHash: "0xrefund1",
		LogIndex:        1,
		BlockNumber:     "18000002",
		Creator:         testCreator,
		RefundTo:        testBuyer,
		Amount:          "1000000000000000000",
		Timestamp:       1714000500,
	}
	body := envelope(t, EventFractionRefunded, "test", SchemaVersion, payload)
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var count int64
	if err := env.db.Model(&models.FractionRefund{}).Count(&count).Error; err != nil {
		t.Fatalf("count refunds: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 refund row, got %d", count)
	}

	// Redelivery is absorbed by the unique keys.
	if err := env.reconciler.Handle(ctx, body); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if err := env.db.Model(&models.FractionRefund{}).Count(&count).Error; err != nil {
		t.Fatalf("count refunds: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected redelivery to be a no-op, got %d rows", count)
	}
}

func TestHealthTracksLastEvent(t *testing.T) {
	env := newTestEnv(t)
	fraction := env.createCommitted(t)

	body := envelope(t, EventFractionSold, "test", SchemaVersion, soldPayload(fraction.ID))
	if err := env.reconciler.Handle(context.Background(), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	health := env.reconciler.Health()
	if health.LastEventType != EventFractionSold || health.LastEventAt.IsZero() {
		t.Fatalf("unexpected health snapshot %+v", health)
	}
}
