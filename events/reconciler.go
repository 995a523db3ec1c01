// Package events ingests fraction lifecycle events from the message bus and
// reconciles them into the ledger. Delivery is at-least-once, so every
// handler is idempotent; failures become durable retry-queue operations
// instead of blocking the stream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"glowfund/chainverify"
	"glowfund/ledger"
	"glowfund/models"
	"glowfund/observability"
	"glowfund/pricing"
	"glowfund/retryqueue"
)

// SchemaVersion is the envelope schema this service understands. Events
// carrying any other version are skipped.
const SchemaVersion = "v2-alpha"

// Event types consumed from the bus.
const (
	EventFractionCreated  = "fraction.created"
	EventFractionSold     = "fraction.sold"
	EventFractionClosed   = "fraction.closed"
	EventFractionRefunded = "fraction.refunded"
)

// Envelope wraps every bus event. Environment separates staging and
// production traffic sharing one broker.
type Envelope struct {
	EventType     string          `json:"eventType"`
	SchemaVersion string          `json:"schemaVersion"`
	Environment   string          `json:"environment"`
	Payload       json.RawMessage `json:"payload"`
}

// CreatedPayload announces an on-chain fraction commitment.
type CreatedPayload struct {
	FractionID string `json:"fractionId"`
	TxHash     string `json:"transactionHash"`
	Token      string `json:"token"`
	Owner      string `json:"owner"`
	Step       string `json:"step"`
	TotalSteps int64  `json:"totalSteps"`
}

// SoldPayload announces one on-chain purchase.
type SoldPayload struct {
	FractionID      string `json:"fractionId"`
	TransactionHash string `json:"transactionHash"`
	LogIndex        uint   `json:"logIndex"`
	BlockNumber     string `json:"blockNumber"`
	Creator         string `json:"creator"`
	Buyer           string `json:"buyer"`
	Step            string `json:"step"`
	Amount          string `json:"amount"`
	Timestamp       int64  `json:"timestamp"`
}

// ClosedPayload announces an on-chain close.
type ClosedPayload struct {
	FractionID string `json:"fractionId"`
}

// RefundedPayload announces one on-chain refund disbursement.
type RefundedPayload struct {
	FractionID      string `json:"fractionId"`
	User            string `json:"user"`
	TransactionHash string `json:"transactionHash"`
	LogIndex        uint   `json:"logIndex"`
	BlockNumber     string `json:"blockNumber"`
	Creator         string `json:"creator"`
	RefundTo        string `json:"refundTo"`
	Amount          string `json:"amount"`
	Timestamp       int64  `json:"timestamp"`
}

// permanentError marks a failure that redelivery cannot fix. Its retry
// ceiling is zero: the row parks for manual review.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Health is a snapshot of listener state for the operator surface.
type Health struct {
	Connected     bool      `json:"connected"`
	LastEventType string    `json:"lastEventType,omitempty"`
	LastEventAt   time.Time `json:"lastEventAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// SaleVerifier checks a claimed sale against the chain. Satisfied by
// chainverify.Verifier.
type SaleVerifier interface {
	VerifySale(ctx context.Context, claim chainverify.SaleClaim) error
}

// ReconcilerConfig wires the reconciler.
type ReconcilerConfig struct {
	DB          *gorm.DB
	Ledger      *ledger.Ledger
	Verifier    SaleVerifier
	Environment string
	Logger      *log.Logger
}

// Reconciler applies bus events to the ledger.
type Reconciler struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	verifier    SaleVerifier
	environment string
	logger      *log.Logger

	mu     sync.Mutex
	health Health
}

// NewReconciler validates cfg and constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("events: database handle required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("events: ledger required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("events: chain verifier required")
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		return nil, fmt.Errorf("events: environment required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		db:          cfg.DB,
		ledger:      cfg.Ledger,
		verifier:    cfg.Verifier,
		environment: env,
		logger:      logger,
	}, nil
}

// Health returns the latest listener snapshot.
func (r *Reconciler) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

func (r *Reconciler) setConnected(connected bool, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health.Connected = connected
	if cause != nil {
		r.health.LastError = cause.Error()
	}
}

func (r *Reconciler) recordEvent(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health.LastEventType = eventType
	r.health.LastEventAt = time.Now().UTC()
}

// Handle processes one raw bus message. It always returns nil for messages
// this environment should skip; processing failures are converted to durable
// retry operations, so a non-nil return means the failure bookkeeping itself
// broke.
func (r *Reconciler) Handle(ctx context.Context, body []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		r.logger.Printf("events: drop undecodable message: %v", err)
		return nil
	}
	if !strings.EqualFold(envelope.Environment, r.environment) {
		return nil
	}
	if envelope.SchemaVersion != SchemaVersion {
		r.logger.Printf("events: skip %s with schema %q", envelope.EventType, envelope.SchemaVersion)
		return nil
	}

	r.recordEvent(envelope.EventType)
	var err error
	var opType models.OperationType
	switch envelope.EventType {
	case EventFractionCreated:
		opType = models.OpCommit
		err = r.applyCreated(ctx, envelope.Payload)
	case EventFractionSold:
		opType = models.OpSplit
		err = r.applySold(ctx, envelope.Payload)
	case EventFractionClosed:
		opType = models.OpCancel
		err = r.applyClosed(ctx, envelope.Payload)
	case EventFractionRefunded:
		opType = models.OpRefund
		err = r.applyRefunded(ctx, envelope.Payload)
	default:
		r.logger.Printf("events: skip unknown event type %q", envelope.EventType)
		return nil
	}
	observability.Events().Observe(envelope.EventType, err)
	if err == nil {
		return nil
	}

	maxRetries := retryqueue.DefaultMaxRetries
	if isPermanent(err) {
		maxRetries = 0
	}
	if chainverify.IsVerification(err) {
		observability.Events().RecordVerificationFailure()
	}
	r.logger.Printf("events: %s failed: %v", envelope.EventType, err)
	return retryqueue.Enqueue(ctx, r.db, models.FailedFractionOperation{
		FractionID:    fractionIDFromPayload(envelope.Payload),
		OperationType: opType,
		EventType:     envelope.EventType,
		EventPayload:  append([]byte(nil), envelope.Payload...),
		ErrorMessage:  err.Error(),
		MaxRetries:    maxRetries,
	})
}

func fractionIDFromPayload(payload json.RawMessage) string {
	var probe struct {
		FractionID string `json:"fractionId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.FractionID
}

func (r *Reconciler) applyCreated(ctx context.Context, raw json.RawMessage) error {
	var payload CreatedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return permanent(fmt.Errorf("events: decode created payload: %w", err))
	}
	_, err := r.ledger.Commit(ctx, payload.FractionID, payload.TxHash, payload.Token, payload.Owner, payload.Step, payload.TotalSteps)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrAlreadyCommitted):
		// Redelivery of a commitment we already recorded.
		return nil
	case errors.Is(err, ledger.ErrOwnerMismatch), errors.Is(err, ledger.ErrTokenMismatch):
		return permanent(err)
	default:
		return err
	}
}

func (r *Reconciler) applySold(ctx context.Context, raw json.RawMessage) error {
	var payload SoldPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return permanent(fmt.Errorf("events: decode sold payload: %w", err))
	}
	steps := pricing.StepsPurchased(payload.Step, payload.Amount)
	if steps <= 0 {
		return permanent(fmt.Errorf("events: sale of %q at step %q moves no steps", payload.Amount, payload.Step))
	}

	err := r.verifier.VerifySale(ctx, chainverify.SaleClaim{
		TxHash:      payload.TransactionHash,
		LogIndex:    payload.LogIndex,
		BlockNumber: payload.BlockNumber,
		FractionID:  payload.FractionID,
		Creator:     payload.Creator,
		Buyer:       payload.Buyer,
		Step:        payload.Step,
		Amount:      payload.Amount,
	})
	if err != nil {
		if chainverify.IsVerification(err) {
			return permanent(err)
		}
		return err
	}

	_, err = r.ledger.ApplySplit(ctx, models.FractionSplit{
		FractionID:      payload.FractionID,
		TransactionHash: payload.TransactionHash,
		LogIndex:        payload.LogIndex,
		BlockNumber:     payload.BlockNumber,
		Creator:         payload.Creator,
		Buyer:           payload.Buyer,
		Step:            payload.Step,
		Amount:          payload.Amount,
		StepsPurchased:  steps,
		Timestamp:       payload.Timestamp,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrCapacity), errors.Is(err, ledger.ErrExpired), errors.Is(err, ledger.ErrNotCommitted):
		return permanent(err)
	default:
		// Includes ErrNotFound: the created event may still be in flight.
		return err
	}
}

func (r *Reconciler) applyClosed(ctx context.Context, raw json.RawMessage) error {
	var payload ClosedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return permanent(fmt.Errorf("events: decode closed payload: %w", err))
	}
	fraction, err := r.ledger.MarkCancelled(ctx, payload.FractionID)
	if err != nil {
		return err
	}
	if fraction.Status == models.StatusFilled {
		r.logger.Printf("events: close for filled fraction %s ignored", payload.FractionID)
	}
	return nil
}

func (r *Reconciler) applyRefunded(ctx context.Context, raw json.RawMessage) error {
	var payload RefundedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return permanent(fmt.Errorf("events: decode refunded payload: %w", err))
	}
	_, err := r.ledger.RecordRefund(ctx, models.FractionRefund{
		FractionID:      payload.FractionID,
		User:            payload.User,
		TransactionHash: payload.TransactionHash,
		LogIndex:        payload.LogIndex,
		BlockNumber:     payload.BlockNumber,
		Creator:         payload.Creator,
		RefundTo:        payload.RefundTo,
		Amount:          payload.Amount,
		Timestamp:       payload.Timestamp,
	})
	if errors.Is(err, ledger.ErrNotTerminal) {
		return permanent(err)
	}
	return err
}

// RegisterRetryHandlers installs replay handlers on the retry service for
// every bus-derived operation type. Replays run the same reconciliation code
// paths as live delivery.
func (r *Reconciler) RegisterRetryHandlers(svc *retryqueue.Service) {
	svc.RegisterHandler(models.OpCommit, func(ctx context.Context, op *models.FailedFractionOperation) error {
		return r.applyCreated(ctx, op.EventPayload)
	})
	svc.RegisterHandler(models.OpSplit, func(ctx context.Context, op *models.FailedFractionOperation) error {
		return r.applySold(ctx, op.EventPayload)
	})
	svc.RegisterHandler(models.OpCancel, func(ctx context.Context, op *models.FailedFractionOperation) error {
		return r.applyClosed(ctx, op.EventPayload)
	})
	// The refund operation type is shared between bus-derived refund records
	// and presale settlement refunds; the event type tells them apart.
	svc.RegisterHandler(models.OpRefund, func(ctx context.Context, op *models.FailedFractionOperation) error {
		if op.EventType == EventFractionRefunded {
			return r.applyRefunded(ctx, op.EventPayload)
		}
		return svc.SettleRefund(ctx, op)
	})
}
