// Package retryqueue drains the durable failed-operation table. Operations
// land here whenever a side effect could not complete inline: settlement
// calls for expired presales, transient ledger failures during event
// ingestion, and expiration updates that lost a database race.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"glowfund/alerts"
	"glowfund/control"
	"glowfund/ledger"
	"glowfund/models"
	"glowfund/observability"
)

// DefaultBatchSize bounds how many operations one sweep dispatches.
const DefaultBatchSize = 20

// DefaultMaxRetries applies when an operation is enqueued without an explicit
// ceiling. Verification failures are enqueued with an explicit zero: the
// first sweep parks them as failed with an alert, and only a manual retry
// can dispatch them.
const DefaultMaxRetries = 1

// ErrAlreadyResolved rejects manual retries of operations that succeeded.
var ErrAlreadyResolved = errors.New("retryqueue: operation already resolved")

// ErrNoHandler indicates an operation type with no registered dispatcher.
var ErrNoHandler = errors.New("retryqueue: no handler for operation type")

// Handler replays one failed operation. A nil return resolves the operation.
type Handler func(ctx context.Context, op *models.FailedFractionOperation) error

// SettlementPayload is the stored payload for finalize and refund operations.
type SettlementPayload struct {
	FractionID string `json:"fractionId"`
	FarmID     string `json:"farmId,omitempty"`
}

// FractionPayload is the stored payload for expire, cancel, and fill
// operations.
type FractionPayload struct {
	FractionID string `json:"fractionId"`
}

// Enqueue writes a durable failed operation. MaxRetries below zero means
// "use the default"; zero is honoured and parks the row for manual review.
func Enqueue(ctx context.Context, db *gorm.DB, op models.FailedFractionOperation) error {
	if op.MaxRetries < 0 {
		op.MaxRetries = DefaultMaxRetries
	}
	if op.Status == "" {
		op.Status = models.OpPending
	}
	if err := db.WithContext(ctx).Create(&op).Error; err != nil {
		return fmt.Errorf("retryqueue: enqueue %s: %w", op.OperationType, err)
	}
	return nil
}

// Config wires the retry service.
type Config struct {
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Control   *control.Client
	Alerter   alerts.Alerter
	Logger    *log.Logger
	BatchSize int
	Now       func() time.Time
}

// Service sweeps and dispatches failed operations.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	control  *control.Client
	alerter  alerts.Alerter
	logger   *log.Logger
	handlers map[models.OperationType]Handler
	batch    int
	now      func() time.Time
}

// New validates cfg and constructs the service with the built-in handlers
// for ledger- and settlement-backed operations registered.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("retryqueue: database handle required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("retryqueue: ledger required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = alerts.Nop{}
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	svc := &Service{
		db:       cfg.DB,
		ledger:   cfg.Ledger,
		control:  cfg.Control,
		alerter:  alerter,
		logger:   logger,
		handlers: make(map[models.OperationType]Handler),
		batch:    batch,
		now:      now,
	}
	svc.handlers[models.OpExpire] = svc.handleExpire
	svc.handlers[models.OpCancel] = svc.handleCancel
	svc.handlers[models.OpFill] = svc.handleFill
	svc.handlers[models.OpFinalize] = svc.handleFinalize
	svc.handlers[models.OpRefund] = svc.handleRefund
	return svc, nil
}

// RegisterHandler installs a dispatcher for an operation type. The event
// reconciler registers replay handlers for bus-derived operations here.
func (s *Service) RegisterHandler(op models.OperationType, h Handler) {
	s.handlers[op] = h
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Exhausted int
	Resolved  int
	Retried   int
	Failed    int
}

// Sweep flags exhausted operations, then dispatches up to the batch size of
// eligible ones sequentially, oldest first.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	// Zero-ceiling rows have retry_count 0 >= max_retries 0, so they are
	// flagged and alerted on their first sweep without ever dispatching.
	var exhausted []models.FailedFractionOperation
	err := s.db.WithContext(ctx).
		Where("status IN ? AND retry_count >= max_retries",
			[]models.OperationStatus{models.OpPending, models.OpRetrying}).
		Find(&exhausted).Error
	if err != nil {
		return nil, fmt.Errorf("retryqueue: load exhausted: %w", err)
	}
	for i := range exhausted {
		op := &exhausted[i]
		if err := s.transition(ctx, op, models.OpFailed, false); err != nil {
			return nil, err
		}
		result.Exhausted++
		s.alerter.Notify(ctx, "fraction operation exhausted retries",
			fmt.Sprintf("operation %d (%s) for fraction %s: %s", op.ID, op.OperationType, op.FractionID, op.ErrorMessage))
	}

	var depth int64
	if err := s.db.WithContext(ctx).Model(&models.FailedFractionOperation{}).
		Where("status IN ?", []models.OperationStatus{models.OpPending, models.OpRetrying}).
		Count(&depth).Error; err == nil {
		observability.Retries().SetDepth(depth)
	}

	var eligible []models.FailedFractionOperation
	err = s.db.WithContext(ctx).
		Where("status IN ? AND retry_count < max_retries",
			[]models.OperationStatus{models.OpPending, models.OpRetrying}).
		Order("created_at ASC, id ASC").
		Limit(s.batch).
		Find(&eligible).Error
	if err != nil {
		return nil, fmt.Errorf("retryqueue: load eligible: %w", err)
	}
	for i := range eligible {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		op := &eligible[i]
		switch s.dispatch(ctx, op) {
		case models.OpResolved:
			result.Resolved++
		case models.OpFailed:
			result.Failed++
		default:
			result.Retried++
		}
	}
	return result, nil
}

// RetryByID replays one operation immediately, bypassing the retry ceiling.
func (s *Service) RetryByID(ctx context.Context, id int64) (*models.FailedFractionOperation, error) {
	var op models.FailedFractionOperation
	if err := s.db.WithContext(ctx).First(&op, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("retryqueue: operation %d not found", id)
		}
		return nil, fmt.Errorf("retryqueue: load operation: %w", err)
	}
	if op.Status == models.OpResolved {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyResolved, id)
	}
	s.dispatchManual(ctx, &op)
	return &op, nil
}

func (s *Service) dispatch(ctx context.Context, op *models.FailedFractionOperation) models.OperationStatus {
	err := s.run(ctx, op)
	observability.Retries().RecordDispatch(string(op.OperationType), err)
	if err == nil {
		if terr := s.transition(ctx, op, models.OpResolved, true); terr != nil {
			s.logger.Printf("retryqueue: mark resolved %d: %v", op.ID, terr)
		}
		return models.OpResolved
	}

	op.RetryCount++
	op.ErrorMessage = err.Error()
	next := models.OpRetrying
	if op.RetryCount >= op.MaxRetries {
		next = models.OpFailed
		s.alerter.Notify(ctx, "fraction operation exhausted retries",
			fmt.Sprintf("operation %d (%s) for fraction %s: %v", op.ID, op.OperationType, op.FractionID, err))
	}
	if terr := s.transition(ctx, op, next, false); terr != nil {
		s.logger.Printf("retryqueue: mark %s %d: %v", next, op.ID, terr)
	}
	s.logger.Printf("retryqueue: operation %d (%s) attempt %d/%d failed: %v",
		op.ID, op.OperationType, op.RetryCount, op.MaxRetries, err)
	return next
}

// dispatchManual mirrors dispatch but never alerts: the operator is already
// looking at the row.
func (s *Service) dispatchManual(ctx context.Context, op *models.FailedFractionOperation) {
	err := s.run(ctx, op)
	observability.Retries().RecordDispatch(string(op.OperationType), err)
	if err == nil {
		if terr := s.transition(ctx, op, models.OpResolved, true); terr != nil {
			s.logger.Printf("retryqueue: mark resolved %d: %v", op.ID, terr)
		}
		return
	}
	op.RetryCount++
	op.ErrorMessage = err.Error()
	if terr := s.transition(ctx, op, models.OpFailed, false); terr != nil {
		s.logger.Printf("retryqueue: mark failed %d: %v", op.ID, terr)
	}
}

func (s *Service) run(ctx context.Context, op *models.FailedFractionOperation) error {
	handler, ok := s.handlers[op.OperationType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, op.OperationType)
	}
	return handler(ctx, op)
}

func (s *Service) transition(ctx context.Context, op *models.FailedFractionOperation, status models.OperationStatus, resolved bool) error {
	now := s.now().UTC()
	updates := map[string]interface{}{
		"status":        status,
		"retry_count":   op.RetryCount,
		"error_message": op.ErrorMessage,
		"updated_at":    now,
	}
	if resolved {
		updates["resolved_at"] = now
	}
	err := s.db.WithContext(ctx).Model(&models.FailedFractionOperation{}).
		Where("id = ?", op.ID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("retryqueue: transition %d to %s: %w", op.ID, status, err)
	}
	op.Status = status
	if resolved {
		op.ResolvedAt = &now
	}
	return nil
}

func (s *Service) handleExpire(ctx context.Context, op *models.FailedFractionOperation) error {
	var payload FractionPayload
	if err := json.Unmarshal(op.EventPayload, &payload); err != nil {
		return fmt.Errorf("retryqueue: decode expire payload: %w", err)
	}
	_, err := s.ledger.MarkExpired(ctx, payload.FractionID)
	return err
}

func (s *Service) handleCancel(ctx context.Context, op *models.FailedFractionOperation) error {
	var payload FractionPayload
	if err := json.Unmarshal(op.EventPayload, &payload); err != nil {
		return fmt.Errorf("retryqueue: decode cancel payload: %w", err)
	}
	_, err := s.ledger.MarkCancelled(ctx, payload.FractionID)
	return err
}

func (s *Service) handleFill(ctx context.Context, op *models.FailedFractionOperation) error {
	var payload FractionPayload
	if err := json.Unmarshal(op.EventPayload, &payload); err != nil {
		return fmt.Errorf("retryqueue: decode fill payload: %w", err)
	}
	_, err := s.ledger.MarkFilled(ctx, payload.FractionID)
	return err
}

// handleFinalize settles a presale fraction that expired with sales. The
// fraction is only marked filled after the settlement API accepted the call.
func (s *Service) handleFinalize(ctx context.Context, op *models.FailedFractionOperation) error {
	if s.control == nil {
		return fmt.Errorf("retryqueue: settlement client not configured")
	}
	var payload SettlementPayload
	if err := json.Unmarshal(op.EventPayload, &payload); err != nil {
		return fmt.Errorf("retryqueue: decode finalize payload: %w", err)
	}
	if err := s.control.Finalize(ctx, payload.FractionID, payload.FarmID); err != nil {
		return err
	}
	_, err := s.ledger.MarkFilled(ctx, payload.FractionID)
	return err
}

// SettleRefund invokes the settlement API refund for op. Exposed so replay
// handlers that multiplex the refund operation type can delegate back here.
func (s *Service) SettleRefund(ctx context.Context, op *models.FailedFractionOperation) error {
	return s.handleRefund(ctx, op)
}

func (s *Service) handleRefund(ctx context.Context, op *models.FailedFractionOperation) error {
	if s.control == nil {
		return fmt.Errorf("retryqueue: settlement client not configured")
	}
	var payload SettlementPayload
	if err := json.Unmarshal(op.EventPayload, &payload); err != nil {
		return fmt.Errorf("retryqueue: decode refund payload: %w", err)
	}
	return s.control.Refund(ctx, payload.FractionID)
}
