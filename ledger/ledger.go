// Package ledger owns the fraction lifecycle: identifier allocation, status
// transitions, sale ingestion, and the aggregate invariants around sold steps.
// All writes are guarded SQL updates so concurrent event delivery cannot
// oversell a fraction or flip a terminal status.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"glowfund/marketplace"
	"glowfund/models"
)

// Sentinel errors for lifecycle violations. Callers branch with errors.Is.
var (
	ErrNotFound            = errors.New("ledger: fraction not found")
	ErrDuplicateFill       = errors.New("ledger: application already has a filled fraction of this type")
	ErrActiveFraction      = errors.New("ledger: creator already has an active fraction")
	ErrInvalidSponsorSplit = errors.New("ledger: sponsor split percent out of range")
	ErrInvalidType         = errors.New("ledger: unknown fraction type")
	ErrAlreadyCommitted    = errors.New("ledger: fraction already committed on chain")
	ErrOwnerMismatch       = errors.New("ledger: on-chain owner does not match creator")
	ErrTokenMismatch       = errors.New("ledger: on-chain token does not match fraction type")
	ErrNotCommitted        = errors.New("ledger: fraction is not committed")
	ErrExpired             = errors.New("ledger: fraction is expired")
	ErrCapacity            = errors.New("ledger: purchase exceeds remaining steps")
	ErrNotTerminal         = errors.New("ledger: fraction is not cancelled or expired")
)

// DefaultCrowdsaleLifetime is how long a crowdsale fraction stays open.
const DefaultCrowdsaleLifetime = 28 * 24 * time.Hour

// MaxSponsorSplitPercent caps automatic escalation.
const MaxSponsorSplitPercent = 90

// Config wires the ledger's collaborators and per-rail token addresses.
type Config struct {
	DB                *gorm.DB
	Location          *time.Location
	GLWToken          string
	SGCTLToken        string
	USDCToken         string
	CrowdsaleLifetime time.Duration
	Now               func() time.Time
}

// Ledger is the gorm-backed fraction store.
type Ledger struct {
	db       *gorm.DB
	nonces   *NonceAllocator
	loc      *time.Location
	tokens   map[models.FractionType]string
	lifetime time.Duration
	now      func() time.Time
}

// New validates cfg and constructs a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("ledger: database handle required")
	}
	if cfg.Location == nil {
		return nil, fmt.Errorf("ledger: timezone location required")
	}
	lifetime := cfg.CrowdsaleLifetime
	if lifetime <= 0 {
		lifetime = DefaultCrowdsaleLifetime
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		db:     cfg.DB,
		nonces: NewNonceAllocator(cfg.DB),
		loc:    cfg.Location,
		tokens: map[models.FractionType]string{
			models.TypePresale:      strings.ToLower(cfg.SGCTLToken),
			models.TypeCrowdsale:    strings.ToLower(cfg.GLWToken),
			models.TypeMiningCenter: strings.ToLower(cfg.USDCToken),
		},
		lifetime: lifetime,
		now:      now,
	}, nil
}

// Nonces exposes the allocator for callers that only need identifiers.
func (l *Ledger) Nonces() *NonceAllocator {
	return l.nonces
}

// TokenFor returns the configured token address for a rail.
func (l *Ledger) TokenFor(t models.FractionType) string {
	return l.tokens[t]
}

// CreateParams describes a new fraction.
type CreateParams struct {
	ApplicationID       string
	CreatedBy           string
	Type                models.FractionType
	StepPrice           string
	TotalSteps          int64
	SponsorSplitPercent int
}

// Create allocates an identifier and inserts a new fraction. Presale
// fractions are settled off chain and start committed; the on-chain rails
// start as drafts awaiting commitment.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (*models.Fraction, error) {
	appID := strings.TrimSpace(params.ApplicationID)
	creator := strings.ToLower(strings.TrimSpace(params.CreatedBy))
	if appID == "" || creator == "" {
		return nil, fmt.Errorf("ledger: application id and creator required")
	}
	switch params.Type {
	case models.TypePresale, models.TypeCrowdsale, models.TypeMiningCenter:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, params.Type)
	}
	if params.SponsorSplitPercent < 5 || params.SponsorSplitPercent > 95 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSponsorSplit, params.SponsorSplitPercent)
	}
	if params.TotalSteps <= 0 {
		return nil, fmt.Errorf("ledger: total steps must be positive")
	}
	if _, ok := new(big.Int).SetString(params.StepPrice, 10); !ok {
		return nil, fmt.Errorf("ledger: step price must be a base-10 integer")
	}

	filled, err := l.HasFilledFraction(ctx, appID, params.Type)
	if err != nil {
		return nil, err
	}
	if filled {
		return nil, fmt.Errorf("%w: application %s", ErrDuplicateFill, appID)
	}
	if params.Type != models.TypePresale {
		active, err := l.HasActiveFraction(ctx, creator)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, fmt.Errorf("%w: %s", ErrActiveFraction, creator)
		}
	}

	nonce, err := l.nonces.Next(ctx, creator)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	fraction := &models.Fraction{
		ID:                  FractionID(creator, nonce),
		ApplicationID:       appID,
		Nonce:               nonce,
		CreatedBy:           creator,
		Type:                params.Type,
		Token:               l.tokens[params.Type],
		Owner:               creator,
		StepPrice:           params.StepPrice,
		TotalSteps:          params.TotalSteps,
		SponsorSplitPercent: params.SponsorSplitPercent,
		Status:              models.StatusDraft,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	switch params.Type {
	case models.TypePresale:
		fraction.ExpirationAt = marketplace.PresaleExpiration(now, l.loc)
		fraction.Status = models.StatusCommitted
		fraction.IsCommittedOnChain = true
		committedAt := now
		fraction.CommittedAt = &committedAt
	case models.TypeCrowdsale:
		fraction.ExpirationAt = now.Add(l.lifetime)
	case models.TypeMiningCenter:
		fraction.ExpirationAt = marketplace.MiningCenterExpiration(now, l.loc)
	}

	if err := l.db.WithContext(ctx).Create(fraction).Error; err != nil {
		return nil, fmt.Errorf("ledger: create fraction: %w", err)
	}
	return fraction, nil
}

// Commit records the on-chain commitment for a draft fraction after checking
// the chain-observed owner and token against the ledger's expectations.
func (l *Ledger) Commit(ctx context.Context, fractionID, txHash, token, owner, step string, totalSteps int64) (*models.Fraction, error) {
	fraction, err := l.FindByID(ctx, fractionID)
	if err != nil {
		return nil, err
	}
	if fraction.IsCommittedOnChain {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCommitted, fractionID)
	}
	if !strings.EqualFold(owner, fraction.CreatedBy) {
		return nil, fmt.Errorf("%w: got %s want %s", ErrOwnerMismatch, strings.ToLower(owner), fraction.CreatedBy)
	}
	if expected := l.tokens[fraction.Type]; expected != "" && !strings.EqualFold(token, expected) {
		return nil, fmt.Errorf("%w: got %s want %s", ErrTokenMismatch, strings.ToLower(token), expected)
	}

	now := l.now().UTC()
	updates := map[string]interface{}{
		"tx_hash":               strings.ToLower(txHash),
		"token":                 strings.ToLower(token),
		"owner":                 strings.ToLower(owner),
		"step":                  step,
		"is_committed_on_chain": true,
		"status":                models.StatusCommitted,
		"committed_at":          now,
		"updated_at":            now,
	}
	if totalSteps > 0 {
		updates["total_steps"] = totalSteps
	}
	res := l.db.WithContext(ctx).Model(&models.Fraction{}).
		Where("id = ? AND is_committed_on_chain = ?", fraction.ID, false).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: commit fraction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCommitted, fractionID)
	}
	return l.FindByID(ctx, fraction.ID)
}

// SplitResult reports what ApplySplit did.
type SplitResult struct {
	Fraction *models.Fraction
	// AlreadyApplied is set when the (txHash, logIndex) pair was ingested
	// before; the call is a no-op success.
	AlreadyApplied bool
	// Filled is set when this split sold the final step. Presale fractions
	// never fill here: their terminal state is owned by the settlement
	// finalize path.
	Filled bool
}

// ApplySplit ingests one verified purchase. The split row's unique key makes
// redelivery a no-op, and the sold-step increment is a single guarded UPDATE
// so two concurrent deliveries can never push splits_sold past total_steps.
func (l *Ledger) ApplySplit(ctx context.Context, split models.FractionSplit) (*SplitResult, error) {
	fraction, err := l.FindByID(ctx, split.FractionID)
	if err != nil {
		return nil, err
	}
	if fraction.Status == models.StatusFilled {
		return &SplitResult{Fraction: fraction, AlreadyApplied: true}, nil
	}
	if fraction.Status != models.StatusCommitted {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCommitted, fraction.ID, fraction.Status)
	}
	if l.now().After(fraction.ExpirationAt) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, fraction.ID)
	}
	if split.StepsPurchased <= 0 {
		return nil, fmt.Errorf("ledger: steps purchased must be positive")
	}

	split.TransactionHash = strings.ToLower(split.TransactionHash)
	split.Creator = strings.ToLower(split.Creator)
	split.Buyer = strings.ToLower(split.Buyer)

	result := &SplitResult{}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := models.InsertIgnoreDuplicate(tx, &split)
		if err != nil {
			return fmt.Errorf("ledger: insert split: %w", err)
		}
		if !inserted {
			result.AlreadyApplied = true
			return nil
		}

		now := l.now().UTC()
		res := tx.Model(&models.Fraction{}).
			Where("id = ? AND status = ? AND splits_sold + ? <= total_steps",
				fraction.ID, models.StatusCommitted, split.StepsPurchased).
			Updates(map[string]interface{}{
				"splits_sold": gorm.Expr("splits_sold + ?", split.StepsPurchased),
				"updated_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("ledger: increment splits sold: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: fraction %s, %d steps", ErrCapacity, fraction.ID, split.StepsPurchased)
		}

		var updated models.Fraction
		if err := tx.First(&updated, "id = ?", fraction.ID).Error; err != nil {
			return err
		}
		// A presale stays committed at capacity; it only fills after the
		// settlement API acknowledges finalization.
		if updated.SplitsSold >= updated.TotalSteps && fraction.Type != models.TypePresale {
			res = tx.Model(&models.Fraction{}).
				Where("id = ? AND status <> ?", fraction.ID, models.StatusFilled).
				Updates(map[string]interface{}{
					"status":     models.StatusFilled,
					"is_filled":  true,
					"filled_at":  now,
					"updated_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("ledger: mark filled: %w", res.Error)
			}
			result.Filled = res.RowsAffected > 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	fraction, err = l.FindByID(ctx, fraction.ID)
	if err != nil {
		return nil, err
	}
	result.Fraction = fraction
	return result, nil
}

// MarkExpired moves a draft or committed fraction to expired. Terminal
// fractions are left untouched and returned as-is.
func (l *Ledger) MarkExpired(ctx context.Context, fractionID string) (*models.Fraction, error) {
	return l.markTerminal(ctx, fractionID, models.StatusExpired)
}

// MarkCancelled moves a draft or committed fraction to cancelled.
func (l *Ledger) MarkCancelled(ctx context.Context, fractionID string) (*models.Fraction, error) {
	return l.markTerminal(ctx, fractionID, models.StatusCancelled)
}

func (l *Ledger) markTerminal(ctx context.Context, fractionID string, status models.FractionStatus) (*models.Fraction, error) {
	now := l.now().UTC()
	res := l.db.WithContext(ctx).Model(&models.Fraction{}).
		Where("id = ? AND status IN ?", fractionID, []models.FractionStatus{models.StatusDraft, models.StatusCommitted}).
		Updates(map[string]interface{}{"status": status, "updated_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: mark %s: %w", status, res.Error)
	}
	return l.FindByID(ctx, fractionID)
}

// MarkFilled flips a presale fraction to filled after settlement succeeds.
// Idempotent: a second call on a filled fraction is a no-op.
func (l *Ledger) MarkFilled(ctx context.Context, fractionID string) (*models.Fraction, error) {
	now := l.now().UTC()
	res := l.db.WithContext(ctx).Model(&models.Fraction{}).
		Where("id = ? AND status <> ?", fractionID, models.StatusFilled).
		Updates(map[string]interface{}{
			"status":     models.StatusFilled,
			"is_filled":  true,
			"filled_at":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: mark filled: %w", res.Error)
	}
	return l.FindByID(ctx, fractionID)
}

// RecordRefund stores one refund disbursement for a terminal fraction. The
// unique keys on (fraction, user) and (txHash, logIndex) make redelivery a
// no-op; the bool reports whether a new row was written.
func (l *Ledger) RecordRefund(ctx context.Context, refund models.FractionRefund) (bool, error) {
	fraction, err := l.FindByID(ctx, refund.FractionID)
	if err != nil {
		return false, err
	}
	if fraction.Status != models.StatusCancelled && fraction.Status != models.StatusExpired {
		return false, fmt.Errorf("%w: %s is %s", ErrNotTerminal, fraction.ID, fraction.Status)
	}
	refund.TransactionHash = strings.ToLower(refund.TransactionHash)
	refund.User = strings.ToLower(refund.User)
	refund.Creator = strings.ToLower(refund.Creator)
	refund.RefundTo = strings.ToLower(refund.RefundTo)
	inserted, err := models.InsertIgnoreDuplicate(l.db.WithContext(ctx), &refund)
	if err != nil {
		return false, fmt.Errorf("ledger: record refund: %w", err)
	}
	return inserted, nil
}

// FindByID loads one fraction.
func (l *Ledger) FindByID(ctx context.Context, fractionID string) (*models.Fraction, error) {
	var fraction models.Fraction
	err := l.db.WithContext(ctx).First(&fraction, "id = ?", fractionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, fractionID)
		}
		return nil, fmt.Errorf("ledger: load fraction: %w", err)
	}
	return &fraction, nil
}

// FindByApplication lists an application's fractions, newest first.
func (l *Ledger) FindByApplication(ctx context.Context, applicationID string) ([]models.Fraction, error) {
	var fractions []models.Fraction
	err := l.db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at DESC").
		Find(&fractions).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list fractions: %w", err)
	}
	return fractions, nil
}

// SplitsFor lists the recorded purchases for one fraction, oldest first.
func (l *Ledger) SplitsFor(ctx context.Context, fractionID string) ([]models.FractionSplit, error) {
	var splits []models.FractionSplit
	err := l.db.WithContext(ctx).
		Where("fraction_id = ?", fractionID).
		Order("timestamp ASC, id ASC").
		Find(&splits).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list splits: %w", err)
	}
	return splits, nil
}

// HasFilledFraction reports whether the application already funded through a
// fraction of the given type.
func (l *Ledger) HasFilledFraction(ctx context.Context, applicationID string, t models.FractionType) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.Fraction{}).
		Where("application_id = ? AND type = ? AND status = ?", applicationID, t, models.StatusFilled).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ledger: filled check: %w", err)
	}
	return count > 0, nil
}

// HasActiveFraction reports whether the creator has an open draft or
// committed fraction on an on-chain rail.
func (l *Ledger) HasActiveFraction(ctx context.Context, creator string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.Fraction{}).
		Where("created_by = ? AND type <> ? AND status IN ?",
			strings.ToLower(creator), models.TypePresale,
			[]models.FractionStatus{models.StatusDraft, models.StatusCommitted}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ledger: active check: %w", err)
	}
	return count > 0, nil
}

// RaisedByRail sums the raw token amounts recorded in splits for an
// application, grouped by rail. Amounts are summed in Go because they exceed
// int64 range on 18-decimal tokens.
func (l *Ledger) RaisedByRail(ctx context.Context, applicationID string) (map[models.FractionType]*big.Int, error) {
	type row struct {
		Type   models.FractionType
		Amount string
	}
	var rows []row
	err := l.db.WithContext(ctx).Model(&models.FractionSplit{}).
		Select("fractions.type AS type, fraction_splits.amount AS amount").
		Joins("JOIN fractions ON fractions.id = fraction_splits.fraction_id").
		Where("fractions.application_id = ?", applicationID).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: raised by rail: %w", err)
	}
	totals := make(map[models.FractionType]*big.Int)
	for _, r := range rows {
		amount, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("ledger: malformed split amount %q", r.Amount)
		}
		total, found := totals[r.Type]
		if !found {
			total = new(big.Int)
			totals[r.Type] = total
		}
		total.Add(total, amount)
	}
	return totals, nil
}

// AvailableListings returns the committed on-chain fractions whose weekly
// release cutoff has passed and that have not yet expired.
func (l *Ledger) AvailableListings(ctx context.Context) ([]models.Fraction, error) {
	now := l.now()
	var candidates []models.Fraction
	err := l.db.WithContext(ctx).
		Where("status = ? AND type <> ? AND expiration_at > ?",
			models.StatusCommitted, models.TypePresale, now.UTC()).
		Order("created_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: available listings: %w", err)
	}
	listings := make([]models.Fraction, 0, len(candidates))
	for _, fraction := range candidates {
		if !marketplace.VisibleOn(fraction.CreatedAt, now, l.loc) {
			continue
		}
		if !marketplace.HasVisibilityWindow(fraction.CreatedAt, fraction.ExpirationAt, l.loc) {
			continue
		}
		listings = append(listings, fraction)
	}
	return listings, nil
}

// DueForExpiration returns open fractions whose lifetime ended before now.
func (l *Ledger) DueForExpiration(ctx context.Context, now time.Time) ([]models.Fraction, error) {
	var fractions []models.Fraction
	err := l.db.WithContext(ctx).
		Where("expiration_at < ? AND status IN ?", now.UTC(),
			[]models.FractionStatus{models.StatusDraft, models.StatusCommitted}).
		Order("expiration_at ASC").
		Find(&fractions).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: due for expiration: %w", err)
	}
	return fractions, nil
}

// NextSponsorSplit returns the next escalation value for a sponsor split:
// the following multiple of 10, capped at MaxSponsorSplitPercent. Values at
// or above the cap are returned unchanged.
func NextSponsorSplit(percent int) int {
	if percent >= MaxSponsorSplitPercent {
		return percent
	}
	next := (percent/10 + 1) * 10
	if next > MaxSponsorSplitPercent {
		next = MaxSponsorSplitPercent
	}
	return next
}

// StaleForEscalation returns unfilled open fractions untouched since before
// cutoff whose sponsor split still has headroom. Fractions past their
// expiration are excluded; escalating a listing the expire sweep is about to
// close would be pointless.
func (l *Ledger) StaleForEscalation(ctx context.Context, cutoff time.Time) ([]models.Fraction, error) {
	var fractions []models.Fraction
	err := l.db.WithContext(ctx).
		Where("updated_at < ? AND expiration_at > ? AND is_filled = ? AND status NOT IN ? AND sponsor_split_percent < ?",
			cutoff.UTC(), l.now().UTC(), false,
			[]models.FractionStatus{models.StatusCancelled, models.StatusFilled, models.StatusExpired},
			MaxSponsorSplitPercent).
		Order("updated_at ASC").
		Find(&fractions).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: stale for escalation: %w", err)
	}
	return fractions, nil
}

// EscalateSponsorSplit raises one fraction's sponsor split to the next
// multiple of 10. The update re-checks is_filled so a purchase that landed
// after the select wins the race. Returns the new percent, or the old one
// unchanged when the update lost the race.
func (l *Ledger) EscalateSponsorSplit(ctx context.Context, fraction *models.Fraction) (int, error) {
	next := NextSponsorSplit(fraction.SponsorSplitPercent)
	if next == fraction.SponsorSplitPercent {
		return next, nil
	}
	res := l.db.WithContext(ctx).Model(&models.Fraction{}).
		Where("id = ? AND is_filled = ? AND sponsor_split_percent = ?",
			fraction.ID, false, fraction.SponsorSplitPercent).
		Updates(map[string]interface{}{
			"sponsor_split_percent": next,
			"updated_at":            l.now().UTC(),
		})
	if res.Error != nil {
		return fraction.SponsorSplitPercent, fmt.Errorf("ledger: escalate sponsor split: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fraction.SponsorSplitPercent, nil
	}
	return next, nil
}
