package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FractionStatus represents a state in the fraction funding lifecycle.
type FractionStatus string

// All lifecycle states. Transitions follow draft -> committed -> one of the
// terminal states; filled is success-only and immutable afterwards.
const (
	StatusDraft     FractionStatus = "draft"
	StatusCommitted FractionStatus = "committed"
	StatusFilled    FractionStatus = "filled"
	StatusCancelled FractionStatus = "cancelled"
	StatusExpired   FractionStatus = "expired"
)

// FractionType distinguishes the capital rails a fraction can fund through.
type FractionType string

const (
	// TypePresale is the off-chain SGCTL rail; partial fills are accepted
	// at settlement time.
	TypePresale FractionType = "presale"
	// TypeCrowdsale is the on-chain GLW rail; all-or-nothing.
	TypeCrowdsale FractionType = "crowdsale"
	// TypeMiningCenter is the USDC-denominated on-chain rail.
	TypeMiningCenter FractionType = "mining-center"
)

// OperationStatus tracks a failed operation through the retry queue.
type OperationStatus string

const (
	OpPending  OperationStatus = "pending"
	OpRetrying OperationStatus = "retrying"
	OpFailed   OperationStatus = "failed"
	OpResolved OperationStatus = "resolved"
)

// OperationType is the closed set of side effects the retry queue can replay.
type OperationType string

const (
	OpCreate   OperationType = "create"
	OpCommit   OperationType = "commit"
	OpFill     OperationType = "fill"
	OpSplit    OperationType = "split"
	OpExpire   OperationType = "expire"
	OpCancel   OperationType = "cancel"
	OpRefund   OperationType = "refund"
	OpFinalize OperationType = "finalize"
)

// Wallet carries the per-wallet fraction nonce used to derive fraction ids.
type Wallet struct {
	ID            string `gorm:"primaryKey;size:42"`
	FractionNonce int64  `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fraction is one funding instrument against an application's protocol deposit.
type Fraction struct {
	ID                  string `gorm:"primaryKey;size:66"`
	ApplicationID       string `gorm:"size:128;index;uniqueIndex:ux_fractions_app_nonce,priority:1;not null"`
	Nonce               int64  `gorm:"uniqueIndex:ux_fractions_app_nonce,priority:2;not null"`
	CreatedBy           string `gorm:"size:42;index;not null"`
	Type                FractionType
	Token               string `gorm:"size:42"`
	Owner               string `gorm:"size:42"`
	TxHash              string `gorm:"size:66"`
	Step                string `gorm:"size:96"`
	StepPrice           string `gorm:"size:96;not null"`
	TotalSteps          int64  `gorm:"not null"`
	SplitsSold          int64  `gorm:"not null;default:0"`
	SponsorSplitPercent int    `gorm:"not null"`
	IsCommittedOnChain  bool   `gorm:"not null;default:false"`
	IsFilled            bool   `gorm:"not null;default:false"`
	Status              FractionStatus
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ExpirationAt        time.Time
	CommittedAt         *time.Time
	FilledAt            *time.Time
	Splits              []FractionSplit `gorm:"foreignKey:FractionID"`
	Refunds             []FractionRefund
}

// FractionSplit records one verified on-chain purchase. The
// (transaction hash, log index) pair is the idempotency key for ingestion;
// rows are written exactly once and never mutated.
type FractionSplit struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	FractionID      string `gorm:"size:66;index;not null"`
	TransactionHash string `gorm:"size:66;uniqueIndex:ux_splits_tx_log,priority:1;not null"`
	LogIndex        uint   `gorm:"uniqueIndex:ux_splits_tx_log,priority:2;not null"`
	BlockNumber     string `gorm:"size:20;not null"`
	Creator         string `gorm:"size:42;index;not null"`
	Buyer           string `gorm:"size:42;index;not null"`
	Step            string `gorm:"size:96;not null"`
	Amount          string `gorm:"size:96;not null"`
	StepsPurchased  int64  `gorm:"not null"`
	Timestamp       int64  `gorm:"index;not null"`
	CreatedAt       time.Time
}

// FractionRefund records one refund disbursement for a buyer on a fraction
// that ended cancelled or expired with unfilled steps.
type FractionRefund struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	FractionID      string `gorm:"size:66;uniqueIndex:ux_refunds_fraction_user,priority:1;not null"`
	User            string `gorm:"size:42;uniqueIndex:ux_refunds_fraction_user,priority:2;index;not null"`
	TransactionHash string `gorm:"size:66;uniqueIndex:ux_refunds_tx_log,priority:1;not null"`
	LogIndex        uint   `gorm:"uniqueIndex:ux_refunds_tx_log,priority:2;not null"`
	BlockNumber     string `gorm:"size:20;not null"`
	Creator         string `gorm:"size:42;not null"`
	RefundTo        string `gorm:"size:42;not null"`
	Amount          string `gorm:"size:96;not null"`
	Timestamp       int64  `gorm:"not null"`
	CreatedAt       time.Time
}

// FailedFractionOperation is a durable work item for the retry service.
// Terminal states are resolved (succeeded) and failed (retries exhausted).
type FailedFractionOperation struct {
	ID            int64         `gorm:"primaryKey;autoIncrement"`
	FractionID    string        `gorm:"size:66;index"`
	OperationType OperationType `gorm:"size:50;index;not null"`
	EventType     string        `gorm:"size:50"`
	EventPayload  []byte        `gorm:"type:jsonb"`
	ErrorMessage  string        `gorm:"type:text;not null"`
	RetryCount    int           `gorm:"not null;default:0"`
	MaxRetries    int           `gorm:"not null"`
	Status        OperationStatus `gorm:"size:20;index;not null;default:pending"`
	CreatedAt     time.Time     `gorm:"index"`
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Wallet{},
		&Fraction{},
		&FractionSplit{},
		&FractionRefund{},
		&FailedFractionOperation{},
	)
}

// InsertIgnoreDuplicate inserts value and reports whether a row was written.
// A false return means a row with the same unique key already exists, which
// callers treat as "already applied" rather than an error. This is the
// idempotency primitive that absorbs at-least-once event delivery.
func InsertIgnoreDuplicate(tx *gorm.DB, value interface{}) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(value)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
