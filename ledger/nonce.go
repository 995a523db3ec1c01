package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gorm.io/gorm"

	"glowfund/models"
)

// NonceAllocator issues a monotonically increasing per-wallet sequence. The
// increment happens inside the wallet row so concurrent allocations for the
// same wallet serialise at the storage layer instead of handing out
// duplicates.
type NonceAllocator struct {
	db *gorm.DB
}

// NewNonceAllocator constructs an allocator backed by the provided database.
func NewNonceAllocator(db *gorm.DB) *NonceAllocator {
	return &NonceAllocator{db: db}
}

// Next increments and returns the wallet's fraction nonce, creating the
// wallet row on first use.
func (a *NonceAllocator) Next(ctx context.Context, wallet string) (int64, error) {
	addr := strings.ToLower(strings.TrimSpace(wallet))
	if addr == "" {
		return 0, fmt.Errorf("ledger: wallet address required")
	}
	var nonce int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Wallet{}).
			Where("id = ?", addr).
			UpdateColumn("fraction_nonce", gorm.Expr("fraction_nonce + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// First allocation for this wallet. A concurrent first
			// allocation may win the insert; the duplicate falls
			// through to the increment below.
			inserted, err := models.InsertIgnoreDuplicate(tx, &models.Wallet{ID: addr, FractionNonce: 1})
			if err != nil {
				return err
			}
			if !inserted {
				res = tx.Model(&models.Wallet{}).
					Where("id = ?", addr).
					UpdateColumn("fraction_nonce", gorm.Expr("fraction_nonce + 1"))
				if res.Error != nil {
					return res.Error
				}
			}
		}
		var wallet models.Wallet
		if err := tx.First(&wallet, "id = ?", addr).Error; err != nil {
			return err
		}
		nonce = wallet.FractionNonce
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: allocate nonce: %w", err)
	}
	return nonce, nil
}

// Current returns the wallet's nonce without incrementing; zero for unknown
// wallets.
func (a *NonceAllocator) Current(ctx context.Context, wallet string) (int64, error) {
	addr := strings.ToLower(strings.TrimSpace(wallet))
	var w models.Wallet
	err := a.db.WithContext(ctx).First(&w, "id = ?", addr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return w.FractionNonce, nil
}

// FractionID derives the deterministic fraction identifier for a wallet and
// nonce: keccak256("<wallet>:<nonce>") as a 0x-prefixed 32-byte hex string,
// matching the identifier the on-chain contract derives.
func FractionID(wallet string, nonce int64) string {
	combined := fmt.Sprintf("%s:%d", strings.ToLower(strings.TrimSpace(wallet)), nonce)
	return gethcrypto.Keccak256Hash([]byte(combined)).Hex()
}
