// Package pricing computes step prices and funding totals for fractions.
// Amounts in USD use 6-decimal fixed point ("micro-USD"); token amounts use
// the token's native decimal precision. Every operation in this package is
// pure big.Int arithmetic: floating point would let rounding errors compound
// across thousands of purchases.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
)

// RoundingToleranceUSD6 bounds how far above the requested deficit the funded
// total may land after the step price is rounded up, in micro-USD.
const RoundingToleranceUSD6 = 1000

// ErrPricing indicates the rounded step price missed the deficit by more than
// the documented tolerance.
var ErrPricing = errors.New("pricing: rounding error exceeds tolerance")

var (
	one = big.NewInt(1)
	ten = big.NewInt(10)
)

func pow10(decimals uint) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(decimals)), nil)
}

// ceilDiv returns ceil(a/b) for positive a, b.
func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, one)
	}
	return q
}

// StepPrice derives the per-step price, in the token's native decimals, that
// covers deficitUSD6 across totalSteps steps at tokenPriceUSD6 per whole
// token. The division rounds up so the sale can never under-fund the deposit;
// the resulting overshoot is then checked against RoundingToleranceUSD6.
func StepPrice(deficitUSD6, tokenPriceUSD6 *big.Int, tokenDecimals uint, totalSteps int64) (*big.Int, error) {
	if deficitUSD6 == nil || deficitUSD6.Sign() <= 0 {
		return nil, fmt.Errorf("pricing: deficit must be positive")
	}
	if tokenPriceUSD6 == nil || tokenPriceUSD6.Sign() <= 0 {
		return nil, fmt.Errorf("pricing: token price must be positive")
	}
	if totalSteps <= 0 {
		return nil, fmt.Errorf("pricing: total steps must be positive")
	}

	// stepPrice = ceil(deficit * 10^decimals / (price * totalSteps))
	numerator := new(big.Int).Mul(deficitUSD6, pow10(tokenDecimals))
	denominator := new(big.Int).Mul(tokenPriceUSD6, big.NewInt(totalSteps))
	stepPrice := ceilDiv(numerator, denominator)

	funded := FundedTotalUSD6(stepPrice, totalSteps, tokenPriceUSD6, tokenDecimals)
	overshoot := new(big.Int).Sub(funded, deficitUSD6)
	if overshoot.Sign() < 0 {
		// Cannot happen with ceil division; kept as a hard invariant check.
		return nil, fmt.Errorf("%w: funded total %s below deficit %s", ErrPricing, funded, deficitUSD6)
	}
	if overshoot.Cmp(big.NewInt(RoundingToleranceUSD6)) > 0 {
		return nil, fmt.Errorf("%w: overshoot %s micro-USD", ErrPricing, overshoot)
	}
	return stepPrice, nil
}

// FundedTotalUSD6 converts stepPrice*steps token units back to micro-USD at
// tokenPriceUSD6 per whole token. Truncation here is safe: StepPrice already
// guaranteed the pre-truncation total covers the deficit, and the check in
// StepPrice operates on this same value.
func FundedTotalUSD6(stepPrice *big.Int, steps int64, tokenPriceUSD6 *big.Int, tokenDecimals uint) *big.Int {
	if stepPrice == nil || tokenPriceUSD6 == nil || steps <= 0 {
		return new(big.Int)
	}
	total := new(big.Int).Mul(stepPrice, big.NewInt(steps))
	total.Mul(total, tokenPriceUSD6)
	return total.Quo(total, pow10(tokenDecimals))
}

// StepsPurchased computes floor(amount/step) with integer division. A zero or
// missing step yields zero steps rather than an error: malformed sale events
// are caught upstream by verification.
func StepsPurchased(step, amount string) int64 {
	stepInt, ok := new(big.Int).SetString(step, 10)
	if !ok || stepInt.Sign() <= 0 {
		return 0
	}
	amountInt, ok := new(big.Int).SetString(amount, 10)
	if !ok || amountInt.Sign() < 0 {
		return 0
	}
	steps := new(big.Int).Quo(amountInt, stepInt)
	if !steps.IsInt64() {
		return 0
	}
	return steps.Int64()
}

// RailTotal is one rail's contribution to a mixed funding computation.
type RailTotal struct {
	// AmountRaised is the raw token amount raised on this rail.
	AmountRaised *big.Int
	// TokenPriceUSD6 is the USD price of one whole token, micro-USD.
	TokenPriceUSD6 *big.Int
	// TokenDecimals is the token's native decimal precision.
	TokenDecimals uint
}

// MixedFundingTotal sums the USD value raised across rails and returns the
// total alongside the remaining deficit against requiredUSD6. The deficit is
// zero once the requirement is met; it never goes negative.
func MixedFundingTotal(requiredUSD6 *big.Int, rails ...RailTotal) (totalUSD6, remainingUSD6 *big.Int) {
	totalUSD6 = new(big.Int)
	for _, rail := range rails {
		if rail.AmountRaised == nil || rail.AmountRaised.Sign() <= 0 {
			continue
		}
		if rail.TokenPriceUSD6 == nil || rail.TokenPriceUSD6.Sign() <= 0 {
			continue
		}
		value := new(big.Int).Mul(rail.AmountRaised, rail.TokenPriceUSD6)
		value.Quo(value, pow10(rail.TokenDecimals))
		totalUSD6.Add(totalUSD6, value)
	}
	remainingUSD6 = new(big.Int)
	if requiredUSD6 != nil {
		remainingUSD6.Sub(requiredUSD6, totalUSD6)
		if remainingUSD6.Sign() < 0 {
			remainingUSD6.SetInt64(0)
		}
	}
	return totalUSD6, remainingUSD6
}
