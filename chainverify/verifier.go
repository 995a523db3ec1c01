// Package chainverify checks claimed fraction sales against on-chain receipts.
// Every field the message bus claims about a sale is re-derived from the
// transaction log and byte-compared; the ledger never trusts bus payloads.
package chainverify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var fractionSoldSignature = gethcrypto.Keccak256Hash([]byte("FractionSold(bytes32,address,address,uint256,uint256)"))

// EVMClient defines the subset of the Ethereum RPC used by the verifier.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chainverify: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// VerificationError marks a permanent mismatch between a claimed sale and the
// on-chain record. It is never retried automatically.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "chainverify: " + e.Reason
}

// TransientError wraps RPC failures that a later retry may resolve.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "chainverify: transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// SaleClaim is the set of fields the bus asserts about one FractionSold log.
type SaleClaim struct {
	TxHash      string
	LogIndex    uint
	BlockNumber string
	FractionID  string
	Creator     string
	Buyer       string
	Step        string
	Amount      string
}

// Verifier validates sale claims against an Ethereum node.
type Verifier struct {
	client   EVMClient
	contract common.Address
}

// New constructs a verifier bound to the fraction contract address.
func New(client EVMClient, contract string) (*Verifier, error) {
	if client == nil {
		return nil, fmt.Errorf("chainverify: evm client required")
	}
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("chainverify: invalid contract address %q", contract)
	}
	return &Verifier{client: client, contract: common.HexToAddress(contract)}, nil
}

// VerifySale fetches the receipt for the claimed transaction and checks the
// log at the claimed index field by field. A missing receipt or RPC failure
// is transient; any mismatch is permanent.
func (v *Verifier) VerifySale(ctx context.Context, claim SaleClaim) error {
	txHash := common.HexToHash(claim.TxHash)
	if (txHash == common.Hash{}) {
		return &VerificationError{Reason: "tx hash required"}
	}
	step, ok := new(big.Int).SetString(claim.Step, 10)
	if !ok || step.Sign() <= 0 {
		return &VerificationError{Reason: fmt.Sprintf("malformed step %q", claim.Step)}
	}
	amount, ok := new(big.Int).SetString(claim.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return &VerificationError{Reason: fmt.Sprintf("malformed amount %q", claim.Amount)}
	}

	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &TransientError{Err: fmt.Errorf("receipt for %s not found", txHash.Hex())}
		}
		return &TransientError{Err: fmt.Errorf("fetch receipt: %w", err)}
	}
	if receipt == nil {
		return &TransientError{Err: fmt.Errorf("receipt for %s missing", txHash.Hex())}
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return &VerificationError{Reason: fmt.Sprintf("transaction %s reverted", txHash.Hex())}
	}
	if claim.BlockNumber != "" && receipt.BlockNumber != nil && receipt.BlockNumber.String() != claim.BlockNumber {
		return &VerificationError{Reason: fmt.Sprintf("block %s does not match claimed %s", receipt.BlockNumber, claim.BlockNumber)}
	}

	var log *gethtypes.Log
	for _, candidate := range receipt.Logs {
		if candidate != nil && candidate.Index == claim.LogIndex {
			log = candidate
			break
		}
	}
	if log == nil {
		return &VerificationError{Reason: fmt.Sprintf("no log at index %d", claim.LogIndex)}
	}
	if log.Address != v.contract {
		return &VerificationError{Reason: fmt.Sprintf("log emitted by %s, not the fraction contract", log.Address.Hex())}
	}
	if len(log.Topics) != 4 || log.Topics[0] != fractionSoldSignature {
		return &VerificationError{Reason: "log is not a FractionSold event"}
	}
	if !bytes.Equal(log.Topics[1].Bytes(), common.HexToHash(claim.FractionID).Bytes()) {
		return &VerificationError{Reason: fmt.Sprintf("fraction id mismatch: chain has %s", log.Topics[1].Hex())}
	}
	if creator := common.BytesToAddress(log.Topics[2].Bytes()); creator != common.HexToAddress(claim.Creator) {
		return &VerificationError{Reason: fmt.Sprintf("creator mismatch: chain has %s", creator.Hex())}
	}
	if buyer := common.BytesToAddress(log.Topics[3].Bytes()); buyer != common.HexToAddress(claim.Buyer) {
		return &VerificationError{Reason: fmt.Sprintf("buyer mismatch: chain has %s", buyer.Hex())}
	}
	if len(log.Data) != 64 {
		return &VerificationError{Reason: "log is not a FractionSold event"}
	}
	if !bytes.Equal(log.Data[:32], common.BigToHash(step).Bytes()) {
		return &VerificationError{Reason: fmt.Sprintf("step mismatch: claimed %s", step)}
	}
	if !bytes.Equal(log.Data[32:], common.BigToHash(amount).Bytes()) {
		return &VerificationError{Reason: fmt.Sprintf("amount mismatch: claimed %s", amount)}
	}
	return nil
}

// IsVerification reports whether err is a permanent verification failure.
func IsVerification(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is a retryable RPC failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
