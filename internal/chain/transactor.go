package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Transactor signs and sends preflighted plans. Submissions are never retried.
type Transactor struct {
	contract *Contract
	backend  Backend
	opts     *bind.TransactOpts
	bound    *bind.BoundContract
	logger   *slog.Logger
}

// NewTransactor builds a keyed transactor for the node's chain id. hexKey may carry a 0x prefix.
func NewTransactor(ctx context.Context, c *Contract, backend Backend, hexKey string, logger *slog.Logger) (*Transactor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key, err := parseKey(hexKey)
	if err != nil {
		return nil, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("keyed transactor: %w", err)
	}
	return &Transactor{
		contract: c,
		backend:  backend,
		opts:     opts,
		bound:    bind.NewBoundContract(c.Address, c.ABI, backend, backend, backend),
		logger:   logger,
	}, nil
}

// From is the signing address.
func (t *Transactor) From() common.Address {
	return t.opts.From
}

// Submit sends plan and waits for it to be mined. A reverted receipt, or a revert while
// estimating gas, is reported as ErrTxFailed.
func (t *Transactor) Submit(ctx context.Context, plan *Plan) (*types.Receipt, error) {
	tx, err := t.Send(ctx, plan)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx, plan, tx)
}

// Send signs and broadcasts plan without waiting for it to be mined.
func (t *Transactor) Send(ctx context.Context, plan *Plan) (*types.Transaction, error) {
	if plan == nil {
		return nil, fmt.Errorf("submit: nil plan")
	}
	if plan.Action.Caller != t.opts.From {
		return nil, fmt.Errorf("submit: plan was checked for %s but key signs as %s", plan.Action.Caller.Hex(), t.opts.From.Hex())
	}
	opts := *t.opts
	opts.Context = ctx
	opts.Value = plan.Value

	tx, err := t.bound.RawTransact(&opts, plan.Data)
	if err != nil {
		if rev := decodeRevert(&t.contract.ABI, err); rev != nil {
			return nil, fmt.Errorf("%s: %w: %w", plan.Method, ErrTxFailed, rev)
		}
		return nil, fmt.Errorf("send %s: %w", plan.Method, err)
	}
	t.logger.Info("transaction sent", "method", plan.Method, "tx", tx.Hash().Hex(), "equb", plan.Action.EqubID.String())
	return tx, nil
}

// Wait blocks until tx is mined and reports a reverted receipt as ErrTxFailed.
func (t *Transactor) Wait(ctx context.Context, plan *Plan, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, t.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s %s: %w", plan.Method, tx.Hash().Hex(), ErrTxFailed)
	}
	return receipt, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
