package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/equb-sync/internal/amount"
	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/storage"
)

// EqubFromChain maps an on-chain configuration to a new off-chain record. Pool and round
// start at zero; replaying the contract's events rebuilds them.
func EqubFromChain(info chain.EqubInfo, fallbackName string) (storage.Equb, error) {
	if info.ID == nil {
		return storage.Equb{}, errors.New("equb id is required")
	}
	contribution, err := amount.FromBig(info.ContributionAmount)
	if err != nil {
		return storage.Equb{}, fmt.Errorf("contribution amount: %w", err)
	}
	if info.MaxMembers == nil || info.MaxMembers.Sign() <= 0 || !info.MaxMembers.IsInt64() || info.MaxMembers.Int64() > 1<<31-1 {
		return storage.Equb{}, fmt.Errorf("max members %v out of range", info.MaxMembers)
	}

	name := info.Name
	if name == "" {
		name = fallbackName
	}
	if name == "" {
		name = "equb " + info.ID.String()
	}
	var cycle time.Duration
	if info.CycleDuration != nil && info.CycleDuration.IsInt64() {
		cycle = time.Duration(info.CycleDuration.Int64()) * time.Second
	}
	return storage.Equb{
		ChainEqubID:        info.ID.String(),
		Name:               name,
		ContributionAmount: contribution,
		CycleDuration:      cycle,
		MaxMembers:         int(info.MaxMembers.Int64()),
		Status:             storage.EqubPending,
		CreatorWallet:      info.Owner.Hex(),
	}, nil
}

// Import creates the off-chain record for an on-chain equb. The creator is linked when a
// user owns the creator wallet. An existing record is ErrDuplicate.
func Import(ctx context.Context, store *storage.Store, info chain.EqubInfo, fallbackName string) (storage.Equb, error) {
	e, err := EqubFromChain(info, fallbackName)
	if err != nil {
		return storage.Equb{}, err
	}
	owner, err := store.UserByWallet(ctx, info.Owner.Hex())
	switch {
	case err == nil:
		e.CreatorUserID = &owner.ID
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Equb{}, err
	}
	return store.CreateEqub(ctx, e)
}
