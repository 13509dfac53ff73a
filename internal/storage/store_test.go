package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblac/equb-sync/internal/amount"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUser(t *testing.T, store *Store, name, wallet string) User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), User{Name: name, Email: name + "@example.com", WalletAddress: wallet})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func seedEqub(t *testing.T, store *Store, chainID string, maxMembers int) Equb {
	t.Helper()
	e, err := store.CreateEqub(context.Background(), Equb{
		ChainEqubID:        chainID,
		Name:               "equb " + chainID,
		ContributionAmount: amount.MustParse("1000000000000000000"),
		CycleDuration:      7 * 24 * time.Hour,
		MaxMembers:         maxMembers,
	})
	if err != nil {
		t.Fatalf("create equb %s: %v", chainID, err)
	}
	return e
}

func TestCursorUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCursor(ctx, "src1", 10, "hashA"); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	h, hash, ok, err := store.GetCursor(ctx, "src1")
	if err != nil || !ok {
		t.Fatalf("get cursor failed err=%v ok=%v", err, ok)
	}
	if h != 10 || hash != "hashA" {
		t.Fatalf("unexpected cursor: %d %s", h, hash)
	}

	if err := store.UpsertCursor(ctx, "src1", 20, "hashB"); err != nil {
		t.Fatalf("upsert cursor update: %v", err)
	}
	h, hash, ok, err = store.GetCursor(ctx, "src1")
	if err != nil || !ok || h != 20 || hash != "hashB" {
		t.Fatalf("cursor not updated: %d %s err=%v ok=%v", h, hash, err, ok)
	}

	cursors, err := store.ListCursors(ctx)
	if err != nil || len(cursors) != 1 {
		t.Fatalf("list cursors: %v %+v", err, cursors)
	}
}

func TestDedupeTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.MarkDedupe(ctx, "k1", now.Add(1*time.Second)); err != nil {
		t.Fatalf("mark dedupe: %v", err)
	}
	dup, err := store.IsDuplicate(ctx, "k1", now)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Fatalf("expected duplicate before expiry")
	}

	later := now.Add(2 * time.Second)
	dup, err = store.IsDuplicate(ctx, "k1", later)
	if err != nil {
		t.Fatalf("is duplicate later: %v", err)
	}
	if dup {
		t.Fatalf("expected non-duplicate after expiry")
	}
}

func TestUsersLookupByWalletIsCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := seedUser(t, store, "abebe", "0xABCdef0000000000000000000000000000000001")
	got, err := store.UserByWallet(ctx, "0xabcDEF0000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("user by wallet: %v", err)
	}
	if got.ID != u.ID || got.WalletAddress != "0xabcdef0000000000000000000000000000000001" {
		t.Fatalf("unexpected user %+v", got)
	}
	if !got.TotalWinnings.IsZero() {
		t.Fatalf("new user should have zero winnings, got %s", got.TotalWinnings)
	}

	_, err = store.CreateUser(ctx, User{Name: "dup", Email: "dup@example.com", WalletAddress: "0xabcdef0000000000000000000000000000000001"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate wallet error, got %v", err)
	}

	// Users without a wallet do not collide on the unique index.
	seedUser(t, store, "a", "")
	seedUser(t, store, "b", "")
	if _, err := store.UserByWallet(ctx, "0x0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEqubChainIDUniqueAndImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := seedEqub(t, store, "5", 4)
	if e.Status != EqubPending || !e.TotalPool.IsZero() || e.CurrentRound != 0 {
		t.Fatalf("unexpected defaults %+v", e)
	}
	if e.CycleDuration != 7*24*time.Hour {
		t.Fatalf("cycle duration not round-tripped: %s", e.CycleDuration)
	}

	if _, err := store.CreateEqub(ctx, Equb{ChainEqubID: "5", Name: "again", MaxMembers: 2}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate chain id, got %v", err)
	}

	if _, err := store.db.ExecContext(ctx, `UPDATE equbs SET chain_equb_id = '6' WHERE id = ?;`, e.ID); err == nil {
		t.Fatalf("expected chain_equb_id update to be rejected")
	}

	got, err := store.EqubByChainID(ctx, "5")
	if err != nil || got.ID != e.ID {
		t.Fatalf("equb by chain id: %v %+v", err, got)
	}
	if _, err := store.EqubByChainID(ctx, "404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActivateEqubOnlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "1", 3)

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var first, second bool
	err := store.WithTx(ctx, func(tx *Tx) error {
		var err error
		if first, err = tx.ActivateEqub(ctx, e.ID, start); err != nil {
			return err
		}
		second, err = tx.ActivateEqub(ctx, e.ID, start.Add(time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !first || second {
		t.Fatalf("expected first activation only, got %v %v", first, second)
	}

	got, _ := store.EqubByID(ctx, e.ID)
	if got.Status != EqubActive || got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Fatalf("unexpected equb after activation %+v", got)
	}

	if err := store.SetEqubStatus(ctx, e.ID, EqubEnded); err != nil {
		t.Fatalf("end equb: %v", err)
	}
	if err := store.SetEqubStatus(ctx, e.ID, EqubActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ended equb must stay ended, got %v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "1", 3)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.AddToPool(ctx, e.ID, amount.MustParse("7")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	got, _ := store.EqubByID(ctx, e.ID)
	if !got.TotalPool.IsZero() {
		t.Fatalf("pool change should have rolled back, got %s", got.TotalPool)
	}
}
