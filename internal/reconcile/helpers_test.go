package reconcile

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devblac/equb-sync/internal/amount"
	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/sink"
	"github.com/devblac/equb-sync/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	memberABC = common.HexToAddress("0xABC")
	oneEth    = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "equb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUser(t *testing.T, store *storage.Store, name string, wallet common.Address) storage.User {
	t.Helper()
	// Stored wallets are compared case-insensitively; seed with the checksummed form.
	u, err := store.CreateUser(context.Background(), storage.User{Name: name, Email: name + "@example.com", WalletAddress: wallet.Hex()})
	require.NoError(t, err)
	return u
}

func seedEqub(t *testing.T, store *storage.Store, chainID string, maxMembers int) storage.Equb {
	t.Helper()
	e, err := store.CreateEqub(context.Background(), storage.Equb{
		ChainEqubID:        chainID,
		Name:               "equb " + chainID,
		ContributionAmount: amount.MustParse(oneEth.String()),
		CycleDuration:      7 * 24 * time.Hour,
		MaxMembers:         maxMembers,
	})
	require.NoError(t, err)
	return e
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneEth)
}

func contributionEvent(equb int64, member common.Address, amt *big.Int, round uint64, tx string) chain.Event {
	return chain.Event{
		Name:        chain.EventContributionMade,
		EqubID:      big.NewInt(equb),
		Account:     member,
		Amount:      amt,
		Round:       round,
		BlockNumber: 100,
		TxHash:      common.HexToHash(tx),
	}
}

func winnerEvent(equb int64, winner common.Address, amt *big.Int, round uint64, tx string) chain.Event {
	ev := contributionEvent(equb, winner, amt, round, tx)
	ev.Name = chain.EventWinnerSelected
	return ev
}

func joinEvent(equb int64, member common.Address) chain.Event {
	return chain.Event{Name: chain.EventMemberJoined, EqubID: big.NewInt(equb), Account: member, BlockNumber: 90, TxHash: common.HexToHash("0x1010")}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sink.Notification
	err  error
}

func (r *recordingSender) Send(_ context.Context, n sink.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSender) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type fakeReader struct {
	infos map[int64]chain.EqubInfo
	calls int
}

func (f *fakeReader) GetEqub(_ context.Context, id *big.Int) (chain.EqubInfo, error) {
	f.calls++
	info, ok := f.infos[id.Int64()]
	if !ok {
		return chain.EqubInfo{}, chain.ErrNotFound
	}
	return info, nil
}
