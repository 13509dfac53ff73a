package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/devblac/equb-sync/internal/amount"
	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/sink"
	"github.com/devblac/equb-sync/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func newReconciler(store *storage.Store, opts Options) (*Reconciler, *recordingSender) {
	sender := &recordingSender{}
	opts.ChainID = "testnet"
	opts.Notifier = NewNotifier([]Route{{ID: "rec", Sender: sender}}, NotifierOptions{Store: store})
	return New(store, opts), sender
}

func TestContributionMadeAddsToPoolOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedEqub(t, store, "5", 4)
	seedUser(t, store, "abebe", memberABC)
	rec, sender := newReconciler(store, Options{})

	ev := contributionEvent(5, memberABC, oneEth, 1, "0xdead")
	require.NoError(t, rec.Apply(ctx, ev))
	require.NoError(t, rec.Apply(ctx, ev), "redelivery must be a no-op")

	equb, err := store.EqubByChainID(ctx, "5")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", equb.TotalPool.String())

	got, err := store.ListContributions(ctx, storage.ContributionFilter{EqubID: equb.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, storage.ContributionConfirmed, got[0].Status)
	require.Equal(t, strings.ToLower(common.HexToHash("0xdead").Hex()), got[0].TxHash)
	require.Equal(t, uint64(100), *got[0].BlockNumber)
	require.Equal(t, uint64(1), got[0].Round)

	require.Equal(t, []string{sink.KindContribution}, sender.kinds())
	require.Equal(t, "1000000000000000000", sender.sent[0].Amount)
	require.Equal(t, "5", sender.sent[0].EqubID)
	require.Equal(t, strings.ToLower(memberABC.Hex()), sender.sent[0].Account)
}

func TestContributionConfirmsPendingRecord(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "5", 4)
	u := seedUser(t, store, "abebe", memberABC)
	_, err := store.JoinEqub(ctx, e.ID, u.ID, 3)
	require.NoError(t, err)

	hash := common.HexToHash("0xbeef")
	// The client may record the hash in any casing; it is the same key.
	_, err = store.RecordPendingContribution(ctx, storage.Contribution{
		EqubID: e.ID, UserID: u.ID, Amount: amount.MustParse(oneEth.String()), Round: 1, TxHash: "0x" + strings.ToUpper(hash.Hex()[2:]),
	})
	require.NoError(t, err)
	rec, _ := newReconciler(store, Options{})

	ev := contributionEvent(5, memberABC, oneEth, 1, "0xbeef")
	require.NoError(t, rec.Apply(ctx, ev))

	c, err := store.ContributionByTx(ctx, hash.Hex())
	require.NoError(t, err)
	require.Equal(t, storage.ContributionConfirmed, c.Status)
	require.Equal(t, uint64(100), *c.BlockNumber)

	ev.BlockNumber = 101
	require.NoError(t, rec.Apply(ctx, ev))
	c, err = store.ContributionByTx(ctx, hash.Hex())
	require.NoError(t, err)
	require.Equal(t, uint64(101), *c.BlockNumber, "confirmed row only refreshes its block")

	equb, err := store.EqubByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", equb.TotalPool.String())
}

func TestConfirmedPendingRecordTakesChainAmountAndRound(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "5", 4)
	u := seedUser(t, store, "abebe", memberABC)
	_, err := store.JoinEqub(ctx, e.ID, u.ID, 3)
	require.NoError(t, err)

	hash := common.HexToHash("0xc0de").Hex()
	_, err = store.RecordPendingContribution(ctx, storage.Contribution{
		EqubID: e.ID, UserID: u.ID, Amount: amount.MustParse("1"), Round: 0, TxHash: hash,
	})
	require.NoError(t, err)
	rec, _ := newReconciler(store, Options{})

	require.NoError(t, rec.Apply(ctx, contributionEvent(5, memberABC, oneEth, 1, "0xc0de")))

	c, err := store.ContributionByTx(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, storage.ContributionConfirmed, c.Status)
	require.Equal(t, uint64(1), c.Round)
	require.Equal(t, oneEth.String(), c.Amount.String())

	stats, err := store.RoundStats(ctx, e.ID, 1)
	require.NoError(t, err)
	require.Equal(t, oneEth.String(), stats.TotalCollected.String())
	require.Equal(t, 1, stats.ContributedMembers)

	equb, err := store.EqubByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, oneEth.String(), equb.TotalPool.String())
}

func TestFailedContributionIsNotResurrected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "5", 4)
	u := seedUser(t, store, "abebe", memberABC)
	_, err := store.JoinEqub(ctx, e.ID, u.ID, 3)
	require.NoError(t, err)

	hash := common.HexToHash("0xfa11").Hex()
	_, err = store.RecordPendingContribution(ctx, storage.Contribution{EqubID: e.ID, UserID: u.ID, Amount: amount.MustParse(oneEth.String()), Round: 1, TxHash: hash})
	require.NoError(t, err)
	require.NoError(t, store.FailContribution(ctx, hash))

	rec, sender := newReconciler(store, Options{})
	require.NoError(t, rec.Apply(ctx, contributionEvent(5, memberABC, oneEth, 1, "0xfa11")))

	c, err := store.ContributionByTx(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, storage.ContributionFailed, c.Status)
	equb, _ := store.EqubByID(ctx, e.ID)
	require.True(t, equb.TotalPool.IsZero())
	require.Empty(t, sender.kinds())
}

func TestUnknownEqubOrUserIsSkipped(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rec, sender := newReconciler(store, Options{})

	require.NoError(t, rec.Apply(ctx, contributionEvent(5, memberABC, oneEth, 1, "0x01")))
	require.NoError(t, rec.Apply(ctx, joinEvent(5, memberABC)))

	seedEqub(t, store, "5", 4)
	require.NoError(t, rec.Apply(ctx, contributionEvent(5, memberABC, oneEth, 1, "0x01")))
	require.NoError(t, rec.Apply(ctx, winnerEvent(5, memberABC, oneEth, 1, "0x02")))

	all, err := store.ListContributions(ctx, storage.ContributionFilter{})
	require.NoError(t, err)
	require.Empty(t, all)
	winners, err := store.ListWinners(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, winners)
	require.Empty(t, sender.kinds())
}

func TestZeroAmountContributionIsSkipped(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedEqub(t, store, "5", 4)
	seedUser(t, store, "abebe", memberABC)
	rec, _ := newReconciler(store, Options{})

	require.NoError(t, rec.Apply(ctx, contributionEvent(5, memberABC, big.NewInt(0), 1, "0x01")))
	all, err := store.ListContributions(ctx, storage.ContributionFilter{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestWinnerSelectedClosesRound(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedEqub(t, store, "5", 4)
	u := seedUser(t, store, "abebe", memberABC)
	rec, sender := newReconciler(store, Options{})

	require.NoError(t, rec.Apply(ctx, joinEvent(5, memberABC)))
	require.NoError(t, rec.Apply(ctx, contributionEvent(5, memberABC, eth(5), 1, "0xc0")))
	require.NoError(t, rec.Apply(ctx, winnerEvent(5, memberABC, eth(5), 1, "0xb1")))
	// A second selection for the same round from a different tx changes nothing.
	require.NoError(t, rec.Apply(ctx, winnerEvent(5, memberABC, eth(5), 1, "0xb2")))

	equb, err := store.EqubByChainID(ctx, "5")
	require.NoError(t, err)
	require.Equal(t, uint64(1), equb.CurrentRound)
	require.True(t, equb.TotalPool.IsZero())

	user, err := store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "5000000000000000000", user.TotalWinnings.String())

	winners, err := store.ListWinners(ctx, equb.ID)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	require.Equal(t, storage.PayoutCompleted, winners[0].PayoutStatus)

	m, err := store.Membership(ctx, equb.ID, u.ID)
	require.NoError(t, err)
	require.True(t, m.HasWon)

	require.Equal(t, []string{sink.KindMemberJoined, sink.KindContribution, sink.KindWinnerSelected}, sender.kinds())
}

func TestStaleOrEndedWinnerKeepsRound(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "5", 4)
	other := common.HexToAddress("0xDEF")
	seedUser(t, store, "abebe", memberABC)
	seedUser(t, store, "chaltu", other)
	rec, _ := newReconciler(store, Options{})

	require.NoError(t, rec.Apply(ctx, winnerEvent(5, memberABC, eth(4), 2, "0xa2")))
	require.NoError(t, rec.Apply(ctx, contributionEvent(5, other, eth(1), 3, "0xc3")))
	require.NoError(t, rec.Apply(ctx, winnerEvent(5, other, eth(4), 1, "0xa1")))

	equb, err := store.EqubByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), equb.CurrentRound)
	require.Equal(t, "1000000000000000000", equb.TotalPool.String(), "late winner must not reset the pool")

	require.NoError(t, store.SetEqubStatus(ctx, e.ID, storage.EqubEnded))
	require.NoError(t, rec.Apply(ctx, winnerEvent(5, other, eth(4), 3, "0xa3")))
	equb, _ = store.EqubByID(ctx, e.ID)
	require.Equal(t, uint64(2), equb.CurrentRound)

	winners, err := store.ListWinners(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, winners, 3)
}

func TestMemberJoinedAfterLeaveStaysInactive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "5", 4)
	u := seedUser(t, store, "abebe", memberABC)
	_, err := store.JoinEqub(ctx, e.ID, u.ID, 3)
	require.NoError(t, err)
	require.NoError(t, store.LeaveEqub(ctx, e.ID, u.ID))

	var logs bytes.Buffer
	rec, sender := newReconciler(store, Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	require.NoError(t, rec.Apply(ctx, joinEvent(5, memberABC)))

	m, err := store.Membership(ctx, e.ID, u.ID)
	require.NoError(t, err)
	require.False(t, m.IsActive)
	equb, err := store.EqubByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 0, equb.MemberCount)
	require.Contains(t, logs.String(), "membership is inactive")
	require.Empty(t, sender.kinds())
}

func TestMemberJoinedReplayCountsOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "5", 4)
	u := seedUser(t, store, "abebe", memberABC)
	rec, sender := newReconciler(store, Options{MaxActiveEqubs: 3})

	require.NoError(t, rec.Apply(ctx, joinEvent(5, memberABC)))
	require.NoError(t, rec.Apply(ctx, joinEvent(5, memberABC)))

	equb, _ := store.EqubByID(ctx, e.ID)
	user, _ := store.UserByID(ctx, u.ID)
	require.Equal(t, 1, equb.MemberCount)
	require.Equal(t, 1, user.ActiveEqubCount)

	members, err := store.ListMembers(ctx, e.ID, true)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, 1, members[0].JoinOrder)
	require.Equal(t, []string{sink.KindMemberJoined}, sender.kinds())
}

func TestMemberJoinedAtCapIsSkipped(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedEqub(t, store, "1", 4)
	second := seedEqub(t, store, "2", 4)
	seedUser(t, store, "abebe", memberABC)
	rec, _ := newReconciler(store, Options{MaxActiveEqubs: 1})

	require.NoError(t, rec.Apply(ctx, joinEvent(1, memberABC)))
	require.NoError(t, rec.Apply(ctx, joinEvent(2, memberABC)))

	members, err := store.ListMembers(ctx, second.ID, false)
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestEqubStartedActivatesOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	e := seedEqub(t, store, "5", 4)
	rec, sender := newReconciler(store, Options{})
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return start }

	ev := chain.Event{Name: chain.EventEqubStarted, EqubID: big.NewInt(5), BlockNumber: 10, TxHash: common.HexToHash("0x5")}
	require.NoError(t, rec.Apply(ctx, ev))
	rec.now = func() time.Time { return start.Add(time.Hour) }
	require.NoError(t, rec.Apply(ctx, ev))

	equb, err := store.EqubByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, storage.EqubActive, equb.Status)
	require.NotNil(t, equb.StartTime)
	require.True(t, equb.StartTime.Equal(start))
	require.Equal(t, []string{sink.KindEqubStarted}, sender.kinds())
}

func TestEqubCreatedAutoImport(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	owner := common.HexToAddress("0x0A")
	creator := seedUser(t, store, "owner", owner)
	reader := &fakeReader{infos: map[int64]chain.EqubInfo{
		7: {
			ID:                 big.NewInt(7),
			Owner:              owner,
			Name:               "Addis savers",
			ContributionAmount: oneEth,
			CycleDuration:      big.NewInt(604800),
			MaxMembers:         big.NewInt(4),
			CurrentRound:       big.NewInt(3),
			TotalPool:          eth(2),
		},
	}}
	created := func(id int64) chain.Event {
		return chain.Event{Name: chain.EventEqubCreated, EqubID: big.NewInt(id), Account: owner, Title: "from event", TxHash: common.HexToHash("0xc7")}
	}

	manual, _ := newReconciler(store, Options{Reader: reader})
	require.NoError(t, manual.Apply(ctx, created(7)))
	_, err := store.EqubByChainID(ctx, "7")
	require.ErrorIs(t, err, storage.ErrNotFound, "auto import disabled")

	rec, sender := newReconciler(store, Options{Reader: reader, AutoImport: true})
	require.NoError(t, rec.Apply(ctx, created(7)))
	require.NoError(t, rec.Apply(ctx, created(7)))
	require.Equal(t, 1, reader.calls)

	equb, err := store.EqubByChainID(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, "Addis savers", equb.Name)
	require.Equal(t, oneEth.String(), equb.ContributionAmount.String())
	require.Equal(t, 4, equb.MaxMembers)
	require.Equal(t, 7*24*time.Hour, equb.CycleDuration)
	require.Equal(t, storage.EqubPending, equb.Status)
	require.Zero(t, equb.CurrentRound, "rounds are rebuilt from events")
	require.True(t, equb.TotalPool.IsZero())
	require.NotNil(t, equb.CreatorUserID)
	require.Equal(t, creator.ID, *equb.CreatorUserID)

	require.NoError(t, rec.Apply(ctx, created(404)), "an id the contract does not know is skipped")
	require.Equal(t, []string{sink.KindEqubImported}, sender.kinds())
}

func TestEqubFromChainFallsBackToEventName(t *testing.T) {
	e, err := EqubFromChain(chain.EqubInfo{ID: big.NewInt(3), ContributionAmount: oneEth, MaxMembers: big.NewInt(2)}, "from event")
	require.NoError(t, err)
	require.Equal(t, "from event", e.Name)
	require.Equal(t, "3", e.ChainEqubID)

	_, err = EqubFromChain(chain.EqubInfo{ID: big.NewInt(3), ContributionAmount: oneEth, MaxMembers: big.NewInt(0)}, "")
	require.Error(t, err)
	_, err = EqubFromChain(chain.EqubInfo{ID: big.NewInt(3), ContributionAmount: big.NewInt(-1), MaxMembers: big.NewInt(2)}, "")
	require.Error(t, err)
}

func TestApplyReportsStoreFailures(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedEqub(t, store, "5", 4)
	rec, sender := newReconciler(store, Options{})
	require.NoError(t, store.Close())

	err := rec.Apply(ctx, contributionEvent(5, memberABC, oneEth, 1, "0xdead"))
	require.Error(t, err)
	require.Equal(t, []string{sink.KindReconcileError}, sender.kinds())
	require.NotEmpty(t, sender.sent[0].Error)
}
