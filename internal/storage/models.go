package storage

import (
	"errors"
	"time"

	"github.com/devblac/equb-sync/internal/amount"
)

type EqubStatus string

const (
	EqubPending EqubStatus = "pending"
	EqubActive  EqubStatus = "active"
	EqubPaused  EqubStatus = "paused"
	EqubEnded   EqubStatus = "ended"
)

type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "pending"
	ContributionConfirmed ContributionStatus = "confirmed"
	ContributionFailed    ContributionStatus = "failed"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

var (
	ErrMemberCap           = errors.New("maximum active equbs reached")
	ErrAlreadyMember       = errors.New("already a member")
	ErrNotMember           = errors.New("not a member of this equb")
	ErrCannotLeaveAfterWin = errors.New("cannot leave after winning")
	ErrEqubFull            = errors.New("equb is full")
)

// User is an account that may link one wallet. Wallets are stored lower-cased.
type User struct {
	ID              int64
	Name            string
	Email           string
	WalletAddress   string
	ActiveEqubCount int
	TotalWinnings   amount.Amount
	CreatedAt       time.Time
}

// Equb is the off-chain record of an on-chain savings group. ChainEqubID is the
// join key with the contract and never changes after insert.
type Equb struct {
	ID                 int64
	ChainEqubID        string
	Name               string
	Description        string
	ContributionAmount amount.Amount
	CycleDuration      time.Duration
	MaxMembers         int
	MemberCount        int
	CurrentRound       uint64
	TotalPool          amount.Amount
	Status             EqubStatus
	CreatorUserID      *int64
	CreatorWallet      string
	StartTime          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Membership struct {
	ID            int64
	EqubID        int64
	UserID        int64
	WalletAddress string
	JoinOrder     int
	HasWon        bool
	IsActive      bool
	JoinedAt      time.Time
}

// Contribution is keyed by its transaction hash.
type Contribution struct {
	ID          int64
	EqubID      int64
	UserID      int64
	Amount      amount.Amount
	Round       uint64
	TxHash      string
	Status      ContributionStatus
	BlockNumber *uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Winner is unique per (equb, round).
type Winner struct {
	ID            int64
	EqubID        int64
	UserID        int64
	WalletAddress string
	Round         uint64
	PayoutAmount  amount.Amount
	PayoutTxHash  string
	PayoutStatus  PayoutStatus
	BlockNumber   *uint64
	SelectedAt    time.Time
}

// RoundStats summarises one round of an equb.
type RoundStats struct {
	Round              uint64
	TotalMembers       int
	ContributedMembers int
	PendingMembers     int
	TotalCollected     amount.Amount
	ExpectedTotal      amount.Amount
}
