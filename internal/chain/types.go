package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotFound is returned when the contract has no equb with the requested id.
	ErrNotFound = errors.New("equb not found on chain")
	// ErrReorgDetected signals that the chain rewound; caller should restart from the updated cursor.
	ErrReorgDetected = errors.New("reorg detected")
	// ErrTxFailed is a mined transaction whose receipt reports failure.
	ErrTxFailed = errors.New("transaction failed")
)

// Event is a decoded equb contract log. Fields an event does not carry are zero.
type Event struct {
	Name        string
	EqubID      *big.Int
	Account     common.Address // member, winner, or owner
	Amount      *big.Int
	Round       uint64
	Title       string // EqubCreated name
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
}

// EqubKey is the decimal form of the on-chain id, the join key with the off-chain store.
func (e Event) EqubKey() string {
	if e.EqubID == nil {
		return ""
	}
	return e.EqubID.String()
}

// EqubInfo is an equb's on-chain configuration in native integer units.
type EqubInfo struct {
	ID                 *big.Int
	Owner              common.Address
	Name               string
	ContributionAmount *big.Int
	CycleDuration      *big.Int
	MaxMembers         *big.Int
	StartTime          *big.Int
	CurrentRound       *big.Int
	Active             bool
	TotalPool          *big.Int
}
