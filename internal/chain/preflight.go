package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/equb-sync/internal/amount"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

type ActionKind string

const (
	ActionJoin       ActionKind = "join"
	ActionContribute ActionKind = "contribute"
)

// Preflight check names reported in ValidationError.Check.
const (
	CheckInput      = "input"
	CheckMembership = "membership"
	CheckCapacity   = "capacity"
	CheckAmount     = "amount"
)

// Action is a state-changing call a wallet intends to make.
type Action struct {
	Kind   ActionKind
	EqubID *big.Int
	Caller common.Address
	// Amount is a decimal ("1.0") or smallest-unit integer string.
	Amount string
}

// Plan is an Action that passed every preflight check, ready for Transactor.Submit.
type Plan struct {
	Action Action
	Method string
	Value  *big.Int
	Data   []byte
	Equb   EqubInfo
}

// ValidationError is a local check that failed before anything was simulated.
type ValidationError struct {
	Check  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("preflight %s: %s", e.Check, e.Reason)
}

// Preflight re-validates local assumptions and dry-runs a call before it costs gas.
// It is advisory; the contract remains the final arbiter.
type Preflight struct {
	contract *Contract
	reader   *Reader
	caller   bind.ContractCaller
	decimals int
}

func NewPreflight(c *Contract, reader *Reader, caller bind.ContractCaller, decimals int) *Preflight {
	if decimals <= 0 {
		decimals = amount.DefaultDecimals
	}
	return &Preflight{contract: c, reader: reader, caller: caller, decimals: decimals}
}

// Check runs the membership, capacity, amount, and simulation checks in that order.
func (p *Preflight) Check(ctx context.Context, a Action) (*Plan, error) {
	method, err := methodFor(a.Kind)
	if err != nil {
		return nil, err
	}
	if a.EqubID == nil || a.EqubID.Sign() < 0 {
		return nil, &ValidationError{Check: CheckInput, Reason: "equb id is required"}
	}
	if a.Caller == (common.Address{}) {
		return nil, &ValidationError{Check: CheckInput, Reason: "caller address is required"}
	}

	members, err := p.reader.Members(ctx, a.EqubID)
	if err != nil {
		return nil, err
	}
	isMember := containsAddress(members, a.Caller)
	switch {
	case a.Kind == ActionJoin && isMember:
		return nil, &ValidationError{Check: CheckMembership, Reason: fmt.Sprintf("%s already joined equb %s", a.Caller.Hex(), a.EqubID)}
	case a.Kind == ActionContribute && !isMember:
		return nil, &ValidationError{Check: CheckMembership, Reason: fmt.Sprintf("%s is not a member of equb %s", a.Caller.Hex(), a.EqubID)}
	}

	info, err := p.reader.GetEqub(ctx, a.EqubID)
	if err != nil {
		return nil, err
	}
	if a.Kind == ActionJoin && info.MaxMembers.Cmp(big.NewInt(int64(len(members)))) <= 0 {
		return nil, &ValidationError{Check: CheckCapacity, Reason: fmt.Sprintf("equb %s is full (%d/%s)", a.EqubID, len(members), info.MaxMembers)}
	}

	value, err := amount.ParseUnits(a.Amount, p.decimals)
	if err != nil {
		return nil, &ValidationError{Check: CheckAmount, Reason: err.Error()}
	}
	expected, err := amount.FromBig(info.ContributionAmount)
	if err != nil {
		return nil, fmt.Errorf("equb %s contribution amount: %w", a.EqubID, err)
	}
	if !value.Equal(expected) {
		return nil, &ValidationError{Check: CheckAmount, Reason: fmt.Sprintf("amount %s does not match contribution %s (%s)",
			value, expected, amount.Format(expected, p.decimals))}
	}

	data, err := p.contract.ABI.Pack(method, a.EqubID)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := p.contract.Address
	msg := ethereum.CallMsg{From: a.Caller, To: &to, Value: value.BigInt(), Data: data}
	if _, err := p.caller.CallContract(ctx, msg, nil); err != nil {
		if rev := decodeRevert(&p.contract.ABI, err); rev != nil {
			return nil, rev
		}
		return nil, fmt.Errorf("simulate %s: %w", method, err)
	}

	return &Plan{Action: a, Method: method, Value: value.BigInt(), Data: data, Equb: info}, nil
}

func methodFor(kind ActionKind) (string, error) {
	switch kind {
	case ActionJoin:
		return MethodJoin, nil
	case ActionContribute:
		return MethodContribute, nil
	}
	return "", &ValidationError{Check: CheckInput, Reason: fmt.Sprintf("unsupported action %q", kind)}
}

func containsAddress(list []common.Address, addr common.Address) bool {
	want := strings.ToLower(addr.Hex())
	for _, m := range list {
		if strings.ToLower(m.Hex()) == want {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a local preflight rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
