package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Event names emitted by the equb contract.
const (
	EventEqubCreated      = "EqubCreated"
	EventEqubStarted      = "EqubStarted"
	EventMemberJoined     = "MemberJoined"
	EventContributionMade = "ContributionMade"
	EventWinnerSelected   = "WinnerSelected"
)

// Method names called on the equb contract.
const (
	MethodJoin           = "joinEqub"
	MethodContribute     = "contribute"
	MethodGetEqub        = "getEqub"
	MethodEqubsGetter    = "equbs"
	MethodGetMembers     = "getMembers"
	MethodCurrentWinner  = "getCurrentWinner"
	MethodWinnersHistory = "getWinnersHistory"
)

// eventShapes lists the argument kinds each handled event must declare, in order.
// EqubCreated is optional; the others are required.
var eventShapes = map[string][]byte{
	EventEqubCreated:      {abi.UintTy, abi.AddressTy, abi.StringTy},
	EventEqubStarted:      {abi.UintTy},
	EventMemberJoined:     {abi.UintTy, abi.AddressTy},
	EventContributionMade: {abi.UintTy, abi.AddressTy, abi.UintTy, abi.UintTy},
	EventWinnerSelected:   {abi.UintTy, abi.AddressTy, abi.UintTy, abi.UintTy},
}

// Contract is the loaded interface of one deployed equb contract. It is built once at
// startup from the compiled ABI and never mutated.
type Contract struct {
	Address common.Address
	ABI     abi.ABI
	// EqubGetter is getEqub when the ABI has it, else the generated equbs mapping getter.
	EqubGetter string
}

// LoadABI reads an ABI file. Both a raw ABI array and a compiler artifact carrying an
// "abi" field are accepted.
func LoadABI(path string) (*abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi %s: %w", path, err)
	}
	return ParseABI(data)
}

// ParseABI decodes ABI JSON in either form accepted by LoadABI.
func ParseABI(data []byte) (*abi.ABI, error) {
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	raw := data
	if err := json.Unmarshal(data, &artifact); err == nil && len(artifact.ABI) > 0 {
		raw = artifact.ABI
	}
	a, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &a, nil
}

// NewContract checks that a exposes everything the reconciler and preflight need.
func NewContract(address common.Address, a *abi.ABI) (*Contract, error) {
	if a == nil {
		return nil, fmt.Errorf("abi is required")
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("contract address is required")
	}
	for name, shape := range eventShapes {
		ev, ok := a.Events[name]
		if !ok {
			if name == EventEqubCreated {
				continue
			}
			return nil, fmt.Errorf("abi: event %s missing", name)
		}
		if err := checkShape(ev, shape); err != nil {
			return nil, err
		}
	}
	for _, m := range []string{MethodJoin, MethodContribute, MethodGetMembers} {
		if _, ok := a.Methods[m]; !ok {
			return nil, fmt.Errorf("abi: method %s missing", m)
		}
	}

	c := &Contract{Address: address, ABI: *a}
	switch {
	case hasMethod(a, MethodGetEqub):
		c.EqubGetter = MethodGetEqub
	case hasMethod(a, MethodEqubsGetter):
		c.EqubGetter = MethodEqubsGetter
	default:
		return nil, fmt.Errorf("abi: neither %s nor %s accessor present", MethodGetEqub, MethodEqubsGetter)
	}
	return c, nil
}

// LoadContract is LoadABI followed by NewContract.
func LoadContract(address common.Address, abiPath string) (*Contract, error) {
	a, err := LoadABI(abiPath)
	if err != nil {
		return nil, err
	}
	return NewContract(address, a)
}

// Topics returns the topic0 hashes of every handled event the contract declares.
func (c *Contract) Topics() []common.Hash {
	var out []common.Hash
	for name := range eventShapes {
		if ev, ok := c.ABI.Events[name]; ok {
			out = append(out, ev.ID)
		}
	}
	return out
}

func hasMethod(a *abi.ABI, name string) bool {
	_, ok := a.Methods[name]
	return ok
}

func checkShape(ev abi.Event, shape []byte) error {
	if len(ev.Inputs) != len(shape) {
		return fmt.Errorf("abi: event %s has %d inputs, want %d", ev.Name, len(ev.Inputs), len(shape))
	}
	for i, want := range shape {
		if got := ev.Inputs[i].Type.T; got != want {
			return fmt.Errorf("abi: event %s input %d is %s", ev.Name, i, ev.Inputs[i].Type)
		}
	}
	return nil
}
