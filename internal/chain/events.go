package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoder turns the contract's logs into Events. Arguments are read by declaration
// position, which NewContract has already checked against the expected shapes.
type Decoder struct {
	address common.Address
	events  map[common.Hash]abi.Event
}

func NewDecoder(c *Contract) *Decoder {
	d := &Decoder{address: c.Address, events: map[common.Hash]abi.Event{}}
	for name := range eventShapes {
		if ev, ok := c.ABI.Events[name]; ok {
			d.events[ev.ID] = ev
		}
	}
	return d
}

// Decode reports ok=false for logs from other contracts, unknown topics, and removed logs.
func (d *Decoder) Decode(lg types.Log) (Event, bool, error) {
	if lg.Address != d.address || lg.Removed || len(lg.Topics) == 0 {
		return Event{}, false, nil
	}
	ev, ok := d.events[lg.Topics[0]]
	if !ok {
		return Event{}, false, nil
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
		return Event{}, false, fmt.Errorf("%s: parse topics: %w", ev.Name, err)
	}
	if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		return Event{}, false, fmt.Errorf("%s: unpack data: %w", ev.Name, err)
	}
	vals := make([]any, len(ev.Inputs))
	for i, in := range ev.Inputs {
		vals[i] = args[in.Name]
	}

	out := Event{
		Name:        ev.Name,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}
	var err error
	if out.EqubID, err = bigArg(ev.Name, vals, 0); err != nil {
		return Event{}, false, err
	}
	switch ev.Name {
	case EventMemberJoined:
		out.Account, err = addressArg(ev.Name, vals, 1)
	case EventEqubCreated:
		if out.Account, err = addressArg(ev.Name, vals, 1); err == nil {
			out.Title, _ = vals[2].(string)
		}
	case EventContributionMade, EventWinnerSelected:
		if out.Account, err = addressArg(ev.Name, vals, 1); err != nil {
			break
		}
		if out.Amount, err = bigArg(ev.Name, vals, 2); err != nil {
			break
		}
		var round *big.Int
		if round, err = bigArg(ev.Name, vals, 3); err == nil {
			if !round.IsUint64() {
				err = fmt.Errorf("%s: round %s out of range", ev.Name, round)
			} else {
				out.Round = round.Uint64()
			}
		}
	}
	if err != nil {
		return Event{}, false, err
	}
	return out, true, nil
}

func bigArg(event string, vals []any, i int) (*big.Int, error) {
	if i < len(vals) {
		if v, ok := vals[i].(*big.Int); ok && v != nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%s: argument %d is not an integer", event, i)
}

func addressArg(event string, vals []any, i int) (common.Address, error) {
	if i < len(vals) {
		if v, ok := vals[i].(common.Address); ok {
			return v, nil
		}
	}
	return common.Address{}, fmt.Errorf("%s: argument %d is not an address", event, i)
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
