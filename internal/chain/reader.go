package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"reflect"
	"strings"

	"github.com/devblac/equb-sync/internal/retry"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// equbFieldAliases maps EqubInfo fields to the output names accessor revisions have used.
var equbFieldAliases = map[string][]string{
	"id":                 {"id", "equbid"},
	"owner":              {"owner", "creator"},
	"name":               {"name"},
	"contributionAmount": {"contributionamount", "contribution"},
	"cycleDuration":      {"cycleduration", "duration"},
	"maxMembers":         {"maxmembers", "maxmember"},
	"startTime":          {"starttime"},
	"currentRound":       {"currentround", "round"},
	"active":             {"isactive", "active"},
	"totalPool":          {"totalpool", "pool"},
}

// Reader is the read-only view of the equb contract.
type Reader struct {
	contract *Contract
	bound    *bind.BoundContract
	retry    retry.Config
	logger   *slog.Logger
}

func NewReader(c *Contract, caller bind.ContractCaller, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		contract: c,
		bound:    bind.NewBoundContract(c.Address, c.ABI, caller, nil, nil),
		retry:    retry.DefaultConfig(),
		logger:   logger,
	}
}

// GetEqub reads an equb's configuration through whichever accessor the ABI declares.
// Output fields are matched by name, so an accessor that leaves out the member and
// winner arrays decodes fine.
func (r *Reader) GetEqub(ctx context.Context, id *big.Int) (EqubInfo, error) {
	method := r.contract.ABI.Methods[r.contract.EqubGetter]
	out, err := r.call(ctx, method.Name, id)
	if err != nil {
		return EqubInfo{}, err
	}
	fields, err := outputFields(method, out)
	if err != nil {
		return EqubInfo{}, err
	}

	info := EqubInfo{
		ID:                 bigField(fields, "id"),
		Name:               stringField(fields, "name"),
		ContributionAmount: bigField(fields, "contributionAmount"),
		CycleDuration:      bigField(fields, "cycleDuration"),
		MaxMembers:         bigField(fields, "maxMembers"),
		StartTime:          bigField(fields, "startTime"),
		CurrentRound:       bigField(fields, "currentRound"),
		TotalPool:          bigField(fields, "totalPool"),
	}
	owner, ok := lookup(fields, "owner").(common.Address)
	if !ok {
		return EqubInfo{}, fmt.Errorf("%s: accessor has no owner output", method.Name)
	}
	info.Owner = owner
	info.Active, _ = lookup(fields, "active").(bool)
	if lookup(fields, "contributionAmount") == nil || lookup(fields, "maxMembers") == nil {
		return EqubInfo{}, fmt.Errorf("%s: accessor lacks contribution amount or max members", method.Name)
	}
	// Mapping getters return a zeroed struct for unknown ids.
	if owner == (common.Address{}) {
		return EqubInfo{}, fmt.Errorf("equb %s: %w", id, ErrNotFound)
	}
	if info.ID == nil || info.ID.Sign() == 0 {
		info.ID = new(big.Int).Set(id)
	}
	return info, nil
}

// Members returns the member addresses in join order.
func (r *Reader) Members(ctx context.Context, id *big.Int) ([]common.Address, error) {
	out, err := r.call(ctx, MethodGetMembers, id)
	if err != nil {
		return nil, err
	}
	members, ok := first(out).([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output %T", MethodGetMembers, first(out))
	}
	return members, nil
}

func (r *Reader) CurrentWinner(ctx context.Context, id *big.Int) (common.Address, error) {
	if _, ok := r.contract.ABI.Methods[MethodCurrentWinner]; !ok {
		return common.Address{}, fmt.Errorf("abi: method %s missing", MethodCurrentWinner)
	}
	out, err := r.call(ctx, MethodCurrentWinner, id)
	if err != nil {
		return common.Address{}, err
	}
	w, ok := first(out).(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected output %T", MethodCurrentWinner, first(out))
	}
	return w, nil
}

func (r *Reader) WinnersHistory(ctx context.Context, id *big.Int) ([]common.Address, error) {
	if _, ok := r.contract.ABI.Methods[MethodWinnersHistory]; !ok {
		return nil, fmt.Errorf("abi: method %s missing", MethodWinnersHistory)
	}
	out, err := r.call(ctx, MethodWinnersHistory, id)
	if err != nil {
		return nil, err
	}
	ws, ok := first(out).([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output %T", MethodWinnersHistory, first(out))
	}
	return ws, nil
}

// call runs a view method with retries. Reverts are not retried and map to ErrNotFound,
// since every read is keyed by equb id.
func (r *Reader) call(ctx context.Context, method string, id *big.Int) ([]any, error) {
	var out []any
	err := retry.WithBackoff(ctx, r.retry, r.logger, method, func() error {
		out = nil
		err := r.bound.Call(&bind.CallOpts{Context: ctx}, &out, method, id)
		if errors.Is(err, bind.ErrNoCode) {
			return retry.Permanent(err)
		}
		if err != nil && isRevert(err) {
			return retry.Permanent(fmt.Errorf("equb %s: %w: %w", id, ErrNotFound, decodeRevert(&r.contract.ABI, err)))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s(%s): %w", method, id, err)
	}
	return out, nil
}

// outputFields flattens method outputs into lower-cased name -> value. A single tuple
// output is unpacked by its component names.
func outputFields(method abi.Method, out []any) (map[string]any, error) {
	fields := map[string]any{}
	if len(method.Outputs) == 1 && method.Outputs[0].Type.T == abi.TupleTy {
		rv := reflect.Indirect(reflect.ValueOf(first(out)))
		if rv.Kind() != reflect.Struct {
			return nil, fmt.Errorf("%s: expected tuple output, got %T", method.Name, first(out))
		}
		for i, name := range method.Outputs[0].Type.TupleRawNames {
			if i >= rv.NumField() {
				break
			}
			fields[strings.ToLower(name)] = rv.Field(i).Interface()
		}
		return fields, nil
	}
	if len(out) != len(method.Outputs) {
		return nil, fmt.Errorf("%s: got %d outputs, want %d", method.Name, len(out), len(method.Outputs))
	}
	for i, o := range method.Outputs {
		fields[strings.ToLower(o.Name)] = out[i]
	}
	return fields, nil
}

func lookup(fields map[string]any, field string) any {
	for _, name := range equbFieldAliases[field] {
		if v, ok := fields[name]; ok {
			return v
		}
	}
	return nil
}

func bigField(fields map[string]any, field string) *big.Int {
	if v, ok := lookup(fields, field).(*big.Int); ok && v != nil {
		return v
	}
	return new(big.Int)
}

func stringField(fields map[string]any, field string) string {
	s, _ := lookup(fields, field).(string)
	return s
}

func first(out []any) any {
	if len(out) == 0 {
		return nil
	}
	return out[0]
}
