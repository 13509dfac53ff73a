package chain

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/devblac/equb-sync/internal/storage"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var testContractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func loadTestContract(t *testing.T, file string) *Contract {
	t.Helper()
	c, err := LoadContract(testContractAddr, filepath.Join("testdata", file))
	if err != nil {
		t.Fatalf("load contract %s: %v", file, err)
	}
	return c
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	})
	return store
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func idTopic(id int64) common.Hash {
	return common.BigToHash(big.NewInt(id))
}

// eventLog builds a log for one of the contract's events with the given indexed topics
// and non-indexed values.
func eventLog(t *testing.T, c *Contract, name string, topics []common.Hash, data ...any) types.Log {
	t.Helper()
	ev := c.ABI.Events[name]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return types.Log{
		Address: c.Address,
		Topics:  append([]common.Hash{ev.ID}, topics...),
		Data:    packed,
	}
}

// revertErr mimics the JSON-RPC error geth returns for a reverted eth_call.
type revertErr struct {
	data []byte
}

func (e revertErr) Error() string          { return "execution reverted" }
func (e revertErr) ErrorCode() int         { return 3 }
func (e revertErr) ErrorData() interface{} { return hexutil.Encode(e.data) }

func customErrorData(t *testing.T, c *Contract, name string, args ...any) []byte {
	t.Helper()
	e := c.ABI.Errors[name]
	packed, err := e.Inputs.Pack(args...)
	if err != nil {
		t.Fatalf("pack error %s: %v", name, err)
	}
	return append(append([]byte{}, e.ID[:4]...), packed...)
}

// fakeCaller answers eth_call by method selector.
type fakeCaller struct {
	abi       *abi.ABI
	responses map[string][]byte
	reverts   map[string]error
	calls     []ethereum.CallMsg
}

func newFakeCaller(c *Contract) *fakeCaller {
	return &fakeCaller{abi: &c.ABI, responses: map[string][]byte{}, reverts: map[string]error{}}
}

func (f *fakeCaller) respond(t *testing.T, method string, values ...any) {
	t.Helper()
	out, err := f.abi.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s outputs: %v", method, err)
	}
	f.responses[method] = out
}

func (f *fakeCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	m, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if rerr, ok := f.reverts[m.Name]; ok {
		return nil, rerr
	}
	if out, ok := f.responses[m.Name]; ok {
		return out, nil
	}
	if len(m.Outputs) == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("no response for %s", m.Name)
}

type equbTuple struct {
	ID                 *big.Int       `abi:"id"`
	Owner              common.Address `abi:"owner"`
	Name               string         `abi:"name"`
	ContributionAmount *big.Int       `abi:"contributionAmount"`
	CycleDuration      *big.Int       `abi:"cycleDuration"`
	MaxMembers         *big.Int       `abi:"maxMembers"`
	StartTime          *big.Int       `abi:"startTime"`
	CurrentRound       *big.Int       `abi:"currentRound"`
	IsActive           bool           `abi:"isActive"`
	TotalPool          *big.Int       `abi:"totalPool"`
}

func oneEther() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

func sampleEqub(id int64, owner common.Address, maxMembers int64) equbTuple {
	return equbTuple{
		ID:                 big.NewInt(id),
		Owner:              owner,
		Name:               "Addis savers",
		ContributionAmount: oneEther(),
		CycleDuration:      big.NewInt(604800),
		MaxMembers:         big.NewInt(maxMembers),
		StartTime:          big.NewInt(0),
		CurrentRound:       big.NewInt(0),
		IsActive:           true,
		TotalPool:          big.NewInt(0),
	}
}
