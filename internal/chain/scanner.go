package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/devblac/equb-sync/internal/storage"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultBatchSize bounds the block range of one FilterLogs call.
const DefaultBatchSize = 500

// Batch is a contiguous range of confirmed blocks and the contract events inside it.
type Batch struct {
	From   uint64
	To     uint64
	ToHash common.Hash
	Events []Event
}

// ScannerConfig describes one contract deployment to follow.
type ScannerConfig struct {
	// SourceID keys the persisted cursor.
	SourceID      string
	StartBlock    string
	Confirmations uint64
	BatchSize     uint64
}

// Scanner walks confirmed blocks in batches. The cursor moves only on Commit, so a batch
// that fails to apply is returned again by the next call to Next.
type Scanner struct {
	client  BlockClient
	store   *storage.Store
	cfg     ScannerConfig
	address common.Address
	topics  []common.Hash
	decoder *Decoder
}

func NewScanner(client BlockClient, store *storage.Store, c *Contract, cfg ScannerConfig) (*Scanner, error) {
	if cfg.SourceID == "" {
		return nil, fmt.Errorf("scanner: source id required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Scanner{
		client:  client,
		store:   store,
		cfg:     cfg,
		address: c.Address,
		topics:  c.Topics(),
		decoder: NewDecoder(c),
	}, nil
}

// Next returns the next batch of confirmed blocks, or nil when caught up. If the first
// block does not build on the stored cursor, the cursor is rewound below the replaced
// block (see rewind) and ErrReorgDetected is returned.
func (s *Scanner) Next(ctx context.Context) (*Batch, error) {
	curHeight, curHash, hasCursor, err := s.store.GetCursor(ctx, s.cfg.SourceID)
	if err != nil {
		return nil, err
	}

	latest, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	safeHeight := latest.Number.Uint64()
	if s.cfg.Confirmations > 0 {
		if s.cfg.Confirmations > safeHeight {
			return nil, nil
		}
		safeHeight -= s.cfg.Confirmations
	}

	from := curHeight + 1
	if !hasCursor {
		start, err := resolveStartHeight(s.cfg.StartBlock, safeHeight)
		if err != nil {
			return nil, err
		}
		from = start
	}
	if from > safeHeight {
		return nil, nil
	}
	to := from + s.cfg.BatchSize - 1
	if to > safeHeight {
		to = safeHeight
	}

	fromHeader, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(from))
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", from, err)
	}
	if hasCursor && fromHeader.ParentHash.Hex() != curHash {
		if err := s.rewind(ctx, curHeight); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("block %d parent %s, cursor %s: %w", from, fromHeader.ParentHash.Hex(), curHash, ErrReorgDetected)
	}
	toHeader := fromHeader
	if to != from {
		if toHeader, err = s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(to)); err != nil {
			return nil, fmt.Errorf("header %d: %w", to, err)
		}
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.address},
		Topics:    [][]common.Hash{s.topics},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	events, err := s.decode(logs)
	if err != nil {
		return nil, err
	}
	return &Batch{From: from, To: to, ToHash: toHeader.Hash(), Events: events}, nil
}

// rewind moves the cursor max(confirmations, 1) blocks below curHeight and pins it to the
// current chain's hash at that height, so the replaced blocks are scanned again.
func (s *Scanner) rewind(ctx context.Context, curHeight uint64) error {
	depth := s.cfg.Confirmations
	if depth == 0 {
		depth = 1
	}
	target := uint64(0)
	if curHeight > depth {
		target = curHeight - depth
	}
	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(target))
	if err != nil {
		return fmt.Errorf("rewind header %d: %w", target, err)
	}
	if err := s.store.UpsertCursor(ctx, s.cfg.SourceID, target, h.Hash().Hex()); err != nil {
		return fmt.Errorf("rewind cursor to %d: %w", target, err)
	}
	return nil
}

// Commit records b as fully applied.
func (s *Scanner) Commit(ctx context.Context, b *Batch) error {
	if b == nil {
		return nil
	}
	return s.store.UpsertCursor(ctx, s.cfg.SourceID, b.To, b.ToHash.Hex())
}

func (s *Scanner) decode(logs []types.Log) ([]Event, error) {
	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		ev, ok, err := s.decoder.Decode(lg)
		if err != nil {
			return nil, fmt.Errorf("block %d tx %s: %w", lg.BlockNumber, lg.TxHash.Hex(), err)
		}
		if ok {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	if start == "" || start == "0" {
		return 0, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}
