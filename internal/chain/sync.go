package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Escrow contract event signatures.
var (
	releasedEventSig = crypto.Keccak256Hash([]byte("EscrowReleased(uint256)"))
	disputedEventSig = crypto.Keccak256Hash([]byte("EscrowDisputed(uint256)"))
	refundedEventSig = crypto.Keccak256Hash([]byte("EscrowRefunded(uint256)"))
)

// EventType classifies an escrow contract event.
type EventType string

const (
	EventReleased EventType = "released"
	EventDisputed EventType = "disputed"
	EventRefunded EventType = "refunded"
)

// Event is one escrow contract event pulled from the chain.
type Event struct {
	Type            EventType
	OnchainEscrowID string
	TxHash          string
	BlockNumber     uint64
}

// EventApplier reconciles one chain event into local state. Applying the
// same event twice must be a no-op: the watermark only advances after a
// fully applied batch, so re-delivery happens on every partial failure.
type EventApplier interface {
	Apply(ctx context.Context, ev Event) error
}

// WatermarkStore persists the last fully processed block per watcher so a
// restart resumes where the previous run stopped instead of at the chain
// head.
type WatermarkStore interface {
	Get(ctx context.Context, name string) (uint64, error)
	Set(ctx context.Context, name string, block uint64) error
}

// Syncer pulls escrow contract events since the persisted watermark and
// applies them to local state.
type Syncer struct {
	client    EthClient
	contract  common.Address
	applier   EventApplier
	watermark WatermarkStore
	name      string
	maxRange  uint64
	logger    *slog.Logger
}

// NewSyncer creates an event syncer. name keys the watermark row.
func NewSyncer(client EthClient, contract common.Address, applier EventApplier,
	watermark WatermarkStore, name string, logger *slog.Logger) *Syncer {
	return &Syncer{
		client:    client,
		contract:  contract,
		applier:   applier,
		watermark: watermark,
		name:      name,
		maxRange:  5000, // RPC providers cap filter ranges
		logger:    logger,
	}
}

// Sync processes events from the watermark to the chain head. Returns the
// number of events applied. If any event fails to apply, the watermark
// stays put and the whole batch is retried on the next run.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get chain head: %w", err)
	}

	last, err := s.watermark.Get(ctx, s.name)
	if err != nil {
		return 0, fmt.Errorf("failed to load watermark: %w", err)
	}
	if last == 0 {
		// First run: start at the head, don't replay history.
		if err := s.watermark.Set(ctx, s.name, head); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if head <= last {
		return 0, nil
	}

	from := last + 1
	to := head
	if to-from > s.maxRange {
		to = from + s.maxRange
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.contract},
		Topics: [][]common.Hash{
			{releasedEventSig, disputedEventSig, refundedEventSig},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to filter logs: %w", err)
	}

	applied := 0
	for _, vLog := range logs {
		ev, ok := parseEvent(vLog)
		if !ok {
			s.logger.Warn("unrecognized escrow contract event",
				"tx", vLog.TxHash.Hex(), "block", vLog.BlockNumber)
			continue
		}
		if err := s.applier.Apply(ctx, ev); err != nil {
			// Stop without advancing the watermark; the batch replays.
			return applied, fmt.Errorf("failed to apply %s event for escrow %s: %w",
				ev.Type, ev.OnchainEscrowID, err)
		}
		applied++
	}

	if err := s.watermark.Set(ctx, s.name, to); err != nil {
		return applied, fmt.Errorf("failed to advance watermark: %w", err)
	}
	return applied, nil
}

func parseEvent(vLog types.Log) (Event, bool) {
	if len(vLog.Topics) < 2 {
		return Event{}, false
	}
	var typ EventType
	switch vLog.Topics[0] {
	case releasedEventSig:
		typ = EventReleased
	case disputedEventSig:
		typ = EventDisputed
	case refundedEventSig:
		typ = EventRefunded
	default:
		return Event{}, false
	}
	id := new(big.Int).SetBytes(vLog.Topics[1].Bytes())
	return Event{
		Type:            typ,
		OnchainEscrowID: id.String(),
		TxHash:          vLog.TxHash.Hex(),
		BlockNumber:     vLog.BlockNumber,
	}, true
}
