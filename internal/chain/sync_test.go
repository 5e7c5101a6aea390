package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeEthClient struct {
	head      uint64
	logs      []types.Log
	filterErr error
	queries   []ethereum.FilterQuery
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeEthClient) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}
func (f *fakeEthClient) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not found")
}
func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, bn *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return f.logs, nil
}
func (f *fakeEthClient) Close() {}

type recordingApplier struct {
	events []Event
	failAt int // 0 = never fail; otherwise fail on the nth call (1-based)
	calls  int
}

func (r *recordingApplier) Apply(ctx context.Context, ev Event) error {
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return errors.New("apply failed")
	}
	r.events = append(r.events, ev)
	return nil
}

func releasedLog(escrowID int64, block uint64) types.Log {
	return types.Log{
		Topics: []common.Hash{
			releasedEventSig,
			common.BigToHash(big.NewInt(escrowID)),
		},
		TxHash:      common.HexToHash("0x1"),
		BlockNumber: block,
	}
}

func newTestSyncer(client *fakeEthClient, applier EventApplier, wm WatermarkStore) *Syncer {
	return NewSyncer(client, common.HexToAddress("0xEsc"), applier, wm, "escrow_events", slog.Default())
}

func TestSync_FirstRunSeedsWatermark(t *testing.T) {
	ctx := context.Background()
	client := &fakeEthClient{head: 500}
	wm := NewMemoryWatermarkStore()
	applier := &recordingApplier{}

	n, err := newTestSyncer(client, applier, wm).Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 0 {
		t.Errorf("applied %d events on first run, want 0", n)
	}
	if got, _ := wm.Get(ctx, "escrow_events"); got != 500 {
		t.Errorf("watermark = %d, want 500 (chain head)", got)
	}
	if len(client.queries) != 0 {
		t.Error("first run should not replay history")
	}
}

func TestSync_AppliesEventsAndAdvances(t *testing.T) {
	ctx := context.Background()
	client := &fakeEthClient{
		head: 120,
		logs: []types.Log{
			releasedLog(7, 110),
			{
				Topics:      []common.Hash{disputedEventSig, common.BigToHash(big.NewInt(9))},
				TxHash:      common.HexToHash("0x2"),
				BlockNumber: 115,
			},
		},
	}
	wm := NewMemoryWatermarkStore()
	wm.Set(ctx, "escrow_events", 100)
	applier := &recordingApplier{}

	n, err := newTestSyncer(client, applier, wm).Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 2 {
		t.Fatalf("applied = %d, want 2", n)
	}
	if applier.events[0].Type != EventReleased || applier.events[0].OnchainEscrowID != "7" {
		t.Errorf("event[0] = %+v, want released escrow 7", applier.events[0])
	}
	if applier.events[1].Type != EventDisputed || applier.events[1].OnchainEscrowID != "9" {
		t.Errorf("event[1] = %+v, want disputed escrow 9", applier.events[1])
	}
	if got, _ := wm.Get(ctx, "escrow_events"); got != 120 {
		t.Errorf("watermark = %d, want 120", got)
	}

	// Query range starts right after the watermark.
	q := client.queries[0]
	if q.FromBlock.Uint64() != 101 || q.ToBlock.Uint64() != 120 {
		t.Errorf("query range = [%s, %s], want [101, 120]", q.FromBlock, q.ToBlock)
	}
}

func TestSync_ApplyFailureHoldsWatermark(t *testing.T) {
	ctx := context.Background()
	client := &fakeEthClient{
		head: 110,
		logs: []types.Log{releasedLog(1, 105), releasedLog(2, 106)},
	}
	wm := NewMemoryWatermarkStore()
	wm.Set(ctx, "escrow_events", 100)
	applier := &recordingApplier{failAt: 2}

	_, err := newTestSyncer(client, applier, wm).Sync(ctx)
	if err == nil {
		t.Fatal("expected error from failing applier")
	}
	if got, _ := wm.Get(ctx, "escrow_events"); got != 100 {
		t.Errorf("watermark advanced to %d on partial failure, want 100", got)
	}

	// Next run re-delivers the whole batch.
	applier2 := &recordingApplier{}
	n, err := newTestSyncer(client, applier2, wm).Sync(ctx)
	if err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if n != 2 {
		t.Errorf("retry applied = %d, want 2", n)
	}
}

func TestSync_NothingNew(t *testing.T) {
	ctx := context.Background()
	client := &fakeEthClient{head: 100}
	wm := NewMemoryWatermarkStore()
	wm.Set(ctx, "escrow_events", 100)

	n, err := newTestSyncer(client, &recordingApplier{}, wm).Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 0 || len(client.queries) != 0 {
		t.Errorf("sync at head queried the chain: applied=%d queries=%d", n, len(client.queries))
	}
}

func TestSync_CapsFilterRange(t *testing.T) {
	ctx := context.Background()
	client := &fakeEthClient{head: 100000}
	wm := NewMemoryWatermarkStore()
	wm.Set(ctx, "escrow_events", 1000)

	if _, err := newTestSyncer(client, &recordingApplier{}, wm).Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	q := client.queries[0]
	if q.ToBlock.Uint64()-q.FromBlock.Uint64() > 5000 {
		t.Errorf("filter range %d exceeds cap", q.ToBlock.Uint64()-q.FromBlock.Uint64())
	}
	// Watermark advances only to the end of the capped window.
	if got, _ := wm.Get(ctx, "escrow_events"); got != q.ToBlock.Uint64() {
		t.Errorf("watermark = %d, want %d", got, q.ToBlock.Uint64())
	}
}

func TestTokenUnits(t *testing.T) {
	// $125.50 in cents → 125.50 tokens with 6 decimals.
	got := TokenUnits(12550)
	want := big.NewInt(125500000)
	if got.Cmp(want) != 0 {
		t.Errorf("TokenUnits(12550) = %s, want %s", got, want)
	}
}

func TestParseEvent_Unknown(t *testing.T) {
	_, ok := parseEvent(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	if ok {
		t.Error("parsed an event with unknown signature")
	}
}
