package mempool

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/internal/chaintest"
)

func entryFor(tx *wire.MsgTx, fee btcutil.Amount, at time.Time, height int32) *Entry {
	raw := chaintest.TxBytes(tx)
	return &Entry{Tx: btcutil.NewTx(tx), Raw: raw, Fee: fee, Size: len(raw), Time: at, Height: height}
}

func TestPoolAddLookupRemove(t *testing.T) {
	pool := New(nil)
	funding := chaintest.Coinbase(1, chaintest.Subsidy)
	tx := chaintest.Spend([]wire.OutPoint{chaintest.Out(funding, 0)}, 1000)
	now := time.Now()

	if err := pool.Add(entryFor(tx, 500, now, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := pool.Add(entryFor(tx, 500, now, 1)); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	entry, ok := pool.Lookup(tx.TxHash())
	if !ok || !entry.Time.Equal(now) {
		t.Fatalf("lookup failed: %v %+v", ok, entry)
	}
	spender, ok := pool.Spender(chaintest.Out(funding, 0))
	if !ok || spender != tx.TxHash() {
		t.Fatalf("expected spend to be tracked")
	}
	if out, ok := pool.Output(chaintest.Out(tx, 0)); !ok || out.Value != 1000 {
		t.Fatalf("expected pool output, got %v %v", out, ok)
	}
	pool.Remove(tx.TxHash())
	if pool.Has(tx.TxHash()) || pool.Len() != 0 {
		t.Fatalf("expected entry removed")
	}
	if _, ok := pool.Spender(chaintest.Out(funding, 0)); ok {
		t.Fatalf("expected spend released")
	}
}

func TestPoolEntriesOrderedByTime(t *testing.T) {
	pool := New(nil)
	base := time.Unix(1_700_000_000, 0)
	var want []string
	for i := int32(0); i < 4; i++ {
		funding := chaintest.Coinbase(i+1, chaintest.Subsidy)
		tx := chaintest.Spend([]wire.OutPoint{chaintest.Out(funding, 0)}, 100)
		if err := pool.Add(entryFor(tx, 10, base.Add(time.Duration(3-i)*time.Second), 0)); err != nil {
			t.Fatalf("add: %v", err)
		}
		want = append([]string{tx.TxHash().String()}, want...)
	}
	for i, entry := range pool.Entries() {
		if entry.Tx.Hash().String() != want[i] {
			t.Fatalf("entry %d out of order", i)
		}
	}
}

func TestConnectBlockEvictsConflictsAndFeedsEstimator(t *testing.T) {
	pool := New(NewFeeEstimator(10))
	funding := chaintest.Coinbase(1, chaintest.Subsidy)
	inPool := chaintest.Spend([]wire.OutPoint{chaintest.Out(funding, 0)}, 1000)
	child := chaintest.Spend([]wire.OutPoint{chaintest.Out(inPool, 0)}, 900)
	rival := chaintest.Spend([]wire.OutPoint{chaintest.Out(funding, 0)}, 999)

	if err := pool.Add(entryFor(inPool, 100, time.Now(), 5)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := pool.Add(entryFor(child, 100, time.Now(), 5)); err != nil {
		t.Fatalf("add child: %v", err)
	}
	pool.ConnectBlock([]*btcutil.Tx{btcutil.NewTx(rival)}, 6)
	if pool.Len() != 0 {
		t.Fatalf("expected conflicting chain removed, %d left", pool.Len())
	}

	confirmed := chaintest.Spend([]wire.OutPoint{chaintest.Out(chaintest.Coinbase(2, chaintest.Subsidy), 0)}, 10)
	if err := pool.Add(entryFor(confirmed, 250, time.Now(), 5)); err != nil {
		t.Fatalf("add: %v", err)
	}
	pool.ConnectBlock([]*btcutil.Tx{btcutil.NewTx(confirmed)}, 7)
	if pool.Estimator().Samples() != 1 {
		t.Fatalf("expected one fee sample, got %d", pool.Estimator().Samples())
	}
}

func TestFeeEstimatorMedian(t *testing.T) {
	est := NewFeeEstimator(4)
	if _, ok := est.EstimateFeePerKB(1); ok {
		t.Fatalf("expected no estimate without samples")
	}
	est.Record(1000, 1)
	est.Record(3000, 1)
	est.Record(2000, 2)
	if _, ok := est.EstimateFeePerKB(1); ok {
		t.Fatalf("expected too few samples within one block")
	}
	rate, ok := est.EstimateFeePerKB(2)
	if !ok || rate != 2000 {
		t.Fatalf("expected median 2000, got %v %v", rate, ok)
	}
	est.Record(9000, 0)
	est.Record(9000, 1)
	if est.Samples() != 4 {
		t.Fatalf("expected window of 4, got %d", est.Samples())
	}
	rate, ok = est.EstimateFeePerKB(0)
	if !ok || rate != 9000 {
		t.Fatalf("expected 9000 for blocks<1 treated as 1, got %v %v", rate, ok)
	}
}
