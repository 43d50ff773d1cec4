// Package mempool keeps the unconfirmed transactions known to the engine.
//
// A Pool is not safe for concurrent use. The chain engine owns it and only
// touches it while holding its state lock.
package mempool

import (
	"errors"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var ErrDuplicate = errors.New("mempool: transaction already present")

// Entry is a transaction admitted to the pool.
type Entry struct {
	Tx     *btcutil.Tx
	Raw    []byte
	Fee    btcutil.Amount
	Size   int
	Time   time.Time
	Height int32
}

// FeePerKB is the entry's fee rate in satoshis per 1000 bytes.
func (e *Entry) FeePerKB() btcutil.Amount {
	if e.Size <= 0 {
		return 0
	}
	return e.Fee * 1000 / btcutil.Amount(e.Size)
}

// Pool indexes entries by hash and tracks which outpoints they spend.
type Pool struct {
	entries   map[chainhash.Hash]*Entry
	spent     map[wire.OutPoint]chainhash.Hash
	estimator *FeeEstimator
}

func New(estimator *FeeEstimator) *Pool {
	if estimator == nil {
		estimator = NewFeeEstimator(DefaultSampleWindow)
	}
	return &Pool{
		entries:   make(map[chainhash.Hash]*Entry),
		spent:     make(map[wire.OutPoint]chainhash.Hash),
		estimator: estimator,
	}
}

// Add inserts entry. Conflict checks are the caller's job; Add only refuses
// exact duplicates.
func (p *Pool) Add(entry *Entry) error {
	hash := *entry.Tx.Hash()
	if _, ok := p.entries[hash]; ok {
		return ErrDuplicate
	}
	p.entries[hash] = entry
	for _, in := range entry.Tx.MsgTx().TxIn {
		p.spent[in.PreviousOutPoint] = hash
	}
	return nil
}

// Remove drops the entry with the given hash, if present.
func (p *Pool) Remove(hash chainhash.Hash) *Entry {
	entry, ok := p.entries[hash]
	if !ok {
		return nil
	}
	delete(p.entries, hash)
	for _, in := range entry.Tx.MsgTx().TxIn {
		if owner, ok := p.spent[in.PreviousOutPoint]; ok && owner == hash {
			delete(p.spent, in.PreviousOutPoint)
		}
	}
	return entry
}

func (p *Pool) Lookup(hash chainhash.Hash) (*Entry, bool) {
	entry, ok := p.entries[hash]
	return entry, ok
}

func (p *Pool) Has(hash chainhash.Hash) bool {
	_, ok := p.entries[hash]
	return ok
}

// Spender reports the pool transaction spending op.
func (p *Pool) Spender(op wire.OutPoint) (chainhash.Hash, bool) {
	hash, ok := p.spent[op]
	return hash, ok
}

// Output returns an output created by a pool transaction.
func (p *Pool) Output(op wire.OutPoint) (*wire.TxOut, bool) {
	entry, ok := p.entries[op.Hash]
	if !ok {
		return nil, false
	}
	outs := entry.Tx.MsgTx().TxOut
	if int(op.Index) >= len(outs) {
		return nil, false
	}
	return outs[op.Index], true
}

func (p *Pool) Len() int {
	return len(p.entries)
}

// Entries returns the pool ordered by entry time, oldest first.
func (p *Pool) Entries() []*Entry {
	out := make([]*Entry, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].Tx.Hash().String() < out[j].Tx.Hash().String()
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// ConnectBlock removes transactions confirmed at height together with any
// pool transactions that conflict with them. Confirmed pool entries feed the
// fee estimator.
func (p *Pool) ConnectBlock(txs []*btcutil.Tx, height int32) {
	for _, tx := range txs {
		if entry := p.Remove(*tx.Hash()); entry != nil {
			p.estimator.Record(entry.FeePerKB(), height-entry.Height)
		}
		for _, in := range tx.MsgTx().TxIn {
			if conflict, ok := p.spent[in.PreviousOutPoint]; ok {
				p.removeWithDescendants(conflict)
			}
		}
	}
}

func (p *Pool) removeWithDescendants(hash chainhash.Hash) {
	entry := p.Remove(hash)
	if entry == nil {
		return
	}
	for i := range entry.Tx.MsgTx().TxOut {
		op := wire.OutPoint{Hash: hash, Index: uint32(i)}
		if child, ok := p.spent[op]; ok {
			p.removeWithDescendants(child)
		}
	}
}

// Estimator exposes the pool's fee estimator.
func (p *Pool) Estimator() *FeeEstimator {
	return p.estimator
}
