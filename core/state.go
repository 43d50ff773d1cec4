package core

import (
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/mempool"
)

// stateView is the ChainState handed to Guard callbacks.
type stateView struct {
	e     *Engine
	valid atomic.Bool
}

func (v *stateView) check() {
	if !v.valid.Load() {
		panic("core: ChainState used outside Guard")
	}
}

func (v *stateView) TipHeight() int32 {
	v.check()
	if v.e.chain == nil {
		return -1
	}
	return v.e.chain.Height()
}

func (v *stateView) Tip() *BlockIndex {
	v.check()
	if v.e.chain == nil {
		return nil
	}
	return v.e.chain.Tip().Copy()
}

func (v *stateView) BlockIndexByHash(hash chainhash.Hash) *BlockIndex {
	v.check()
	if v.e.chain == nil {
		return nil
	}
	return v.e.chain.ByHash(hash).Copy()
}

func (v *stateView) BlockIndexByHeight(height int32) *BlockIndex {
	v.check()
	if v.e.chain == nil {
		return nil
	}
	return v.e.chain.ByHeight(height).Copy()
}

func (v *stateView) ActiveChainContains(hash chainhash.Hash) bool {
	v.check()
	if v.e.chain == nil {
		return false
	}
	return v.e.chain.Contains(v.e.chain.ByHash(hash))
}

func (v *stateView) NextBlockIndex(hash chainhash.Hash) *BlockIndex {
	v.check()
	if v.e.chain == nil {
		return nil
	}
	return v.e.chain.Next(v.e.chain.ByHash(hash)).Copy()
}

func (v *stateView) MempoolLookup(hash chainhash.Hash) (*MempoolTx, bool) {
	v.check()
	entry, ok := v.e.pool.Lookup(hash)
	if !ok {
		return nil, false
	}
	tx := mempoolCopy(entry)
	return &tx, true
}

func (v *stateView) MempoolEntries() []MempoolTx {
	v.check()
	entries := v.e.pool.Entries()
	out := make([]MempoolTx, len(entries))
	for i, entry := range entries {
		out[i] = mempoolCopy(entry)
	}
	return out
}

func mempoolCopy(entry *mempool.Entry) MempoolTx {
	return MempoolTx{
		Hash: *entry.Tx.Hash(),
		Raw:  append([]byte(nil), entry.Raw...),
		Time: entry.Time,
		Fee:  entry.Fee,
		Size: entry.Size,
	}
}

func (v *stateView) HaveChainTx(hash chainhash.Hash) bool {
	v.check()
	return v.e.coins.haveTx(hash)
}

// CoinAvailable layers the mempool over the chain view: an output is
// available when it exists on chain or in a pool transaction and no pool
// transaction spends it.
func (v *stateView) CoinAvailable(op wire.OutPoint) bool {
	v.check()
	if _, spent := v.e.pool.Spender(op); spent {
		return false
	}
	if _, ok := v.e.coins.get(op); ok {
		return true
	}
	_, ok := v.e.pool.Output(op)
	return ok
}

func (v *stateView) AcceptToMempool(tx *wire.MsgTx, allowAbsurdFee bool) AcceptResult {
	v.check()
	result := v.e.acceptLocked(tx, allowAbsurdFee)
	v.e.metrics.RecordAccept(result.Outcome.String())
	v.e.metrics.SetMempoolSize(v.e.pool.Len())
	return result
}

func (v *stateView) AddMempoolUnchecked(tx *wire.MsgTx) error {
	v.check()
	if v.e.chain == nil {
		return ErrNotInitialized
	}
	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}
	entry := &mempool.Entry{
		Tx:     btcutil.NewTx(tx),
		Raw:    raw,
		Size:   len(raw),
		Time:   v.e.opts.Now(),
		Height: v.e.chain.Height(),
	}
	if err := v.e.pool.Add(entry); err != nil {
		return err
	}
	v.e.metrics.SetMempoolSize(v.e.pool.Len())
	return nil
}

func (v *stateView) CoinStats() CoinStats {
	v.check()
	var tip *BlockIndex
	if v.e.chain != nil {
		tip = v.e.chain.Tip()
	}
	return v.e.coins.stats(tip)
}
