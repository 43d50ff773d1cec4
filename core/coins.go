package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrBlockInputs is returned when a block spends outputs that are not
// available on the active chain.
var ErrBlockInputs = errors.New("block spends unavailable outputs")

type coin struct {
	out      wire.TxOut
	height   int32
	coinbase bool
}

// coinView is the in-memory unspent output set of the active chain.
type coinView struct {
	coins map[wire.OutPoint]coin
	perTx map[chainhash.Hash]int
}

func newCoinView() *coinView {
	return &coinView{
		coins: make(map[wire.OutPoint]coin),
		perTx: make(map[chainhash.Hash]int),
	}
}

func (v *coinView) get(op wire.OutPoint) (coin, bool) {
	c, ok := v.coins[op]
	return c, ok
}

func (v *coinView) haveTx(hash chainhash.Hash) bool {
	return v.perTx[hash] > 0
}

func (v *coinView) add(op wire.OutPoint, c coin) {
	if _, ok := v.coins[op]; !ok {
		v.perTx[op.Hash]++
	}
	v.coins[op] = c
}

func (v *coinView) spend(op wire.OutPoint) {
	if _, ok := v.coins[op]; !ok {
		return
	}
	delete(v.coins, op)
	if v.perTx[op.Hash]--; v.perTx[op.Hash] <= 0 {
		delete(v.perTx, op.Hash)
	}
}

// connect applies block at height. Nothing changes if an input is missing.
func (v *coinView) connect(block *wire.MsgBlock, height int32) error {
	if err := v.check(block); err != nil {
		return err
	}
	v.apply(block, height)
	return nil
}

// check verifies every input of block is available without changing the view.
func (v *coinView) check(block *wire.MsgBlock) error {
	spent := make(map[wire.OutPoint]struct{})
	created := make(map[wire.OutPoint]struct{})
	for i, tx := range block.Transactions {
		if i > 0 {
			for _, in := range tx.TxIn {
				op := in.PreviousOutPoint
				if _, dup := spent[op]; dup {
					return fmt.Errorf("%w: %v spent twice", ErrBlockInputs, op)
				}
				_, inView := v.coins[op]
				_, inBlock := created[op]
				if !inView && !inBlock {
					return fmt.Errorf("%w: %v", ErrBlockInputs, op)
				}
				spent[op] = struct{}{}
			}
		}
		hash := tx.TxHash()
		for j := range tx.TxOut {
			created[wire.OutPoint{Hash: hash, Index: uint32(j)}] = struct{}{}
		}
	}
	return nil
}

func (v *coinView) apply(block *wire.MsgBlock, height int32) {
	for i, tx := range block.Transactions {
		if i > 0 {
			for _, in := range tx.TxIn {
				v.spend(in.PreviousOutPoint)
			}
		}
		hash := tx.TxHash()
		for j, out := range tx.TxOut {
			v.add(wire.OutPoint{Hash: hash, Index: uint32(j)}, coin{out: *out, height: height, coinbase: i == 0})
		}
	}
}

func (v *coinView) stats(tip *BlockIndex) CoinStats {
	ops := make([]wire.OutPoint, 0, len(v.coins))
	for op := range v.coins {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if c := bytes.Compare(ops[i].Hash[:], ops[j].Hash[:]); c != 0 {
			return c < 0
		}
		return ops[i].Index < ops[j].Index
	})

	stats := CoinStats{Height: -1, Transactions: int64(len(v.perTx)), TxOuts: int64(len(ops))}
	if tip != nil {
		stats.Height = tip.Height
		stats.BestBlock = tip.Hash
	}
	var buf bytes.Buffer
	if tip != nil {
		buf.Write(tip.Hash[:])
	}
	var scratch [12]byte
	for _, op := range ops {
		c := v.coins[op]
		buf.Write(op.Hash[:])
		binary.LittleEndian.PutUint32(scratch[0:4], op.Index)
		binary.LittleEndian.PutUint64(scratch[4:12], uint64(c.out.Value))
		buf.Write(scratch[:])
		buf.Write(c.out.PkScript)
		stats.SerializedSize += int64(chainhash.HashSize + 4 + c.out.SerializeSize())
		stats.TotalAmount += btcutil.Amount(c.out.Value)
	}
	stats.HashSerialized = chainhash.DoubleHashH(buf.Bytes())
	return stats
}
