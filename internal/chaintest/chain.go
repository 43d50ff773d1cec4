// Package chaintest builds regtest blocks and transactions for tests. Outputs
// pay to OP_TRUE and nothing is mined, so the results only satisfy the
// structural checks the engine performs.
package chaintest

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Subsidy is the coinbase value used for every generated block.
const Subsidy = 50 * btcutil.SatoshiPerBitcoin

var opTrue = []byte{txscript.OP_TRUE}

// Params returns the network parameters the fixtures are built for.
func Params() *chaincfg.Params {
	return &chaincfg.RegressionNetParams
}

// Coinbase returns a coinbase paying value at height. The height is pushed
// into the signature script so every coinbase hashes differently.
func Coinbase(height int32, value btcutil.Amount) *wire.MsgTx {
	script, err := txscript.NewScriptBuilder().AddInt64(int64(height)).AddData([]byte("chaintest")).Script()
	if err != nil {
		panic(err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  script,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(int64(value), opTrue))
	return tx
}

// Spend returns a transaction consuming prevs with one output per value.
func Spend(prevs []wire.OutPoint, values ...btcutil.Amount) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, op := range prevs {
		tx.AddTxIn(wire.NewTxIn(&op, []byte{txscript.OP_TRUE}, nil))
	}
	for _, v := range values {
		tx.AddTxOut(wire.NewTxOut(int64(v), opTrue))
	}
	return tx
}

// Out is the outpoint of output index of tx.
func Out(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index}
}

// NewBlock assembles a block on top of prev with a correct merkle root.
func NewBlock(prev chainhash.Hash, ts time.Time, txs ...*wire.MsgTx) *wire.MsgBlock {
	wrapped := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		wrapped[i] = btcutil.NewTx(tx)
	}
	root := blockchain.CalcMerkleRoot(wrapped, false)
	header := wire.NewBlockHeader(1, &prev, &root, Params().PowLimitBits, 0)
	header.Timestamp = ts.Truncate(time.Second)
	block := wire.NewMsgBlock(header)
	for _, tx := range txs {
		if err := block.AddTransaction(tx); err != nil {
			panic(err)
		}
	}
	return block
}

// TxBytes serializes tx.
func TxBytes(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// BlockBytes serializes block.
func BlockBytes(block *wire.MsgBlock) []byte {
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Chain is a linear regtest chain starting at the genesis block.
type Chain struct {
	Blocks []*wire.MsgBlock
	Start  time.Time
}

// NewChain starts a chain whose generated blocks are timestamped one second
// apart beginning at start.
func NewChain(start time.Time) *Chain {
	return &Chain{Blocks: []*wire.MsgBlock{Params().GenesisBlock}, Start: start}
}

// Height of the chain tip.
func (c *Chain) Height() int32 {
	return int32(len(c.Blocks) - 1)
}

func (c *Chain) Tip() *wire.MsgBlock {
	return c.Blocks[len(c.Blocks)-1]
}

// Extend appends a block holding a fresh coinbase followed by txs.
func (c *Chain) Extend(txs ...*wire.MsgTx) *wire.MsgBlock {
	height := c.Height() + 1
	all := append([]*wire.MsgTx{Coinbase(height, Subsidy)}, txs...)
	block := NewBlock(c.Tip().BlockHash(), c.Time(height), all...)
	c.Blocks = append(c.Blocks, block)
	return block
}

// Time is the timestamp used for the block at height.
func (c *Chain) Time(height int32) time.Time {
	return c.Start.Add(time.Duration(height) * time.Second).Truncate(time.Second)
}

// Coinbase returns the coinbase of the block at height.
func (c *Chain) Coinbase(height int32) *wire.MsgTx {
	return c.Blocks[height].Transactions[0]
}
