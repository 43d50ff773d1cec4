// Package reader serves raw blocks and transactions straight from the block
// files, without decoding and re-encoding whole blocks.
package reader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/bridge"
	"chainbridge/core"
	"chainbridge/lifecycle"
)

// MsgBlockNotFound is the failure reported for unknown blocks.
const MsgBlockNotFound = "Block not found."

// EngineSource yields the running chain engine.
type EngineSource interface {
	Engine() (core.ChainEngine, bool)
}

// TxWithBlockInfo is a transaction with the block containing it. BlockHash
// is nil and Height -1 for mempool transactions; Height is also -1 when the
// block is not indexed.
type TxWithBlockInfo struct {
	BlockHash *chainhash.Hash
	Height    int32
	Timestamp int64
	Raw       []byte
}

type Reader struct {
	bridge *bridge.Bridge
	source EngineSource
}

func New(b *bridge.Bridge, source EngineSource) *Reader {
	return &Reader{bridge: b, source: source}
}

func (r *Reader) engine() (core.ChainEngine, error) {
	engine, ok := r.source.Engine()
	if !ok {
		return nil, lifecycle.ErrNotStarted
	}
	return engine, nil
}

// GetBlock delivers the serialized block chosen by sel.
func (r *Reader) GetBlock(sel Selector, done bridge.Callback[[]byte]) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	engine, err := r.engine()
	if err != nil {
		return err
	}
	return bridge.Submit(r.bridge, "getBlock", func(req *bridge.Request[[]byte]) {
		var idx *core.BlockIndex
		engine.Guard(func(state core.ChainState) {
			idx = sel.Resolve(state)
		})
		if idx == nil {
			req.Fail(MsgBlockNotFound)
			return
		}
		raw, err := ReadBlock(engine, idx.Pos)
		if err != nil {
			req.FailErr(err)
			return
		}
		req.Resolve(raw)
	}, done)
}

// ReadBlock reads the record at pos. The payload length is taken from the four
// bytes in front of it.
func ReadBlock(engine core.ChainEngine, pos core.DiskPos) ([]byte, error) {
	f, err := engine.OpenBlockFile(pos, true)
	if err != nil {
		return nil, fmt.Errorf("open block file %s: %w", pos, err)
	}
	defer f.Close()
	if _, err := f.Seek(-4, io.SeekCurrent); err != nil {
		return nil, fmt.Errorf("seek block size %s: %w", pos, err)
	}
	var size uint32
	if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("read block size %s: %w", pos, err)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("read block %s: %w", pos, err)
	}
	return raw, nil
}

// GetTransaction delivers the serialized transaction, or nil when it is
// unknown. The mempool is consulted first when queryMempool is set.
func (r *Reader) GetTransaction(txid chainhash.Hash, queryMempool bool, done bridge.Callback[[]byte]) error {
	engine, err := r.engine()
	if err != nil {
		return err
	}
	return bridge.Submit(r.bridge, "getTransaction", func(req *bridge.Request[[]byte]) {
		if queryMempool {
			if entry, ok := mempoolLookup(engine, txid); ok {
				req.Resolve(entry.Raw)
				return
			}
		}
		found, err := readIndexedTx(engine, txid)
		if err != nil {
			req.FailErr(err)
			return
		}
		if found == nil {
			req.Resolve(nil)
			return
		}
		req.Resolve(found.raw)
	}, done)
}

// GetTransactionWithBlockInfo is GetTransaction plus the containing block's
// hash, height and timestamp.
func (r *Reader) GetTransactionWithBlockInfo(txid chainhash.Hash, queryMempool bool, done bridge.Callback[*TxWithBlockInfo]) error {
	engine, err := r.engine()
	if err != nil {
		return err
	}
	return bridge.Submit(r.bridge, "getTransactionWithBlockInfo", func(req *bridge.Request[*TxWithBlockInfo]) {
		if queryMempool {
			if entry, ok := mempoolLookup(engine, txid); ok {
				req.Resolve(&TxWithBlockInfo{Height: -1, Timestamp: entry.Time.Unix(), Raw: entry.Raw})
				return
			}
		}
		found, err := readIndexedTx(engine, txid)
		if err != nil {
			req.FailErr(err)
			return
		}
		if found == nil {
			req.Resolve(nil)
			return
		}
		blockHash := found.header.BlockHash()
		height := int32(-1)
		engine.Guard(func(state core.ChainState) {
			if idx := state.BlockIndexByHash(blockHash); idx != nil {
				height = idx.Height
			}
		})
		req.Resolve(&TxWithBlockInfo{
			BlockHash: &blockHash,
			Height:    height,
			Timestamp: found.header.Timestamp.Unix(),
			Raw:       found.raw,
		})
	}, done)
}

func mempoolLookup(engine core.ChainEngine, txid chainhash.Hash) (*core.MempoolTx, bool) {
	var (
		entry *core.MempoolTx
		ok    bool
	)
	engine.Guard(func(state core.ChainState) {
		entry, ok = state.MempoolLookup(txid)
	})
	return entry, ok
}

type indexedTx struct {
	header wire.BlockHeader
	raw    []byte
}

// readIndexedTx finds txid through the transaction index. It returns nil when
// the index is disabled or does not know txid.
func readIndexedTx(engine core.ChainEngine, txid chainhash.Hash) (*indexedTx, error) {
	pos, ok, err := engine.TxIndexLookup(txid)
	if err != nil {
		return nil, fmt.Errorf("transaction index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	f, err := engine.OpenBlockFile(pos.DiskPos, true)
	if err != nil {
		return nil, fmt.Errorf("open block file %s: %w", pos.DiskPos, err)
	}
	defer f.Close()

	var out indexedTx
	if err := out.header.Deserialize(f); err != nil {
		return nil, fmt.Errorf("read block header %s: %w", pos.DiskPos, err)
	}
	if _, err := f.Seek(int64(pos.TxOffset), io.SeekCurrent); err != nil {
		return nil, fmt.Errorf("seek transaction %s: %w", txid, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(f); err != nil {
		return nil, fmt.Errorf("deserialize transaction %s: %w", txid, err)
	}
	if tx.TxHash() != txid {
		return nil, fmt.Errorf("transaction index points %s at %s", txid, tx.TxHash())
	}
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	out.raw = buf.Bytes()
	return &out, nil
}
