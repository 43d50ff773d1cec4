package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/storage"
	"chainbridge/storage/blockfile"
)

var (
	ErrDuplicateBlock = errors.New("block already known")
	ErrOrphanBlock    = errors.New("previous block unknown")
	ErrBadMerkleRoot  = errors.New("merkle root mismatch")
	ErrNoCoinbase     = errors.New("first transaction is not a coinbase")
)

var (
	blockKeyPrefix = []byte("b")
	txKeyPrefix    = []byte("t")
	tipKey         = []byte("tip")
)

// indexRecordSize is header + height + file + offset + tx count.
const indexRecordSize = BlockHeaderSize + 16

// Blockchain manages the block index, the active chain and the block files.
// It is not safe for concurrent use; the engine serialises access.
type Blockchain struct {
	db      storage.Database
	store   *blockfile.Store
	txIndex bool

	index  map[chainhash.Hash]*BlockIndex
	active []*BlockIndex
}

// NewBlockchain loads the block index from db and rebuilds the active chain
// by walking back from the stored tip.
func NewBlockchain(db storage.Database, store *blockfile.Store, txIndex bool) (*Blockchain, error) {
	bc := &Blockchain{
		db:      db,
		store:   store,
		txIndex: txIndex,
		index:   make(map[chainhash.Hash]*BlockIndex),
	}

	var loaded []*BlockIndex
	err := db.Iterate(blockKeyPrefix, func(key, value []byte) error {
		idx, err := decodeIndexRecord(value)
		if err != nil {
			return fmt.Errorf("block index %x: %w", key[1:], err)
		}
		loaded = append(loaded, idx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Height < loaded[j].Height })
	for _, idx := range loaded {
		work := blockchain.CalcWork(idx.Bits)
		if idx.PrevHash != nil {
			prev, ok := bc.index[*idx.PrevHash]
			if !ok {
				return nil, fmt.Errorf("block %s: %w", idx.Hash, ErrOrphanBlock)
			}
			work.Add(work, prev.ChainWork)
		}
		idx.ChainWork = work
		bc.index[idx.Hash] = idx
	}

	tipBytes, err := db.Get(tipKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return bc, nil
	case err != nil:
		return nil, err
	}
	tipHash, err := chainhash.NewHash(tipBytes)
	if err != nil {
		return nil, err
	}
	tip, ok := bc.index[*tipHash]
	if !ok {
		return nil, fmt.Errorf("tip %s missing from block index", tipHash)
	}
	bc.active = make([]*BlockIndex, tip.Height+1)
	for cur := tip; cur != nil; {
		bc.active[cur.Height] = cur
		if cur.PrevHash == nil {
			break
		}
		cur = bc.index[*cur.PrevHash]
	}
	return bc, nil
}

func (bc *Blockchain) Tip() *BlockIndex {
	if len(bc.active) == 0 {
		return nil
	}
	return bc.active[len(bc.active)-1]
}

func (bc *Blockchain) Height() int32 {
	return int32(len(bc.active)) - 1
}

func (bc *Blockchain) ByHash(hash chainhash.Hash) *BlockIndex {
	return bc.index[hash]
}

func (bc *Blockchain) ByHeight(height int32) *BlockIndex {
	if height < 0 || int(height) >= len(bc.active) {
		return nil
	}
	return bc.active[height]
}

func (bc *Blockchain) Contains(idx *BlockIndex) bool {
	if idx == nil {
		return false
	}
	return bc.ByHeight(idx.Height) == idx
}

func (bc *Blockchain) Next(idx *BlockIndex) *BlockIndex {
	if !bc.Contains(idx) {
		return nil
	}
	return bc.ByHeight(idx.Height + 1)
}

// AddBlock checks the block's structure, appends it to the block files and
// indexes it. It does not activate the block.
func (bc *Blockchain) AddBlock(block *wire.MsgBlock, raw []byte) (*BlockIndex, error) {
	hash := block.BlockHash()
	if _, ok := bc.index[hash]; ok {
		return nil, ErrDuplicateBlock
	}

	var prev *BlockIndex
	genesis := len(bc.index) == 0
	if !genesis {
		var ok bool
		prev, ok = bc.index[block.Header.PrevBlock]
		if !ok {
			return nil, ErrOrphanBlock
		}
	}
	if err := checkBlockStructure(block); err != nil {
		return nil, err
	}

	pos, err := bc.store.Append(raw)
	if err != nil {
		return nil, err
	}
	idx := &BlockIndex{
		Hash:      hash,
		ChainWork: blockchain.CalcWork(block.Header.Bits),
		Timestamp: block.Header.Timestamp,
		Bits:      block.Header.Bits,
		Version:   block.Header.Version,
		Pos:       pos,
		TxCount:   uint32(len(block.Transactions)),
	}
	if prev != nil {
		prevHash := prev.Hash
		idx.PrevHash = &prevHash
		idx.Height = prev.Height + 1
		idx.ChainWork.Add(idx.ChainWork, prev.ChainWork)
	}
	if err := bc.db.Put(blockKey(hash), encodeIndexRecord(idx, &block.Header)); err != nil {
		return nil, err
	}
	bc.index[hash] = idx
	return idx, nil
}

// Activate appends idx to the active chain and writes the transaction index
// entries for block.
func (bc *Blockchain) Activate(idx *BlockIndex, block *wire.MsgBlock) error {
	if idx.Height != bc.Height()+1 {
		return fmt.Errorf("block %s at height %d does not extend tip %d", idx.Hash, idx.Height, bc.Height())
	}
	if bc.txIndex && idx.PrevHash != nil {
		locs, err := btcutil.NewBlock(block).TxLoc()
		if err != nil {
			return err
		}
		for i, tx := range block.Transactions {
			entry := TxDiskPos{DiskPos: idx.Pos, TxOffset: uint32(locs[i].TxStart - BlockHeaderSize)}
			txid := tx.TxHash()
			if err := bc.db.Put(txKey(txid), encodeTxPos(entry)); err != nil {
				bc.unindex(block.Transactions[:i])
				return err
			}
		}
	}
	if err := bc.db.Put(tipKey, idx.Hash[:]); err != nil {
		if bc.txIndex && idx.PrevHash != nil {
			bc.unindex(block.Transactions)
		}
		return err
	}
	bc.active = append(bc.active, idx)
	return nil
}

// unindex drops tx index entries written by a failed activation.
func (bc *Blockchain) unindex(txs []*wire.MsgTx) {
	for _, tx := range txs {
		_ = bc.db.Delete(txKey(tx.TxHash()))
	}
}

// LookupTx reads the transaction index.
func (bc *Blockchain) LookupTx(hash chainhash.Hash) (TxDiskPos, bool, error) {
	if !bc.txIndex {
		return TxDiskPos{}, false, nil
	}
	value, err := bc.db.Get(txKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return TxDiskPos{}, false, nil
	}
	if err != nil {
		return TxDiskPos{}, false, err
	}
	pos, err := decodeTxPos(value)
	if err != nil {
		return TxDiskPos{}, false, err
	}
	return pos, true, nil
}

// ReadBlock loads and decodes the block stored for idx.
func (bc *Blockchain) ReadBlock(idx *BlockIndex) (*wire.MsgBlock, error) {
	raw, err := bc.store.ReadRecord(idx.Pos)
	if err != nil {
		return nil, err
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", idx.Hash, err)
	}
	return &block, nil
}

func checkBlockStructure(block *wire.MsgBlock) error {
	if len(block.Transactions) == 0 || !blockchain.IsCoinBaseTx(block.Transactions[0]) {
		return ErrNoCoinbase
	}
	txs := make([]*btcutil.Tx, len(block.Transactions))
	for i, tx := range block.Transactions {
		txs[i] = btcutil.NewTx(tx)
	}
	if root := blockchain.CalcMerkleRoot(txs, false); root != block.Header.MerkleRoot {
		return ErrBadMerkleRoot
	}
	return nil
}

func blockKey(hash chainhash.Hash) []byte {
	return append(append([]byte(nil), blockKeyPrefix...), hash[:]...)
}

func txKey(hash chainhash.Hash) []byte {
	return append(append([]byte(nil), txKeyPrefix...), hash[:]...)
}

func encodeIndexRecord(idx *BlockIndex, header *wire.BlockHeader) []byte {
	var buf bytes.Buffer
	buf.Grow(indexRecordSize)
	_ = header.Serialize(&buf)
	var tail [16]byte
	binary.LittleEndian.PutUint32(tail[0:4], uint32(idx.Height))
	binary.LittleEndian.PutUint32(tail[4:8], idx.Pos.File)
	binary.LittleEndian.PutUint32(tail[8:12], idx.Pos.Offset)
	binary.LittleEndian.PutUint32(tail[12:16], idx.TxCount)
	buf.Write(tail[:])
	return buf.Bytes()
}

func decodeIndexRecord(value []byte) (*BlockIndex, error) {
	if len(value) != indexRecordSize {
		return nil, fmt.Errorf("index record has %d bytes, want %d", len(value), indexRecordSize)
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(value[:BlockHeaderSize])); err != nil {
		return nil, err
	}
	tail := value[BlockHeaderSize:]
	idx := &BlockIndex{
		Hash:      header.BlockHash(),
		Height:    int32(binary.LittleEndian.Uint32(tail[0:4])),
		Timestamp: header.Timestamp,
		Bits:      header.Bits,
		Version:   header.Version,
		Pos: DiskPos{
			File:   binary.LittleEndian.Uint32(tail[4:8]),
			Offset: binary.LittleEndian.Uint32(tail[8:12]),
		},
		TxCount: binary.LittleEndian.Uint32(tail[12:16]),
	}
	if idx.Height > 0 {
		prev := header.PrevBlock
		idx.PrevHash = &prev
	}
	return idx, nil
}

func encodeTxPos(pos TxDiskPos) []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint32(out[0:4], pos.File)
	binary.LittleEndian.PutUint32(out[4:8], pos.Offset)
	binary.LittleEndian.PutUint32(out[8:12], pos.TxOffset)
	return out
}

func decodeTxPos(value []byte) (TxDiskPos, error) {
	if len(value) != 12 {
		return TxDiskPos{}, fmt.Errorf("tx index record has %d bytes", len(value))
	}
	return TxDiskPos{
		DiskPos: DiskPos{
			File:   binary.LittleEndian.Uint32(value[0:4]),
			Offset: binary.LittleEndian.Uint32(value[4:8]),
		},
		TxOffset: binary.LittleEndian.Uint32(value[8:12]),
	}, nil
}
