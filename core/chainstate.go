package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/p2p"
	"chainbridge/storage/blockfile"
)

// DiskPos locates a serialized block inside the block files.
type DiskPos = blockfile.Pos

// TxDiskPos locates a transaction: the block's position plus the offset of
// the transaction measured from the end of the 80-byte block header.
type TxDiskPos struct {
	DiskPos
	TxOffset uint32
}

// BlockHeaderSize is the serialized size of a block header.
const BlockHeaderSize = wire.MaxBlockHeaderPayload

// BlockIndex is an owned copy of the metadata of one indexed block.
type BlockIndex struct {
	Hash chainhash.Hash
	// PrevHash is nil for the genesis block.
	PrevHash  *chainhash.Hash
	Height    int32
	ChainWork *big.Int
	Timestamp time.Time
	Bits      uint32
	Version   int32
	Pos       DiskPos
	TxCount   uint32
}

func (b *BlockIndex) Copy() *BlockIndex {
	if b == nil {
		return nil
	}
	out := *b
	if b.PrevHash != nil {
		prev := *b.PrevHash
		out.PrevHash = &prev
	}
	if b.ChainWork != nil {
		out.ChainWork = new(big.Int).Set(b.ChainWork)
	}
	return &out
}

// ChainWorkHex formats the cumulative work as 64 hex digits.
func (b *BlockIndex) ChainWorkHex() string {
	if b.ChainWork == nil {
		return fmt.Sprintf("%064x", 0)
	}
	return fmt.Sprintf("%064x", b.ChainWork)
}

// MempoolTx is an owned copy of a mempool entry.
type MempoolTx struct {
	Hash chainhash.Hash
	Raw  []byte
	Time time.Time
	Fee  btcutil.Amount
	Size int
}

// Outcome is the result class of a mempool admission attempt.
type Outcome int

const (
	Accepted Outcome = iota
	Invalid
	MissingInputs
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Invalid:
		return "invalid"
	case MissingInputs:
		return "missing_inputs"
	default:
		return "unknown"
	}
}

// RejectHighFee is the reject code for fees above the absurd-fee threshold.
// It is outside the range of wire reject codes and never sent to peers.
const RejectHighFee = 0x100

// AcceptResult is returned by ChainState.AcceptToMempool.
type AcceptResult struct {
	Outcome Outcome
	Code    int
	Reason  string
}

// Err converts the result to the error reported to callers.
func (r AcceptResult) Err() error {
	switch r.Outcome {
	case Accepted:
		return nil
	case MissingInputs:
		return ErrMissingInputs
	default:
		return &RejectError{Code: r.Code, Reason: r.Reason}
	}
}

// ErrMissingInputs is reported when a transaction spends unknown outputs.
var ErrMissingInputs = errors.New("Missing inputs")

// RejectError carries a mempool rejection code and reason.
type RejectError struct {
	Code   int
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// CoinStats summarises the unspent output set.
type CoinStats struct {
	Height         int32
	BestBlock      chainhash.Hash
	Transactions   int64
	TxOuts         int64
	SerializedSize int64
	HashSerialized chainhash.Hash
	TotalAmount    btcutil.Amount
}

// Info is the general daemon status.
type Info struct {
	Version         int32
	ProtocolVersion uint32
	Blocks          int32
	TimeOffset      int64
	Connections     int
	Difficulty      float64
	Testnet         bool
	RelayFee        btcutil.Amount
	Errors          string
}

// ChainState gives access to the lock-guarded engine state. A ChainState is
// only valid inside the Guard callback it was handed to; every value it
// returns is a copy the caller owns.
type ChainState interface {
	// TipHeight is -1 when no block is active.
	TipHeight() int32
	Tip() *BlockIndex
	BlockIndexByHash(hash chainhash.Hash) *BlockIndex
	// BlockIndexByHeight resolves heights on the active chain only.
	BlockIndexByHeight(height int32) *BlockIndex
	ActiveChainContains(hash chainhash.Hash) bool
	// NextBlockIndex is the active-chain successor of hash, nil at the tip.
	NextBlockIndex(hash chainhash.Hash) *BlockIndex

	MempoolLookup(hash chainhash.Hash) (*MempoolTx, bool)
	MempoolEntries() []MempoolTx
	// HaveChainTx reports whether the active chain has unspent outputs of hash.
	HaveChainTx(hash chainhash.Hash) bool
	// CoinAvailable reports whether op is unspent taking the mempool into account.
	CoinAvailable(op wire.OutPoint) bool
	AcceptToMempool(tx *wire.MsgTx, allowAbsurdFee bool) AcceptResult
	// AddMempoolUnchecked inserts tx without running admission policy.
	AddMempoolUnchecked(tx *wire.MsgTx) error
	CoinStats() CoinStats
}

// BlockFile is an open block file positioned at a record payload.
type BlockFile = io.ReadSeekCloser

// ChainEngine is the daemon the bridge drives. Guard is the only way to reach
// ChainState. The other methods take whatever locks they need and must not be
// called from inside Guard.
type ChainEngine interface {
	Guard(fn func(ChainState))
	// TipHeight is safe to call from any goroutine without Guard.
	TipHeight() int32

	OpenBlockFile(pos DiskPos, readOnly bool) (BlockFile, error)
	// TxIndexLookup reports false when the index is disabled or lacks hash.
	TxIndexLookup(hash chainhash.Hash) (TxDiskPos, bool, error)
	Relay(tx *wire.MsgTx)
	// EstimateFeePerKB reports false when no estimate is available.
	EstimateFeePerKB(blocks int) (btcutil.Amount, bool)
	IsInitialDownload() bool
	VerificationProgress() float64
	Info() Info
	Params() *chaincfg.Params
	Pipeline() *p2p.Pipeline
	ProcessBlock(block *wire.MsgBlock) error

	Init() error
	Run(ctx context.Context) error
	RequestShutdown()
	Close() error
}

// WalletStatus is implemented by engines that carry a wallet. Readiness waits
// for it when present.
type WalletStatus interface {
	WalletReady() bool
}
