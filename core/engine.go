package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/config"
	"chainbridge/mempool"
	"chainbridge/observability"
	"chainbridge/p2p"
	"chainbridge/storage"
	"chainbridge/storage/blockfile"
)

const (
	// Version is reported by Info.
	Version int32 = 100000
	// DefaultMinRelayTxFee is the relay fee floor in satoshis per kB.
	DefaultMinRelayTxFee btcutil.Amount = 1000
	// maxTipAge is how far the tip may lag the clock before the engine
	// considers itself in initial download.
	maxTipAge = 24 * time.Hour
)

var ErrNotInitialized = errors.New("chain engine not initialized")

// Options configures the reference engine.
type Options struct {
	Params           *chaincfg.Params
	NetDir           string
	IndexBackend     string
	TxIndex          bool
	MaxBlockFileSize int64
	MinRelayTxFee    btcutil.Amount // zero selects DefaultMinRelayTxFee
	Logger           *slog.Logger
	Now              func() time.Time
}

// OptionsFromConfig derives engine options from a resolved configuration.
func OptionsFromConfig(res config.Resolved, logger *slog.Logger) (Options, error) {
	opts := Options{
		Params:           res.Params,
		NetDir:           res.NetDir,
		IndexBackend:     res.Config.IndexBackend,
		TxIndex:          res.Config.TxIndex,
		MaxBlockFileSize: res.Settings.MaxBlockFileSize,
		MinRelayTxFee:    DefaultMinRelayTxFee,
		Logger:           logger,
	}
	if res.Settings.MinRelayTxFee > 0 {
		fee, err := btcutil.NewAmount(res.Settings.MinRelayTxFee)
		if err != nil {
			return Options{}, fmt.Errorf("min relay fee: %w", err)
		}
		opts.MinRelayTxFee = fee
	}
	return opts, nil
}

// Engine is the reference ChainEngine: block files plus a key/value index on
// disk, the unspent output set and mempool in memory, and a message pipeline
// for peers. It checks block structure but not proof of work or scripts, and
// never reorganises.
type Engine struct {
	opts    Options
	params  *chaincfg.Params
	logger  *slog.Logger
	metrics *observability.EngineMetrics

	// mu is the state lock behind Guard. It is not reentrant.
	mu    sync.Mutex
	db    storage.Database
	store *blockfile.Store
	chain *Blockchain
	coins *coinView
	pool  *mempool.Pool

	pipeline *p2p.Pipeline
	ready    atomic.Bool
	height   atomic.Int32

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

var _ ChainEngine = (*Engine)(nil)

// NewEngine creates an engine. Nothing touches disk until Init.
func NewEngine(opts Options) *Engine {
	if opts.Params == nil {
		opts.Params = &chaincfg.MainNetParams
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MinRelayTxFee <= 0 {
		opts.MinRelayTxFee = DefaultMinRelayTxFee
	}
	e := &Engine{
		opts:     opts,
		params:   opts.Params,
		logger:   opts.Logger.With("component", "engine"),
		metrics:  observability.Engine(),
		coins:    newCoinView(),
		pool:     mempool.New(nil),
		shutdown: make(chan struct{}),
	}
	e.pipeline = p2p.NewPipeline(opts.Params.Net, &messageHandler{engine: e}, opts.Logger)
	e.height.Store(-1)
	return e
}

// TipHeight is the active tip height, or -1 before Init. It does not take the
// state lock.
func (e *Engine) TipHeight() int32 {
	return e.height.Load()
}

// Init opens the index and block files, stores the genesis block on first use
// and rebuilds the unspent output set from the active chain.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.opts.NetDir, 0o755); err != nil {
		return fmt.Errorf("create network directory: %w", err)
	}
	indexPath := filepath.Join(e.opts.NetDir, "index")
	if e.opts.IndexBackend == storage.BackendBolt {
		indexPath += ".bolt"
	}
	db, err := storage.Open(e.opts.IndexBackend, indexPath)
	if err != nil {
		return fmt.Errorf("open block index: %w", err)
	}
	store, err := blockfile.Open(filepath.Join(e.opts.NetDir, "blocks"), e.params.Net, e.opts.MaxBlockFileSize)
	if err != nil {
		_ = db.Close()
		return err
	}
	chain, err := NewBlockchain(db, store, e.opts.TxIndex)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("load block index: %w", err)
	}
	e.db, e.store, e.chain = db, store, chain

	if chain.Tip() == nil {
		if err := e.connectLocked(e.params.GenesisBlock); err != nil {
			return fmt.Errorf("store genesis block: %w", err)
		}
	} else if err := e.replayLocked(); err != nil {
		return err
	}
	e.height.Store(chain.Height())
	e.ready.Store(true)
	e.metrics.SetTip(chain.Height())
	e.logger.Info("chain engine initialized",
		"network", e.params.Name,
		"height", chain.Height(),
		"tip", chain.Tip().Hash.String(),
		"txindex", e.opts.TxIndex)
	return nil
}

func (e *Engine) replayLocked() error {
	for h := int32(1); h <= e.chain.Height(); h++ {
		idx := e.chain.ByHeight(h)
		block, err := e.chain.ReadBlock(idx)
		if err != nil {
			return fmt.Errorf("replay height %d: %w", h, err)
		}
		if err := e.coins.connect(block, h); err != nil {
			return fmt.Errorf("replay height %d: %w", h, err)
		}
	}
	return nil
}

// Run services peers until ctx is done or shutdown is requested.
func (e *Engine) Run(ctx context.Context) error {
	if !e.ready.Load() {
		return ErrNotInitialized
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	return e.pipeline.Run(ctx)
}

func (e *Engine) RequestShutdown() {
	e.shutdownOnce.Do(func() { close(e.shutdown) })
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready.Store(false)
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Guard runs fn with the state lock held.
func (e *Engine) Guard(fn func(ChainState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := &stateView{e: e}
	view.valid.Store(true)
	defer view.valid.Store(false)
	fn(view)
}

func (e *Engine) Params() *chaincfg.Params {
	return e.params
}

func (e *Engine) Pipeline() *p2p.Pipeline {
	return e.pipeline
}

// OpenBlockFile opens the block file at pos, positioned at the payload.
func (e *Engine) OpenBlockFile(pos DiskPos, readOnly bool) (BlockFile, error) {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()
	if store == nil {
		return nil, ErrNotInitialized
	}
	return store.OpenAt(pos, readOnly)
}

func (e *Engine) TxIndexLookup(hash chainhash.Hash) (TxDiskPos, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chain == nil {
		return TxDiskPos{}, false, ErrNotInitialized
	}
	return e.chain.LookupTx(hash)
}

// Relay announces tx to every peer.
func (e *Engine) Relay(tx *wire.MsgTx) {
	inv := wire.NewMsgInv()
	hash := tx.TxHash()
	_ = inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash))
	var buf bytes.Buffer
	if err := inv.BtcEncode(&buf, wire.ProtocolVersion, wire.BaseEncoding); err != nil {
		e.logger.Warn("encode inv failed", "tx", hash.String(), "error", err)
		return
	}
	n := e.pipeline.Broadcast(p2p.CmdInv, buf.Bytes())
	e.logger.Debug("relayed transaction", "tx", hash.String(), "peers", n)
}

func (e *Engine) EstimateFeePerKB(blocks int) (btcutil.Amount, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Estimator().EstimateFeePerKB(blocks)
}

func (e *Engine) IsInitialDownload() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialDownloadLocked()
}

func (e *Engine) initialDownloadLocked() bool {
	if e.chain == nil || e.chain.Tip() == nil {
		return true
	}
	return e.chain.Tip().Timestamp.Before(e.opts.Now().Add(-maxTipAge))
}

// VerificationProgress estimates sync progress from the tip timestamp. It is
// 1 once the engine has left initial download.
func (e *Engine) VerificationProgress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialDownloadLocked() {
		return 1
	}
	if e.chain == nil || e.chain.Tip() == nil {
		return 0
	}
	start := e.params.GenesisBlock.Header.Timestamp
	span := e.opts.Now().Sub(start)
	if span <= 0 {
		return 1
	}
	done := e.chain.Tip().Timestamp.Sub(start)
	progress := float64(done) / float64(span)
	switch {
	case progress < 0:
		return 0
	case progress > 1:
		return 1
	}
	return progress
}

func (e *Engine) Info() Info {
	info := Info{
		Version:         Version,
		ProtocolVersion: wire.ProtocolVersion,
		Blocks:          -1,
		Connections:     e.pipeline.PeerCount(),
		Testnet:         e.params.Net != wire.MainNet,
		RelayFee:        e.opts.MinRelayTxFee,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chain != nil {
		if tip := e.chain.Tip(); tip != nil {
			info.Blocks = tip.Height
			info.Difficulty = difficulty(tip.Bits, e.params.PowLimit)
		}
	}
	return info
}

// difficulty is the ratio of the proof-of-work limit to the target of bits.
func difficulty(bits uint32, powLimit *big.Int) float64 {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 || powLimit == nil {
		return 0
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(powLimit), new(big.Float).SetInt(target))
	out, _ := ratio.Float64()
	return out
}

// ProcessBlock stores block and activates it when it extends the tip.
// Blocks on side branches are indexed but never activated.
func (e *Engine) ProcessBlock(block *wire.MsgBlock) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chain == nil {
		return ErrNotInitialized
	}
	return e.connectLocked(block)
}

func (e *Engine) connectLocked(block *wire.MsgBlock) error {
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return err
	}
	idx, err := e.chain.AddBlock(block, buf.Bytes())
	if err != nil {
		e.metrics.RecordBlock("rejected", 0)
		return err
	}
	e.metrics.RecordBlock("stored", buf.Len())

	tip := e.chain.Tip()
	if tip != nil && (idx.PrevHash == nil || *idx.PrevHash != tip.Hash) {
		e.logger.Info("indexed side-branch block", "hash", idx.Hash.String(), "height", idx.Height)
		return nil
	}
	if idx.Height > 0 {
		if err := e.coins.check(block); err != nil {
			e.logger.Warn("block not activated", "hash", idx.Hash.String(), "error", err)
			return err
		}
	}
	if err := e.chain.Activate(idx, block); err != nil {
		return err
	}
	if idx.Height > 0 {
		e.coins.apply(block, idx.Height)
	}
	txs := make([]*btcutil.Tx, len(block.Transactions))
	for i, tx := range block.Transactions {
		txs[i] = btcutil.NewTx(tx)
	}
	e.pool.ConnectBlock(txs, idx.Height)
	e.height.Store(idx.Height)
	e.metrics.SetTip(idx.Height)
	e.metrics.SetMempoolSize(e.pool.Len())
	e.logger.Debug("connected block", "hash", idx.Hash.String(), "height", idx.Height, "txs", len(txs))
	return nil
}

// WalletReady reports true: the reference engine carries no wallet but
// readiness checks still exercise the hook.
func (e *Engine) WalletReady() bool {
	return e.ready.Load()
}
