// Package daemon is the host-facing surface of the bridge. Asynchronous calls
// take a callback that runs on the host loop; synchronous queries take the
// engine lock directly and return owned values.
package daemon

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/bridge"
	"chainbridge/config"
	"chainbridge/core"
	"chainbridge/lifecycle"
	"chainbridge/reader"
	"chainbridge/txmon"
)

var (
	// ErrUsage marks errors caused by bad arguments or calls made in the
	// wrong lifecycle state. They are returned before any work is queued.
	ErrUsage = errors.New("usage error")

	ErrTxDecode         = errors.New("TX decode failed")
	ErrAlreadyInChain   = errors.New("transaction already in block chain")
	ErrAlreadyInMempool = errors.New("transaction already in mempool")
)

func usage(err error) error {
	return fmt.Errorf("%w: %w", ErrUsage, err)
}

// classify marks usage errors from the packages underneath.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUsage):
		return err
	case errors.Is(err, lifecycle.ErrNotStarted),
		errors.Is(err, lifecycle.ErrAlreadyStarted),
		errors.Is(err, reader.ErrBadSelector):
		return usage(err)
	default:
		return err
	}
}

// Daemon ties the lifecycle controller, readers and tx monitor together.
type Daemon struct {
	bridge *bridge.Bridge
	ctrl   *lifecycle.Controller
	reader *reader.Reader
	logger *slog.Logger

	mu      sync.Mutex
	monitor *txmon.Monitor
}

// New creates a daemon submitting work through b.
func New(b *bridge.Bridge, logger *slog.Logger, opts ...lifecycle.Option) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]lifecycle.Option{lifecycle.WithLogger(logger)}, opts...)
	ctrl := lifecycle.New(b, opts...)
	return &Daemon{
		bridge: b,
		ctrl:   ctrl,
		reader: reader.New(b, ctrl),
		logger: logger.With("component", "daemon"),
	}
}

func (d *Daemon) Controller() *lifecycle.Controller {
	return d.ctrl
}

func (d *Daemon) Bridge() *bridge.Bridge {
	return d.bridge
}

func (d *Daemon) engine() (core.ChainEngine, error) {
	engine, ok := d.ctrl.Engine()
	if !ok {
		return nil, usage(lifecycle.ErrNotStarted)
	}
	return engine, nil
}

func parseHash(kind, s string) (chainhash.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return chainhash.Hash{}, usage(fmt.Errorf("%s is required", kind))
	}
	if len(s) != chainhash.MaxHashStringSize {
		return chainhash.Hash{}, usage(fmt.Errorf("invalid %s %q", kind, s))
	}
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, usage(fmt.Errorf("invalid %s %q: %v", kind, s, err))
	}
	return *hash, nil
}

func decodeTx(hexTx string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexTx))
	if err != nil || len(raw) == 0 {
		return nil, usage(ErrTxDecode)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, usage(ErrTxDecode)
	}
	return &tx, nil
}

// Start launches the daemon with cfg; done receives "started".
func (d *Daemon) Start(cfg config.Config, done bridge.Callback[string]) error {
	return classify(d.ctrl.Start(cfg, done))
}

// Stop shuts the daemon down; done receives "stopped".
func (d *Daemon) Stop(done bridge.Callback[string]) error {
	return classify(d.ctrl.Stop(done))
}

// OnTipUpdate completes once with the next tip, or nil after shutdown.
func (d *Daemon) OnTipUpdate(done bridge.Callback[*lifecycle.Tip]) error {
	return classify(d.ctrl.WaitForTipChange(done))
}

// OnReady completes once the daemon is ready.
func (d *Daemon) OnReady(done bridge.Callback[string]) error {
	return classify(d.ctrl.WaitUntilReady(done))
}

func (d *Daemon) GetBlock(sel reader.Selector, done bridge.Callback[[]byte]) error {
	return classify(d.reader.GetBlock(sel, done))
}

func (d *Daemon) GetTransaction(txid string, queryMempool bool, done bridge.Callback[[]byte]) error {
	hash, err := parseHash("txid", txid)
	if err != nil {
		return err
	}
	return classify(d.reader.GetTransaction(hash, queryMempool, done))
}

func (d *Daemon) GetTransactionWithBlockInfo(txid string, queryMempool bool, done bridge.Callback[*reader.TxWithBlockInfo]) error {
	hash, err := parseHash("txid", txid)
	if err != nil {
		return err
	}
	return classify(d.reader.GetTransactionWithBlockInfo(hash, queryMempool, done))
}

// StartTxMonitor reports relayed transactions to listener on the host loop.
// Calling it again replaces the listener.
func (d *Daemon) StartTxMonitor(listener txmon.Listener) error {
	engine, err := d.engine()
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.monitor == nil {
		d.monitor = txmon.New(engine, d.bridge.Loop(), d.logger)
	}
	monitor := d.monitor
	d.mu.Unlock()
	monitor.Start(listener)
	return nil
}

func (d *Daemon) txMonitor() *txmon.Monitor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitor
}
