package daemon

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/core"
	"chainbridge/reader"
	"chainbridge/txmon"
)

// SendTransaction validates the hex encoded transaction, adds it to the
// mempool and relays it. It returns the transaction hash.
func (d *Daemon) SendTransaction(hexTx string, allowAbsurdFees bool) (string, error) {
	engine, err := d.engine()
	if err != nil {
		return "", err
	}
	tx, err := decodeTx(hexTx)
	if err != nil {
		return "", err
	}
	allowAbsurdFees = allowAbsurdFees || d.ctrl.Resolved().Settings.AllowHighFees
	hash := tx.TxHash()

	var (
		result  core.AcceptResult
		raw     []byte
		checked error
	)
	engine.Guard(func(state core.ChainState) {
		if _, ok := state.MempoolLookup(hash); ok {
			checked = ErrAlreadyInMempool
			return
		}
		if state.HaveChainTx(hash) {
			checked = ErrAlreadyInChain
			return
		}
		result = state.AcceptToMempool(tx, allowAbsurdFees)
		if entry, ok := state.MempoolLookup(hash); ok {
			raw = entry.Raw
		}
	})
	if checked != nil {
		return "", checked
	}
	if err := result.Err(); err != nil {
		d.logger.Debug("transaction rejected", "tx", hash.String(), "error", err)
		return "", err
	}
	engine.Relay(tx)
	if monitor := d.txMonitor(); monitor != nil {
		monitor.Notify([]txmon.Event{{Raw: raw, Hash: hash, InMempool: true}})
	}
	return hash.String(), nil
}

// AddMempoolUncheckedTransaction inserts a transaction without policy checks.
func (d *Daemon) AddMempoolUncheckedTransaction(hexTx string) error {
	engine, err := d.engine()
	if err != nil {
		return err
	}
	tx, err := decodeTx(hexTx)
	if err != nil {
		return err
	}
	engine.Guard(func(state core.ChainState) {
		err = state.AddMempoolUnchecked(tx)
	})
	return err
}

// GetMempoolTransactions returns every mempool transaction, oldest first.
func (d *Daemon) GetMempoolTransactions() ([][]byte, error) {
	engine, err := d.engine()
	if err != nil {
		return nil, err
	}
	var out [][]byte
	engine.Guard(func(state core.ChainState) {
		for _, entry := range state.MempoolEntries() {
			out = append(out, entry.Raw)
		}
	})
	return out, nil
}

// IsSpent reports whether output index of txid is unavailable, counting
// mempool spends. Unknown outputs count as spent.
func (d *Daemon) IsSpent(txid string, index uint32) (bool, error) {
	engine, err := d.engine()
	if err != nil {
		return false, err
	}
	hash, err := parseHash("txid", txid)
	if err != nil {
		return false, err
	}
	var available bool
	engine.Guard(func(state core.ChainState) {
		available = state.CoinAvailable(wire.OutPoint{Hash: hash, Index: index})
	})
	return !available, nil
}

// BlockIndexInfo is the summary returned by GetBlockIndex.
type BlockIndexInfo struct {
	Hash chainhash.Hash
	// PrevHash is nil for the genesis block.
	PrevHash  *chainhash.Hash
	ChainWork string
	Height    int32
}

// GetBlockIndex returns nil when the block is unknown.
func (d *Daemon) GetBlockIndex(sel reader.Selector) (*BlockIndexInfo, error) {
	if err := sel.Validate(); err != nil {
		return nil, classify(err)
	}
	engine, err := d.engine()
	if err != nil {
		return nil, err
	}
	var idx *core.BlockIndex
	engine.Guard(func(state core.ChainState) {
		idx = sel.Resolve(state)
	})
	if idx == nil {
		return nil, nil
	}
	return &BlockIndexInfo{
		Hash:      idx.Hash,
		PrevHash:  idx.PrevHash,
		ChainWork: idx.ChainWorkHex(),
		Height:    idx.Height,
	}, nil
}

// IsMainChain reports whether hash is on the active chain. known is false
// when the block is not indexed at all.
func (d *Daemon) IsMainChain(hash string) (main, known bool, err error) {
	engine, err := d.engine()
	if err != nil {
		return false, false, err
	}
	h, err := parseHash("block hash", hash)
	if err != nil {
		return false, false, err
	}
	engine.Guard(func(state core.ChainState) {
		if state.BlockIndexByHash(h) == nil {
			return
		}
		known = true
		main = state.ActiveChainContains(h)
	})
	return main, known, nil
}

func (d *Daemon) GetInfo() (core.Info, error) {
	engine, err := d.engine()
	if err != nil {
		return core.Info{}, err
	}
	return engine.Info(), nil
}

// SyncPercentage is the verification progress scaled to 0..100.
func (d *Daemon) SyncPercentage() (float64, error) {
	engine, err := d.engine()
	if err != nil {
		return 0, err
	}
	return engine.VerificationProgress() * 100, nil
}

func (d *Daemon) IsSynced() (bool, error) {
	engine, err := d.engine()
	if err != nil {
		return false, err
	}
	return !engine.IsInitialDownload(), nil
}

// EstimateFee returns the fee rate in satoshis per kB for confirmation within
// blocks, or -1 when no estimate is available. blocks below 1 count as 1.
func (d *Daemon) EstimateFee(blocks int) (btcutil.Amount, error) {
	engine, err := d.engine()
	if err != nil {
		return 0, err
	}
	if blocks < 1 {
		blocks = 1
	}
	fee, ok := engine.EstimateFeePerKB(blocks)
	if !ok || fee <= 0 {
		return -1, nil
	}
	return fee, nil
}

func (d *Daemon) GetTxOutSetInfo() (core.CoinStats, error) {
	engine, err := d.engine()
	if err != nil {
		return core.CoinStats{}, err
	}
	var stats core.CoinStats
	engine.Guard(func(state core.ChainState) {
		stats = state.CoinStats()
	})
	return stats, nil
}

// GetBestBlockHash returns nil before the engine has a tip.
func (d *Daemon) GetBestBlockHash() (*chainhash.Hash, error) {
	engine, err := d.engine()
	if err != nil {
		return nil, err
	}
	var tip *core.BlockIndex
	engine.Guard(func(state core.ChainState) {
		tip = state.Tip()
	})
	if tip == nil {
		return nil, nil
	}
	return &tip.Hash, nil
}

// GetNextBlockHash returns the active-chain successor of hash, or nil at the
// tip and for blocks off the active chain.
func (d *Daemon) GetNextBlockHash(hash string) (*chainhash.Hash, error) {
	engine, err := d.engine()
	if err != nil {
		return nil, err
	}
	h, err := parseHash("block hash", hash)
	if err != nil {
		return nil, err
	}
	var next *core.BlockIndex
	engine.Guard(func(state core.ChainState) {
		next = state.NextBlockIndex(h)
	})
	if next == nil {
		return nil, nil
	}
	return &next.Hash, nil
}
