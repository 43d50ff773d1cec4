package core

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"chainbridge/internal/chaintest"
)

func fundedEngine(t *testing.T) (*Engine, *chaintest.Chain) {
	t.Helper()
	engine := newTestEngine(t, t.TempDir(), true)
	chain := chaintest.NewChain(time.Now())
	extend(t, engine, chain)
	extend(t, engine, chain)
	return engine, chain
}

func accept(engine *Engine, tx *wire.MsgTx, allowAbsurd bool) AcceptResult {
	var result AcceptResult
	engine.Guard(func(state ChainState) { result = state.AcceptToMempool(tx, allowAbsurd) })
	return result
}

func TestAcceptToMempoolOutcomes(t *testing.T) {
	engine, chain := fundedEngine(t)
	funding := chaintest.Out(chain.Coinbase(1), 0)

	missing := chaintest.Spend([]wire.OutPoint{{Hash: chainhash.Hash{9}}}, 1000)
	require.Equal(t, MissingInputs, accept(engine, missing, false).Outcome)
	require.ErrorIs(t, accept(engine, missing, false).Err(), ErrMissingInputs)

	coinbase := chaintest.Coinbase(50, 1)
	res := accept(engine, coinbase, false)
	require.Equal(t, Invalid, res.Outcome)
	require.Equal(t, "coinbase", res.Reason)

	overspend := chaintest.Spend([]wire.OutPoint{funding}, chaintest.Subsidy+1)
	res = accept(engine, overspend, false)
	require.Equal(t, "bad-txns-in-belowout", res.Reason)

	noFee := chaintest.Spend([]wire.OutPoint{funding}, chaintest.Subsidy)
	res = accept(engine, noFee, false)
	require.Equal(t, int(wire.RejectInsufficientFee), res.Code)

	absurd := chaintest.Spend([]wire.OutPoint{funding}, 1000)
	res = accept(engine, absurd, false)
	require.Equal(t, RejectHighFee, res.Code)
	require.Equal(t, "256: absurdly-high-fee", res.Err().Error())

	ok := chaintest.Spend([]wire.OutPoint{funding}, chaintest.Subsidy-10_000)
	require.Equal(t, Accepted, accept(engine, ok, false).Outcome)
	require.Equal(t, "txn-mempool-conflict", accept(engine, absurd, true).Reason)

	other := chaintest.Out(chain.Coinbase(2), 0)
	require.NoError(t, accept(engine, chaintest.Spend([]wire.OutPoint{other}, 1000), true).Err())
}

func TestAcceptToMempoolConflictsAndDuplicates(t *testing.T) {
	engine, chain := fundedEngine(t)
	funding := chaintest.Out(chain.Coinbase(1), 0)

	tx := chaintest.Spend([]wire.OutPoint{funding}, chaintest.Subsidy-10_000)
	require.Equal(t, Accepted, accept(engine, tx, false).Outcome)

	res := accept(engine, tx, false)
	var rejectErr *RejectError
	require.True(t, errors.As(res.Err(), &rejectErr))
	require.Equal(t, int(wire.RejectDuplicate), rejectErr.Code)
	require.Equal(t, "txn-already-in-mempool", rejectErr.Reason)

	rival := chaintest.Spend([]wire.OutPoint{funding}, chaintest.Subsidy-20_000)
	res = accept(engine, rival, false)
	require.Equal(t, "txn-mempool-conflict", res.Reason)
	require.Equal(t, "18: txn-mempool-conflict", res.Err().Error())

	child := chaintest.Spend([]wire.OutPoint{chaintest.Out(tx, 0)}, chaintest.Subsidy-30_000)
	require.Equal(t, Accepted, accept(engine, child, false).Outcome)

	engine.Guard(func(state ChainState) {
		require.False(t, state.CoinAvailable(funding))
		require.False(t, state.CoinAvailable(chaintest.Out(tx, 0)))
		require.True(t, state.CoinAvailable(chaintest.Out(child, 0)))
		require.True(t, state.CoinAvailable(chaintest.Out(chain.Coinbase(2), 0)))
		entries := state.MempoolEntries()
		require.Len(t, entries, 2)
	})
}

func TestMempoolClearedWhenConfirmed(t *testing.T) {
	engine, chain := fundedEngine(t)
	tx := chaintest.Spend([]wire.OutPoint{chaintest.Out(chain.Coinbase(1), 0)}, chaintest.Subsidy-10_000)
	require.Equal(t, Accepted, accept(engine, tx, false).Outcome)

	extend(t, engine, chain, tx)
	engine.Guard(func(state ChainState) {
		_, ok := state.MempoolLookup(tx.TxHash())
		require.False(t, ok)
		require.True(t, state.HaveChainTx(tx.TxHash()))
	})
	res := accept(engine, tx, false)
	require.Equal(t, "txn-already-known", res.Reason)
}

func TestAddMempoolUnchecked(t *testing.T) {
	engine, _ := fundedEngine(t)
	orphan := chaintest.Spend([]wire.OutPoint{{Hash: chainhash.Hash{4}}}, 1)
	engine.Guard(func(state ChainState) {
		require.NoError(t, state.AddMempoolUnchecked(orphan))
		require.Error(t, state.AddMempoolUnchecked(orphan))
		_, ok := state.MempoolLookup(orphan.TxHash())
		require.True(t, ok)
	})
}
