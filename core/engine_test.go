package core

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"chainbridge/internal/chaintest"
	"chainbridge/p2p"
)

func newTestEngine(t *testing.T, dir string, txIndex bool) *Engine {
	t.Helper()
	engine := NewEngine(Options{
		Params:  chaintest.Params(),
		NetDir:  dir,
		TxIndex: txIndex,
	})
	require.NoError(t, engine.Init())
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func extend(t *testing.T, engine *Engine, chain *chaintest.Chain, txs ...*wire.MsgTx) *wire.MsgBlock {
	t.Helper()
	block := chain.Extend(txs...)
	require.NoError(t, engine.ProcessBlock(block))
	return block
}

func TestInitStoresGenesis(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), true)
	engine.Guard(func(state ChainState) {
		require.Equal(t, int32(0), state.TipHeight())
		tip := state.Tip()
		require.NotNil(t, tip)
		require.Nil(t, tip.PrevHash)
		require.Equal(t, *chaintest.Params().GenesisHash, tip.Hash)
		require.Equal(t, tip.Hash, state.BlockIndexByHeight(0).Hash)
		require.Nil(t, state.BlockIndexByHeight(1))
	})
	require.True(t, engine.IsInitialDownload())
}

func TestProcessBlockExtendsChainAndIndexesTransactions(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), true)
	chain := chaintest.NewChain(time.Now().Add(-time.Hour))
	first := extend(t, engine, chain)
	spend := chaintest.Spend([]wire.OutPoint{chaintest.Out(first.Transactions[0], 0)}, chaintest.Subsidy-10_000)
	second := extend(t, engine, chain, spend)

	engine.Guard(func(state ChainState) {
		require.Equal(t, int32(2), state.TipHeight())
		idx := state.BlockIndexByHash(second.BlockHash())
		require.NotNil(t, idx)
		require.Equal(t, first.BlockHash(), *idx.PrevHash)
		require.True(t, state.ActiveChainContains(first.BlockHash()))
		require.Equal(t, second.BlockHash(), state.NextBlockIndex(first.BlockHash()).Hash)
		require.Nil(t, state.NextBlockIndex(second.BlockHash()))
		require.True(t, state.HaveChainTx(spend.TxHash()))
		require.False(t, state.HaveChainTx(first.Transactions[0].TxHash()))
		require.True(t, idx.ChainWork.Cmp(state.BlockIndexByHash(first.BlockHash()).ChainWork) > 0)
	})
	require.False(t, engine.IsInitialDownload())
	require.Equal(t, 1.0, engine.VerificationProgress())

	pos, ok, err := engine.TxIndexLookup(spend.TxHash())
	require.NoError(t, err)
	require.True(t, ok)

	f, err := engine.OpenBlockFile(pos.DiskPos, true)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Seek(int64(pos.TxOffset)+BlockHeaderSize, io.SeekCurrent)
	require.NoError(t, err)
	var decoded wire.MsgTx
	require.NoError(t, decoded.Deserialize(f))
	require.Equal(t, spend.TxHash(), decoded.TxHash())
}

func TestOpenBlockFileLengthPrefix(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), false)
	chain := chaintest.NewChain(time.Now())
	block := extend(t, engine, chain)

	var idx *BlockIndex
	engine.Guard(func(state ChainState) { idx = state.BlockIndexByHeight(1) })
	f, err := engine.OpenBlockFile(idx.Pos, true)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Seek(-4, io.SeekCurrent)
	require.NoError(t, err)
	var size uint32
	require.NoError(t, binary.Read(f, binary.LittleEndian, &size))
	raw := make([]byte, size)
	_, err = io.ReadFull(f, raw)
	require.NoError(t, err)
	require.Equal(t, chaintest.BlockBytes(block), raw)

	_, ok, err := engine.TxIndexLookup(block.Transactions[0].TxHash())
	require.NoError(t, err)
	require.False(t, ok, "tx index disabled")
}

func TestEngineReloadsState(t *testing.T) {
	dir := t.TempDir()
	engine := NewEngine(Options{Params: chaintest.Params(), NetDir: dir, TxIndex: true})
	require.NoError(t, engine.Init())
	chain := chaintest.NewChain(time.Now())
	first := extend(t, engine, chain)
	spend := chaintest.Spend([]wire.OutPoint{chaintest.Out(first.Transactions[0], 0)}, 1000)
	extend(t, engine, chain, spend)
	require.NoError(t, engine.Close())

	reopened := newTestEngine(t, dir, true)
	reopened.Guard(func(state ChainState) {
		require.Equal(t, int32(2), state.TipHeight())
		require.Equal(t, chain.Tip().BlockHash(), state.Tip().Hash)
		require.True(t, state.CoinAvailable(chaintest.Out(spend, 0)))
		require.False(t, state.CoinAvailable(chaintest.Out(first.Transactions[0], 0)))
	})
	_, ok, err := reopened.TxIndexLookup(spend.TxHash())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProcessBlockRejections(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), true)
	chain := chaintest.NewChain(time.Now())
	block := extend(t, engine, chain)
	require.ErrorIs(t, engine.ProcessBlock(block), ErrDuplicateBlock)

	orphan := chaintest.NewBlock(chainhash.Hash{1}, time.Now(), chaintest.Coinbase(9, chaintest.Subsidy))
	require.ErrorIs(t, engine.ProcessBlock(orphan), ErrOrphanBlock)

	bad := chaintest.NewBlock(block.BlockHash(), time.Now(), chaintest.Coinbase(2, chaintest.Subsidy))
	bad.Header.MerkleRoot = chainhash.Hash{2}
	require.ErrorIs(t, engine.ProcessBlock(bad), ErrBadMerkleRoot)

	missing := chaintest.Spend([]wire.OutPoint{{Hash: chainhash.Hash{3}}}, 1)
	unspendable := chaintest.NewBlock(block.BlockHash(), time.Now(), chaintest.Coinbase(2, chaintest.Subsidy), missing)
	require.ErrorIs(t, engine.ProcessBlock(unspendable), ErrBlockInputs)
	engine.Guard(func(state ChainState) {
		require.Equal(t, int32(1), state.TipHeight())
		require.NotNil(t, state.BlockIndexByHash(unspendable.BlockHash()), "stored but not active")
		require.False(t, state.ActiveChainContains(unspendable.BlockHash()))
	})
}

func TestSideBranchIsIndexedNotActivated(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), true)
	chain := chaintest.NewChain(time.Now())
	extend(t, engine, chain)
	extend(t, engine, chain)

	side := chaintest.NewBlock(chain.Blocks[1].BlockHash(), time.Now(), chaintest.Coinbase(77, chaintest.Subsidy))
	require.NoError(t, engine.ProcessBlock(side))
	engine.Guard(func(state ChainState) {
		idx := state.BlockIndexByHash(side.BlockHash())
		require.NotNil(t, idx)
		require.Equal(t, int32(2), idx.Height)
		require.False(t, state.ActiveChainContains(side.BlockHash()))
		require.Equal(t, chain.Tip().BlockHash(), state.Tip().Hash)
	})
}

func TestGuardStateInvalidAfterReturn(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), false)
	var leaked ChainState
	engine.Guard(func(state ChainState) { leaked = state })
	require.Panics(t, func() { leaked.TipHeight() })
}

func TestInfoAndCoinStats(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), false)
	chain := chaintest.NewChain(time.Now())
	extend(t, engine, chain)
	extend(t, engine, chain)

	info := engine.Info()
	require.Equal(t, int32(2), info.Blocks)
	require.True(t, info.Testnet)
	require.Equal(t, DefaultMinRelayTxFee, info.RelayFee)
	require.Greater(t, info.Difficulty, 0.0)

	var stats CoinStats
	engine.Guard(func(state ChainState) { stats = state.CoinStats() })
	require.Equal(t, int32(2), stats.Height)
	require.Equal(t, int64(2), stats.TxOuts)
	require.Equal(t, btcutil.Amount(2*chaintest.Subsidy), stats.TotalAmount)
}

func TestHandlerAcceptsAndRelaysTransactions(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), false)
	chain := chaintest.NewChain(time.Now())
	block := extend(t, engine, chain)
	tx := chaintest.Spend([]wire.OutPoint{chaintest.Out(block.Transactions[0], 0)}, chaintest.Subsidy-5000)

	pipe := engine.Pipeline()
	sender := pipe.AddPeer("sender")
	listener := pipe.AddPeer("listener")
	frame, err := p2p.EncodeMessage(engine.Params().Net, p2p.CmdTx, chaintest.TxBytes(tx))
	require.NoError(t, err)
	require.NoError(t, sender.Feed(frame))
	pipe.Tick()

	engine.Guard(func(state ChainState) {
		entry, ok := state.MempoolLookup(tx.TxHash())
		require.True(t, ok)
		require.Equal(t, chaintest.TxBytes(tx), entry.Raw)
	})
	frames := listener.Drain()
	require.Len(t, frames, 1)
	hdr, err := p2p.ParseHeader(frames[0])
	require.NoError(t, err)
	require.Equal(t, p2p.CmdInv, hdr.Name())

	getData := wire.NewMsgGetData()
	hash := tx.TxHash()
	require.NoError(t, getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash)))
	var payload bytes.Buffer
	require.NoError(t, getData.BtcEncode(&payload, wire.ProtocolVersion, wire.BaseEncoding))
	request, err := p2p.EncodeMessage(engine.Params().Net, wire.CmdGetData, payload.Bytes())
	require.NoError(t, err)
	require.NoError(t, listener.Feed(request))
	pipe.Tick()
	frames = listener.Drain()
	require.Len(t, frames, 1)
	require.Equal(t, chaintest.TxBytes(tx), frames[0][p2p.HeaderSize:])
}

func TestZeroRelayFeeUsesDefault(t *testing.T) {
	engine := NewEngine(Options{Params: chaintest.Params(), NetDir: t.TempDir()})
	require.Equal(t, DefaultMinRelayTxFee, engine.Info().RelayFee)
}

func TestFailedActivationKeepsCoins(t *testing.T) {
	engine := newTestEngine(t, t.TempDir(), true)
	chain := chaintest.NewChain(time.Now().Add(-time.Hour))
	first := extend(t, engine, chain)
	coinbase := chaintest.Out(first.Transactions[0], 0)

	engine.chain.db = &failingDB{Database: engine.chain.db, key: tipKey}
	spend := chaintest.Spend([]wire.OutPoint{coinbase}, chaintest.Subsidy-10_000)
	require.ErrorIs(t, engine.ProcessBlock(chain.Extend(spend)), errWriteRefused)

	engine.Guard(func(state ChainState) {
		require.Equal(t, int32(1), state.TipHeight())
		require.True(t, state.CoinAvailable(coinbase))
		require.False(t, state.HaveChainTx(spend.TxHash()))
	})
}
