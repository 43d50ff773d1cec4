package txmon

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chainbridge/bridge"
	"chainbridge/core"
	"chainbridge/internal/chaintest"
	"chainbridge/p2p"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	engine  *core.Engine
	loop    *bridge.Loop
	monitor *Monitor
	chain   *chaintest.Chain
	batches chan []Event
}

func newEnv(t *testing.T) *env {
	t.Helper()
	engine := core.NewEngine(core.Options{
		Params:       chaintest.Params(),
		NetDir:       t.TempDir(),
		IndexBackend: "memory",
		TxIndex:      true,
	})
	require.NoError(t, engine.Init())
	t.Cleanup(func() { _ = engine.Close() })

	loop := bridge.NewLoop()
	e := &env{
		engine:  engine,
		loop:    loop,
		monitor: New(engine, loop, nil),
		chain:   chaintest.NewChain(time.Now().Add(-time.Hour)),
		batches: make(chan []Event, 8),
	}
	e.monitor.Start(func(events []Event) { e.batches <- events })
	return e
}

// run starts the host loop; queued flushes run from here on.
func (e *env) run(t *testing.T) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.loop.Run(context.Background()) }()
	t.Cleanup(func() {
		e.loop.Stop()
		<-done
	})
}

// spendable mines a block and returns a transaction spending its coinbase.
func (e *env) spendable(t *testing.T) *wire.MsgTx {
	t.Helper()
	block := e.chain.Extend()
	require.NoError(t, e.engine.ProcessBlock(block))
	return chaintest.Spend([]wire.OutPoint{chaintest.Out(block.Transactions[0], 0)}, chaintest.Subsidy-10_000)
}

func txFrame(t *testing.T, magic wire.BitcoinNet, payload []byte) []byte {
	t.Helper()
	frame, err := p2p.EncodeMessage(magic, p2p.CmdTx, payload)
	require.NoError(t, err)
	return frame
}

func (e *env) expectBatch(t *testing.T) []Event {
	t.Helper()
	select {
	case batch := <-e.batches:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatalf("no batch delivered")
	}
	return nil
}

func (e *env) expectNoBatch(t *testing.T) {
	t.Helper()
	select {
	case batch := <-e.batches:
		t.Fatalf("unexpected batch %+v", batch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayedTransactionIsReported(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	tx := e.spendable(t)
	raw := chaintest.TxBytes(tx)

	pipe := e.engine.Pipeline()
	peer := pipe.AddPeer("198.51.100.1:8333")
	require.NoError(t, peer.Feed(txFrame(t, pipe.Magic(), raw)))
	pipe.Tick()

	batch := e.expectBatch(t)
	require.Len(t, batch, 1)
	require.Equal(t, raw, batch[0].Raw)
	require.Equal(t, tx.TxHash(), batch[0].Hash)
	require.True(t, batch[0].InMempool)
}

func TestOrphanTransactionIsNotInMempool(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	orphan := chaintest.Spend([]wire.OutPoint{{Index: 3}}, 1_000)

	pipe := e.engine.Pipeline()
	peer := pipe.AddPeer("198.51.100.2:8333")
	require.NoError(t, peer.Feed(txFrame(t, pipe.Magic(), chaintest.TxBytes(orphan))))
	pipe.Tick()

	batch := e.expectBatch(t)
	require.Len(t, batch, 1)
	require.False(t, batch[0].InMempool)
}

func TestBatchesCoalesceInArrivalOrder(t *testing.T) {
	e := newEnv(t)
	first := e.spendable(t)
	second := e.spendable(t)

	pipe := e.engine.Pipeline()
	peer := pipe.AddPeer("198.51.100.3:8333")
	stream := append(txFrame(t, pipe.Magic(), chaintest.TxBytes(first)), txFrame(t, pipe.Magic(), chaintest.TxBytes(second))...)
	require.NoError(t, peer.Feed(stream))
	pipe.Tick()
	pipe.Tick()
	e.run(t)

	batch := e.expectBatch(t)
	require.Len(t, batch, 2)
	require.Equal(t, first.TxHash(), batch[0].Hash)
	require.Equal(t, second.TxHash(), batch[1].Hash)
	e.expectNoBatch(t)
}

func TestBadChecksumIsSkipped(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	tx := e.spendable(t)

	pipe := e.engine.Pipeline()
	peer := pipe.AddPeer("198.51.100.4:8333")
	frame := txFrame(t, pipe.Magic(), chaintest.TxBytes(tx))
	frame[20] ^= 0xff
	require.NoError(t, peer.Feed(frame))
	pipe.Tick()

	e.expectNoBatch(t)
	require.False(t, peer.Disconnecting())
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	e := newEnv(t)
	e.run(t)

	pipe := e.engine.Pipeline()
	peer := pipe.AddPeer("198.51.100.5:8333")
	require.NoError(t, peer.Feed(txFrame(t, pipe.Magic(), []byte{0x01, 0x02, 0x03})))
	pipe.Tick()

	e.expectNoBatch(t)
}

func TestForeignMagicDisconnects(t *testing.T) {
	e := newEnv(t)
	e.run(t)

	pipe := e.engine.Pipeline()
	peer := pipe.AddPeer("198.51.100.6:8333")
	require.NoError(t, peer.Feed(txFrame(t, wire.MainNet, []byte{0x01})))
	pipe.Tick()

	require.True(t, peer.Disconnecting())
	e.expectNoBatch(t)
}

func TestNotifyUsesListener(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	events := []Event{{Raw: []byte{1}, InMempool: true}}
	require.True(t, e.monitor.Notify(events))

	batch := e.expectBatch(t)
	require.Equal(t, events, batch)
}

func TestStartReplacesListener(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	replaced := make(chan []Event, 1)
	e.monitor.Start(func(events []Event) { replaced <- events })

	require.True(t, e.monitor.Notify([]Event{{Raw: []byte{2}}}))
	select {
	case batch := <-replaced:
		require.Len(t, batch, 1)
	case <-time.After(2 * time.Second):
		t.Fatalf("replacement listener not called")
	}
	e.expectNoBatch(t)
}
