// Package txmon watches transaction relay messages arriving from peers and
// reports them to a listener on the host loop in batches.
package txmon

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/bridge"
	"chainbridge/core"
	"chainbridge/observability"
	"chainbridge/p2p"
)

// Event describes one relayed transaction.
type Event struct {
	Raw       []byte
	Hash      chainhash.Hash
	InMempool bool
}

// Listener receives every batch on the host loop, outside the engine lock.
type Listener func(events []Event)

// Monitor is a p2p.Interceptor buffering tx payloads between its front hook
// and the host loop.
type Monitor struct {
	engine  core.ChainEngine
	loop    *bridge.Loop
	logger  *slog.Logger
	metrics *observability.BridgeMetrics

	// pending is guarded by the engine lock.
	pending [][]byte
	// notifying is set while a flush is queued on the loop.
	notifying atomic.Bool

	mu       sync.Mutex
	listener Listener
	register sync.Once
}

var _ p2p.Interceptor = (*Monitor)(nil)

func New(engine core.ChainEngine, loop *bridge.Loop, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		engine:  engine,
		loop:    loop,
		logger:  logger.With("component", "txmon"),
		metrics: observability.Bridge(),
	}
}

// Start installs listener, replacing any earlier one, and hooks the monitor
// into the engine's message pipeline the first time it is called.
func (m *Monitor) Start(listener Listener) {
	m.mu.Lock()
	m.listener = listener
	m.mu.Unlock()
	m.register.Do(func() {
		m.engine.Pipeline().Register(m)
	})
}

// Front buffers the first well-formed tx message waiting on peer. It reports
// false when the peer sent a message for another network.
func (m *Monitor) Front(peer *p2p.Peer) bool {
	magic := m.engine.Pipeline().Magic()
	for _, msg := range peer.Received() {
		if peer.Disconnecting() || peer.SendBufferFull() {
			return true
		}
		if !msg.Complete() {
			return true
		}
		if msg.Header.Magic != magic {
			return false
		}
		if !msg.Header.IsValid(magic) {
			continue
		}
		if msg.Header.Name() == p2p.CmdTx {
			if !msg.ChecksumValid() {
				m.metrics.RecordDropped("bad_checksum")
				continue
			}
			payload := append([]byte(nil), msg.Payload...)
			m.engine.Guard(func(core.ChainState) {
				m.pending = append(m.pending, payload)
			})
			m.metrics.RecordBuffered()
		}
		return true
	}
	return true
}

// Back queues a flush on the host loop when payloads are buffered. Only one
// flush is queued at a time.
func (m *Monitor) Back(*p2p.Peer) {
	var buffered bool
	m.engine.Guard(func(core.ChainState) {
		buffered = len(m.pending) > 0
	})
	if !buffered || !m.notifying.CompareAndSwap(false, true) {
		return
	}
	if !m.loop.Post(m.flush) {
		m.notifying.Store(false)
	}
}

// flush runs on the host loop.
func (m *Monitor) flush() {
	m.notifying.Store(false)
	var events []Event
	m.engine.Guard(func(state core.ChainState) {
		batch := m.pending
		m.pending = nil
		for _, raw := range batch {
			var tx wire.MsgTx
			if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
				m.logger.Warn("dropping undecodable transaction", "size", len(raw), "error", err)
				m.metrics.RecordDropped("decode")
				continue
			}
			hash := tx.TxHash()
			_, inMempool := state.MempoolLookup(hash)
			events = append(events, Event{Raw: raw, Hash: hash, InMempool: inMempool})
		}
	})
	m.deliver(events)
}

func (m *Monitor) deliver(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener == nil {
		return
	}
	m.metrics.RecordBatch(len(events))
	listener(events)
}

// Notify delivers events through the listener on the host loop. It reports
// false once the loop has stopped.
func (m *Monitor) Notify(events []Event) bool {
	events = append([]Event(nil), events...)
	return m.loop.Post(func() { m.deliver(events) })
}
