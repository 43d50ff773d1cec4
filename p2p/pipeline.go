package p2p

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// DefaultTickInterval is how often every peer is serviced without a wake-up.
const DefaultTickInterval = 100 * time.Millisecond

// Pipeline services the receive queues of all peers. Each tick a peer goes
// through the front interceptors, at most one handled message and then the
// back interceptors.
type Pipeline struct {
	magic    wire.BitcoinNet
	handler  MessageHandler
	logger   *slog.Logger
	interval time.Duration
	metrics  *networkMetrics

	mu     sync.RWMutex
	fronts []Interceptor
	backs  []Interceptor
	peers  map[uint64]*Peer
	nextID atomic.Uint64

	wake chan struct{}
}

// NewPipeline creates a pipeline for the given network magic.
func NewPipeline(magic wire.BitcoinNet, handler MessageHandler, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		magic:    magic,
		handler:  handler,
		logger:   logger.With("component", "p2p"),
		interval: DefaultTickInterval,
		metrics:  newNetworkMetrics(),
		peers:    make(map[uint64]*Peer),
		wake:     make(chan struct{}, 1),
	}
}

// Magic returns the network magic messages must carry.
func (p *Pipeline) Magic() wire.BitcoinNet {
	return p.magic
}

// SetTickInterval overrides DefaultTickInterval. Call before Run.
func (p *Pipeline) SetTickInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// Register installs i. Its front hook runs ahead of every previously
// registered front hook and its back hook after every previous back hook.
func (p *Pipeline) Register(i Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fronts = append([]Interceptor{i}, p.fronts...)
	p.backs = append(p.backs, i)
}

// AddPeer registers a new peer.
func (p *Pipeline) AddPeer(addr string) *Peer {
	id := p.nextID.Add(1)
	peer := newPeer(id, addr, DefaultSendBufferSize, p.Wake)
	p.mu.Lock()
	p.peers[id] = peer
	count := len(p.peers)
	p.mu.Unlock()
	p.metrics.peers.Set(float64(count))
	p.logger.Debug("peer added", "peer", id, "addr", addr)
	return peer
}

func (p *Pipeline) RemovePeer(id uint64) {
	p.mu.Lock()
	if peer, ok := p.peers[id]; ok {
		peer.Disconnect()
		delete(p.peers, id)
	}
	count := len(p.peers)
	p.mu.Unlock()
	p.metrics.peers.Set(float64(count))
}

// Peers returns the registered peers ordered by id.
func (p *Pipeline) Peers() []*Peer {
	p.mu.RLock()
	out := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, peer)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (p *Pipeline) PeerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// Wake schedules a tick without waiting for the interval.
func (p *Pipeline) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Broadcast queues a framed message on every live peer and returns how many
// peers it was queued on.
func (p *Pipeline) Broadcast(command string, payload []byte) int {
	frame, err := EncodeMessage(p.magic, command, payload)
	if err != nil {
		p.logger.Warn("broadcast encode failed", "command", command, "error", err)
		return 0
	}
	sent := 0
	for _, peer := range p.Peers() {
		if peer.Disconnecting() {
			continue
		}
		peer.Send(append([]byte(nil), frame...))
		sent++
	}
	p.metrics.observe("out", command, sent)
	return sent
}

// Run ticks until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
		p.Tick()
	}
}

// Tick services every peer once. Disconnecting peers are dropped.
func (p *Pipeline) Tick() {
	p.mu.RLock()
	fronts := append([]Interceptor(nil), p.fronts...)
	backs := append([]Interceptor(nil), p.backs...)
	p.mu.RUnlock()

	more := false
	for _, peer := range p.Peers() {
		if peer.Disconnecting() {
			p.RemovePeer(peer.id)
			continue
		}
		p.servicePeer(peer, fronts, backs)
		if peer.Pending() && !peer.SendBufferFull() {
			more = true
		}
	}
	if more {
		p.Wake()
	}
}

func (p *Pipeline) servicePeer(peer *Peer, fronts, backs []Interceptor) {
	for _, i := range fronts {
		if !i.Front(peer) {
			p.logger.Warn("interceptor rejected peer", "peer", peer.id, "addr", peer.addr)
			peer.Disconnect()
			return
		}
	}
	p.handleOne(peer)
	for _, i := range backs {
		i.Back(peer)
	}
}

// handleOne hands the first well-formed message to the handler. Messages with
// a malformed header or a bad checksum are dropped on the way.
func (p *Pipeline) handleOne(peer *Peer) {
	for !peer.Disconnecting() && !peer.SendBufferFull() {
		msg, ok := peer.pop()
		if !ok {
			return
		}
		if msg.Header.Magic != p.magic {
			p.logger.Warn("invalid message start", "peer", peer.id, "magic", msg.Header.Magic)
			peer.Disconnect()
			return
		}
		if !msg.Header.IsValid(p.magic) {
			p.logger.Debug("dropping malformed header", "peer", peer.id)
			p.metrics.observe("in", "malformed", 1)
			continue
		}
		command := msg.Header.Name()
		if !msg.ChecksumValid() {
			p.logger.Debug("dropping message with bad checksum", "peer", peer.id, "command", command)
			p.metrics.observe("in", "bad_checksum", 1)
			continue
		}
		p.metrics.observe("in", command, 1)
		if p.handler != nil {
			if err := p.handler.HandleMessage(peer, msg); err != nil {
				p.logger.Debug("message handling failed", "peer", peer.id, "command", command, "error", err)
			}
		}
		return
	}
}
