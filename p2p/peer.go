package p2p

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSendBufferSize is the outbox size above which a peer counts as saturated.
const DefaultSendBufferSize = 5 * 1000 * 1000

// Peer holds the receive queue and outbox of one remote node. Bytes arrive
// through Feed; the pipeline consumes complete messages from the front.
type Peer struct {
	id        uint64
	addr      string
	connected time.Time

	mu        sync.Mutex
	header    []byte
	recv      []*NetMessage
	outbox    [][]byte
	sendBytes int
	sendLimit int

	disconnecting atomic.Bool
	wake          func()
}

func newPeer(id uint64, addr string, sendLimit int, wake func()) *Peer {
	if sendLimit <= 0 {
		sendLimit = DefaultSendBufferSize
	}
	return &Peer{
		id:        id,
		addr:      addr,
		connected: time.Now(),
		header:    make([]byte, 0, HeaderSize),
		sendLimit: sendLimit,
		wake:      wake,
	}
}

func (p *Peer) ID() uint64 {
	return p.id
}

func (p *Peer) Addr() string {
	return p.addr
}

// Feed appends raw bytes received from the connection, splitting them into
// messages. Partial headers and payloads are kept until more bytes arrive.
func (p *Peer) Feed(data []byte) error {
	if p.Disconnecting() {
		return ErrPeerDisconnecting
	}
	p.mu.Lock()
	err := p.feedLocked(data)
	p.mu.Unlock()
	if err != nil {
		p.Disconnect()
		return err
	}
	if p.wake != nil {
		p.wake()
	}
	return nil
}

func (p *Peer) feedLocked(data []byte) error {
	for len(data) > 0 {
		var last *NetMessage
		if n := len(p.recv); n > 0 && !p.recv[n-1].Complete() {
			last = p.recv[n-1]
		}
		if last == nil {
			take := min(HeaderSize-len(p.header), len(data))
			p.header = append(p.header, data[:take]...)
			data = data[take:]
			if len(p.header) < HeaderSize {
				return nil
			}
			hdr, _ := ParseHeader(p.header)
			p.header = p.header[:0]
			if hdr.Length > MaxPayloadSize {
				return ErrOversized
			}
			p.recv = append(p.recv, &NetMessage{Header: hdr, Payload: make([]byte, 0, hdr.Length)})
			continue
		}
		take := min(int(last.Header.Length)-len(last.Payload), len(data))
		last.Payload = append(last.Payload, data[:take]...)
		data = data[take:]
	}
	return nil
}

// Received returns a snapshot of the receive queue, including a trailing
// partial message if one is being assembled.
func (p *Peer) Received() []NetMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NetMessage, len(p.recv))
	for i, msg := range p.recv {
		out[i] = *msg
	}
	return out
}

// pop removes and returns the first message if it is complete.
func (p *Peer) pop() (NetMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recv) == 0 || !p.recv[0].Complete() {
		return NetMessage{}, false
	}
	msg := *p.recv[0]
	p.recv[0] = nil
	p.recv = p.recv[1:]
	return msg, true
}

// Pending reports whether a complete message is waiting.
func (p *Peer) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recv) > 0 && p.recv[0].Complete()
}

// Send queues a framed message for the connection writer.
func (p *Peer) Send(frame []byte) {
	p.mu.Lock()
	p.outbox = append(p.outbox, frame)
	p.sendBytes += len(frame)
	p.mu.Unlock()
}

// Drain hands the queued frames to the connection writer.
func (p *Peer) Drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outbox
	p.outbox = nil
	p.sendBytes = 0
	return out
}

// SendBufferFull reports whether the outbox has reached the send limit.
func (p *Peer) SendBufferFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendBytes >= p.sendLimit
}

func (p *Peer) Disconnect() {
	p.disconnecting.Store(true)
}

func (p *Peer) Disconnecting() bool {
	return p.disconnecting.Load()
}

// PeerInfo is a snapshot of a peer for status reporting.
type PeerInfo struct {
	ID            uint64
	Addr          string
	ConnectedAt   time.Time
	Queued        int
	Disconnecting bool
}

func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	queued := len(p.recv)
	p.mu.Unlock()
	return PeerInfo{ID: p.id, Addr: p.addr, ConnectedAt: p.connected, Queued: queued, Disconnecting: p.Disconnecting()}
}
