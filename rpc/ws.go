package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"chainbridge/lifecycle"
	"chainbridge/txmon"
)

const (
	wsWriteTimeout  = 10 * time.Second
	subscriberQueue = 64
)

const (
	frameTx  = "tx"
	frameTip = "tip"
)

// hub fans stream frames out to websocket subscribers. Slow subscribers lose
// frames rather than stalling the host loop.
type hub struct {
	mu     sync.Mutex
	subs   map[chan StreamFrame]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan StreamFrame]struct{})}
}

func (h *hub) subscribe() (chan StreamFrame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan StreamFrame, subscriberQueue)
	h.subs[ch] = struct{}{}
	return ch, true
}

func (h *hub) unsubscribe(ch chan StreamFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// publish returns the number of subscribers the frame was queued for.
func (h *hub) publish(frame StreamFrame) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for ch := range h.subs {
		select {
		case ch <- frame:
			sent++
		default:
		}
	}
	return sent
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// WatchChain feeds relayed transactions and tip changes into the websocket
// stream. It must be called after the daemon has been started.
func (s *Server) WatchChain() error {
	if err := s.daemon.StartTxMonitor(s.publishTxs); err != nil {
		return err
	}
	return s.watchTip()
}

func (s *Server) publishTxs(events []txmon.Event) {
	for _, ev := range events {
		s.hub.publish(StreamFrame{
			Type:      frameTx,
			Hash:      ev.Hash.String(),
			Hex:       hex.EncodeToString(ev.Raw),
			InMempool: ev.InMempool,
		})
	}
}

// watchTip arms a single tip wait and re-arms it from the callback until the
// daemon reports shutdown.
func (s *Server) watchTip() error {
	return s.daemon.OnTipUpdate(func(tip *lifecycle.Tip, err error) {
		if err != nil || tip == nil {
			return
		}
		s.hub.publish(StreamFrame{Type: frameTip, Hash: tip.Hash.String(), Height: tip.Height})
		if err := s.watchTip(); err != nil {
			s.logger.Debug("tip watch stopped", "error", err)
		}
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	frames, ok := s.hub.subscribe()
	if !ok {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.unsubscribe(frames)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := streamFrames(ctx, conn, frames); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamFrames(ctx context.Context, conn *websocket.Conn, frames <-chan StreamFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return err
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
