package core

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"chainbridge/p2p"
)

// messageHandler is the engine's normal message processing stage.
type messageHandler struct {
	engine *Engine
}

func (h *messageHandler) HandleMessage(peer *p2p.Peer, msg p2p.NetMessage) error {
	e := h.engine
	switch msg.Header.Name() {
	case p2p.CmdTx:
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(msg.Payload)); err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
		}
		var result AcceptResult
		e.Guard(func(state ChainState) {
			result = state.AcceptToMempool(&tx, false)
		})
		if err := result.Err(); err != nil {
			return err
		}
		e.Relay(&tx)
		return nil
	case p2p.CmdBlock:
		var block wire.MsgBlock
		if err := block.Deserialize(bytes.NewReader(msg.Payload)); err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
		}
		return e.ProcessBlock(&block)
	case wire.CmdGetData:
		var req wire.MsgGetData
		if err := req.BtcDecode(bytes.NewReader(msg.Payload), wire.ProtocolVersion, wire.BaseEncoding); err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
		}
		return h.serveGetData(peer, &req)
	case wire.CmdPing:
		var ping wire.MsgPing
		if err := ping.BtcDecode(bytes.NewReader(msg.Payload), wire.ProtocolVersion, wire.BaseEncoding); err != nil {
			return fmt.Errorf("%w: %v", p2p.ErrInvalidPayload, err)
		}
		frame, err := p2p.EncodeWire(e.params.Net, wire.NewMsgPong(ping.Nonce))
		if err != nil {
			return err
		}
		peer.Send(frame)
		return nil
	default:
		return nil
	}
}

// serveGetData answers transaction requests from the mempool.
func (h *messageHandler) serveGetData(peer *p2p.Peer, req *wire.MsgGetData) error {
	e := h.engine
	var raws [][]byte
	e.Guard(func(state ChainState) {
		for _, inv := range req.InvList {
			if inv.Type != wire.InvTypeTx {
				continue
			}
			if tx, ok := state.MempoolLookup(inv.Hash); ok {
				raws = append(raws, tx.Raw)
			}
		}
	})
	for _, raw := range raws {
		frame, err := p2p.EncodeMessage(e.params.Net, p2p.CmdTx, raw)
		if err != nil {
			return err
		}
		peer.Send(frame)
	}
	return nil
}
