package p2p

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func TestEncodeMessageMatchesWireEncoder(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1, []byte{0x51}))
	var payload bytes.Buffer
	if err := tx.Serialize(&payload); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	ours, err := EncodeMessage(wire.MainNet, CmdTx, payload.Bytes())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	theirs, err := EncodeWire(wire.MainNet, tx)
	if err != nil {
		t.Fatalf("wire encode: %v", err)
	}
	if !bytes.Equal(ours, theirs) {
		t.Fatalf("framing mismatch\nours   %x\ntheirs %x", ours, theirs)
	}
	hdr, err := ParseHeader(ours)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if hdr.Name() != CmdTx || hdr.Length != uint32(payload.Len()) || !hdr.IsValid(wire.MainNet) {
		t.Fatalf("unexpected header %+v", hdr)
	}
}

func TestHeaderValidity(t *testing.T) {
	base := Header{Magic: wire.TestNet3, Length: 10}
	copy(base.Command[:], "tx")

	if !base.IsValid(wire.TestNet3) {
		t.Fatalf("expected valid header")
	}
	if base.IsValid(wire.MainNet) {
		t.Fatalf("expected magic mismatch to be invalid")
	}
	gap := base
	gap.Command[3] = 'x'
	if gap.IsValid(wire.TestNet3) {
		t.Fatalf("expected data after padding to be invalid")
	}
	ctrl := base
	ctrl.Command[0] = 0x07
	if ctrl.IsValid(wire.TestNet3) {
		t.Fatalf("expected control character to be invalid")
	}
	big := base
	big.Length = MaxPayloadSize + 1
	if big.IsValid(wire.TestNet3) {
		t.Fatalf("expected oversized length to be invalid")
	}
	if _, err := ParseHeader(make([]byte, HeaderSize-1)); err != ErrShortHeader {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestPeerFeedReassemblesAcrossChunks(t *testing.T) {
	peer := newPeer(1, "test", 0, nil)
	first, _ := EncodeMessage(wire.MainNet, CmdTx, []byte("hello"))
	second, _ := EncodeMessage(wire.MainNet, "ping", nil)
	stream := append(append([]byte(nil), first...), second...)

	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		if err := peer.Feed(stream[i:end]); err != nil {
			t.Fatalf("feed: %v", err)
		}
		msgs := peer.Received()
		if end < len(first) && len(msgs) == 1 && msgs[0].Complete() {
			t.Fatalf("message complete before all bytes arrived")
		}
	}
	msgs := peer.Received()
	if len(msgs) != 2 || !msgs[0].Complete() || !msgs[1].Complete() {
		t.Fatalf("expected two complete messages, got %d", len(msgs))
	}
	if string(msgs[0].Payload) != "hello" || !msgs[0].ChecksumValid() {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Header.Name() != "ping" || len(msgs[1].Payload) != 0 {
		t.Fatalf("unexpected second message %+v", msgs[1])
	}
}

func TestPeerFeedRejectsOversizedPayload(t *testing.T) {
	peer := newPeer(1, "test", 0, nil)
	hdr := Header{Magic: wire.MainNet, Length: MaxPayloadSize + 1}
	copy(hdr.Command[:], "block")
	if err := peer.Feed(hdr.Bytes()); err != ErrOversized {
		t.Fatalf("expected ErrOversized, got %v", err)
	}
	if !peer.Disconnecting() {
		t.Fatalf("expected peer to be disconnecting")
	}
	if err := peer.Feed([]byte{1}); err != ErrPeerDisconnecting {
		t.Fatalf("expected ErrPeerDisconnecting, got %v", err)
	}
}

func TestPeerSendBufferFull(t *testing.T) {
	peer := newPeer(1, "test", 10, nil)
	peer.Send(make([]byte, 6))
	if peer.SendBufferFull() {
		t.Fatalf("buffer should not be full yet")
	}
	peer.Send(make([]byte, 6))
	if !peer.SendBufferFull() {
		t.Fatalf("expected buffer full")
	}
	if frames := peer.Drain(); len(frames) != 2 || peer.SendBufferFull() {
		t.Fatalf("expected drain to empty the outbox")
	}
}
