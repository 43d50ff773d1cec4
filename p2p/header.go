package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// HeaderSize is magic(4) + command(12) + length(4) + checksum(4).
	HeaderSize = 24
	// CommandSize is the width of the NUL padded command field.
	CommandSize = wire.CommandSize
	// MaxPayloadSize caps the length field of a valid header.
	MaxPayloadSize = 0x02000000

	CmdTx    = wire.CmdTx
	CmdBlock = wire.CmdBlock
	CmdInv   = wire.CmdInv
)

// Header is a decoded message header.
type Header struct {
	Magic    wire.BitcoinNet
	Command  [CommandSize]byte
	Length   uint32
	Checksum [4]byte
}

// ParseHeader decodes the first HeaderSize bytes of b. It only fails on short
// input; use IsValid to check the contents.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	var h Header
	h.Magic = wire.BitcoinNet(binary.LittleEndian.Uint32(b[0:4]))
	copy(h.Command[:], b[4:16])
	h.Length = binary.LittleEndian.Uint32(b[16:20])
	copy(h.Checksum[:], b[20:24])
	return h, nil
}

// Name returns the command without its NUL padding.
func (h Header) Name() string {
	if i := bytes.IndexByte(h.Command[:], 0); i >= 0 {
		return string(h.Command[:i])
	}
	return string(h.Command[:])
}

// IsValid checks the magic, that the command is printable ASCII followed only
// by NUL padding, and that the length is within bounds.
func (h Header) IsValid(magic wire.BitcoinNet) bool {
	if h.Magic != magic {
		return false
	}
	padding := false
	for _, c := range h.Command {
		switch {
		case padding && c != 0:
			return false
		case c == 0:
			padding = true
		case c < ' ' || c > 0x7e:
			return false
		}
	}
	return h.Length <= MaxPayloadSize
}

// Bytes encodes the header.
func (h Header) Bytes() []byte {
	out := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(h.Magic))
	copy(out[4:16], h.Command[:])
	binary.LittleEndian.PutUint32(out[16:20], h.Length)
	copy(out[20:24], h.Checksum[:])
	return out
}

// Checksum is the first four bytes of the double SHA-256 of payload.
func Checksum(payload []byte) [4]byte {
	var sum [4]byte
	copy(sum[:], chainhash.DoubleHashB(payload))
	return sum
}

// EncodeMessage frames payload under command.
func EncodeMessage(magic wire.BitcoinNet, command string, payload []byte) ([]byte, error) {
	if len(command) > CommandSize {
		return nil, fmt.Errorf("p2p: command %q longer than %d bytes", command, CommandSize)
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrOversized
	}
	h := Header{Magic: magic, Length: uint32(len(payload)), Checksum: Checksum(payload)}
	copy(h.Command[:], command)
	return append(h.Bytes(), payload...), nil
}

// EncodeWire frames a wire message using the btcd encoder.
func EncodeWire(magic wire.BitcoinNet, msg wire.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteMessage(&buf, msg, wire.ProtocolVersion, magic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NetMessage is one entry of a peer's receive queue. The payload is partial
// until Complete reports true.
type NetMessage struct {
	Header  Header
	Payload []byte
}

func (m NetMessage) Complete() bool {
	return uint32(len(m.Payload)) == m.Header.Length
}

// ChecksumValid reports whether the payload matches the header checksum.
func (m NetMessage) ChecksumValid() bool {
	return m.Complete() && Checksum(m.Payload) == m.Header.Checksum
}
