package reader

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"chainbridge/core"
)

var ErrBadSelector = errors.New("block selector must be a height or a block hash")

// Selector picks a block either by active-chain height or by hash.
type Selector struct {
	height int32
	hash   chainhash.Hash
	byHash bool
}

func ByHeight(height int32) Selector {
	return Selector{height: height}
}

func ByHash(hash chainhash.Hash) Selector {
	return Selector{hash: hash, byHash: true}
}

// ParseSelector accepts a decimal height or a 64 character hex block hash.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, ErrBadSelector
	}
	if len(s) == chainhash.MaxHashStringSize {
		hash, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: %v", ErrBadSelector, err)
		}
		return ByHash(*hash), nil
	}
	height, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return Selector{}, fmt.Errorf("%w: %q", ErrBadSelector, s)
	}
	sel := ByHeight(int32(height))
	if err := sel.Validate(); err != nil {
		return Selector{}, err
	}
	return sel, nil
}

// Validate rejects negative heights.
func (s Selector) Validate() error {
	if !s.byHash && s.height < 0 {
		return fmt.Errorf("%w: negative height %d", ErrBadSelector, s.height)
	}
	return nil
}

func (s Selector) IsHash() bool {
	return s.byHash
}

func (s Selector) Height() int32 {
	return s.height
}

func (s Selector) Hash() chainhash.Hash {
	return s.hash
}

func (s Selector) String() string {
	if s.byHash {
		return s.hash.String()
	}
	return strconv.FormatInt(int64(s.height), 10)
}

// Resolve looks the block up. Hashes match any indexed block, heights only
// the active chain. Call it inside Guard.
func (s Selector) Resolve(state core.ChainState) *core.BlockIndex {
	if s.byHash {
		return state.BlockIndexByHash(s.hash)
	}
	return state.BlockIndexByHeight(s.height)
}
