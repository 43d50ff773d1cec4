package rpc

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"

	"chainbridge/core"
	"chainbridge/daemon"
	"chainbridge/reader"
)

// TxWithBlockInfoResult is returned by gettransactionwithblockinfo. BlockHash
// is empty and Height -1 for mempool transactions.
type TxWithBlockInfoResult struct {
	BlockHash string `json:"blockHash,omitempty"`
	Height    int32  `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Hex       string `json:"hex"`
}

func txWithBlockInfoResult(info *reader.TxWithBlockInfo) *TxWithBlockInfoResult {
	if info == nil {
		return nil
	}
	out := &TxWithBlockInfoResult{
		Height:    info.Height,
		Timestamp: info.Timestamp,
		Hex:       hex.EncodeToString(info.Raw),
	}
	if info.BlockHash != nil {
		out.BlockHash = info.BlockHash.String()
	}
	return out
}

// BlockIndexResult is returned by getblockindex.
type BlockIndexResult struct {
	Hash      string `json:"hash"`
	PrevHash  string `json:"prevHash,omitempty"`
	ChainWork string `json:"chainWork"`
	Height    int32  `json:"height"`
}

func blockIndexResult(info *daemon.BlockIndexInfo) *BlockIndexResult {
	if info == nil {
		return nil
	}
	out := &BlockIndexResult{
		Hash:      info.Hash.String(),
		ChainWork: info.ChainWork,
		Height:    info.Height,
	}
	if info.PrevHash != nil {
		out.PrevHash = info.PrevHash.String()
	}
	return out
}

// InfoResult is returned by getinfo. Fees are in BTC per kB.
type InfoResult struct {
	Version         int32   `json:"version"`
	ProtocolVersion uint32  `json:"protocolversion"`
	Blocks          int32   `json:"blocks"`
	TimeOffset      int64   `json:"timeoffset"`
	Connections     int     `json:"connections"`
	Difficulty      float64 `json:"difficulty"`
	Testnet         bool    `json:"testnet"`
	RelayFee        float64 `json:"relayfee"`
	Errors          string  `json:"errors"`
}

func infoResult(info core.Info) InfoResult {
	return InfoResult{
		Version:         info.Version,
		ProtocolVersion: info.ProtocolVersion,
		Blocks:          info.Blocks,
		TimeOffset:      info.TimeOffset,
		Connections:     info.Connections,
		Difficulty:      info.Difficulty,
		Testnet:         info.Testnet,
		RelayFee:        info.RelayFee.ToBTC(),
		Errors:          info.Errors,
	}
}

// TxOutSetInfoResult is returned by gettxoutsetinfo.
type TxOutSetInfoResult struct {
	Height          int32   `json:"height"`
	BestBlock       string  `json:"bestblock"`
	Transactions    int64   `json:"transactions"`
	TxOuts          int64   `json:"txouts"`
	BytesSerialized int64   `json:"bytes_serialized"`
	HashSerialized  string  `json:"hash_serialized"`
	TotalAmount     float64 `json:"total_amount"`
}

func txOutSetInfoResult(stats core.CoinStats) TxOutSetInfoResult {
	return TxOutSetInfoResult{
		Height:          stats.Height,
		BestBlock:       stats.BestBlock.String(),
		Transactions:    stats.Transactions,
		TxOuts:          stats.TxOuts,
		BytesSerialized: stats.SerializedSize,
		HashSerialized:  stats.HashSerialized.String(),
		TotalAmount:     stats.TotalAmount.ToBTC(),
	}
}

// feeResult reports fees in BTC per kB, keeping -1 for "no estimate".
func feeResult(fee btcutil.Amount) float64 {
	if fee < 0 {
		return -1
	}
	return fee.ToBTC()
}

// StreamFrame is one websocket message.
type StreamFrame struct {
	Type      string `json:"type"`
	Hash      string `json:"hash"`
	Hex       string `json:"hex,omitempty"`
	InMempool bool   `json:"inMempool,omitempty"`
	Height    int32  `json:"height,omitempty"`
}
