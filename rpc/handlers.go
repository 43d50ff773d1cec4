package rpc

import (
	"encoding/hex"
	"encoding/json"
	"math"
	"net/http"

	"chainbridge/bridge"
	"chainbridge/reader"
)

type methodHandler func(r *http.Request, req *RPCRequest) (interface{}, *RPCError)

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"getblock":                    s.handleGetBlock,
		"getrawtransaction":           s.handleGetRawTransaction,
		"gettransactionwithblockinfo": s.handleGetTransactionWithBlockInfo,
		"sendrawtransaction":          s.handleSendRawTransaction,
		"getrawmempool":               s.handleGetRawMempool,
		"isspent":                     s.handleIsSpent,
		"getblockindex":               s.handleGetBlockIndex,
		"ismainchain":                 s.handleIsMainChain,
		"getinfo":                     s.handleGetInfo,
		"estimatefee":                 s.handleEstimateFee,
		"syncpercentage":              s.handleSyncPercentage,
		"issynced":                    s.handleIsSynced,
		"getbestblockhash":            s.handleGetBestBlockHash,
		"getnextblockhash":            s.handleGetNextBlockHash,
		"gettxoutsetinfo":             s.handleGetTxOutSetInfo,

		"addmempooluncheckedtransaction": s.handleAddMempoolUnchecked,
	}
}

func paramString(req *RPCRequest, i int, name string) (string, *RPCError) {
	if len(req.Params) <= i {
		return "", invalidParams("%s parameter required", name)
	}
	var v string
	if err := json.Unmarshal(req.Params[i], &v); err != nil {
		return "", invalidParams("%s must be a string", name)
	}
	return v, nil
}

func paramBool(req *RPCRequest, i int, name string, def bool) (bool, *RPCError) {
	if len(req.Params) <= i {
		return def, nil
	}
	var v bool
	if err := json.Unmarshal(req.Params[i], &v); err != nil {
		return false, invalidParams("%s must be a boolean", name)
	}
	return v, nil
}

func paramInt(req *RPCRequest, i int, name string, def int64) (int64, *RPCError) {
	if len(req.Params) <= i {
		return def, nil
	}
	var v int64
	if err := json.Unmarshal(req.Params[i], &v); err != nil {
		return 0, invalidParams("%s must be an integer", name)
	}
	return v, nil
}

// paramSelector accepts a numeric height or a height/hash string.
func paramSelector(req *RPCRequest, i int) (reader.Selector, *RPCError) {
	if len(req.Params) <= i {
		return reader.Selector{}, invalidParams("block height or hash required")
	}
	var height int64
	if err := json.Unmarshal(req.Params[i], &height); err == nil {
		if height < 0 || height > math.MaxInt32 {
			return reader.Selector{}, invalidParams("block height %d out of range", height)
		}
		return reader.ByHeight(int32(height)), nil
	}
	var s string
	if err := json.Unmarshal(req.Params[i], &s); err != nil {
		return reader.Selector{}, invalidParams("block height or hash required")
	}
	sel, err := reader.ParseSelector(s)
	if err != nil {
		return reader.Selector{}, invalidParams("%v", err)
	}
	return sel, nil
}

func (s *Server) handleGetBlock(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	sel, rpcErr := paramSelector(req, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	raw, err := await(r.Context(), func(done bridge.Callback[[]byte]) error {
		return s.daemon.GetBlock(sel, done)
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	return hex.EncodeToString(raw), nil
}

func (s *Server) handleGetRawTransaction(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	txid, rpcErr := paramString(req, 0, "txid")
	if rpcErr != nil {
		return nil, rpcErr
	}
	queryMempool, rpcErr := paramBool(req, 1, "queryMempool", true)
	if rpcErr != nil {
		return nil, rpcErr
	}
	raw, err := await(r.Context(), func(done bridge.Callback[[]byte]) error {
		return s.daemon.GetTransaction(txid, queryMempool, done)
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	if raw == nil {
		return nil, nil
	}
	return hex.EncodeToString(raw), nil
}

func (s *Server) handleGetTransactionWithBlockInfo(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	txid, rpcErr := paramString(req, 0, "txid")
	if rpcErr != nil {
		return nil, rpcErr
	}
	queryMempool, rpcErr := paramBool(req, 1, "queryMempool", true)
	if rpcErr != nil {
		return nil, rpcErr
	}
	info, err := await(r.Context(), func(done bridge.Callback[*reader.TxWithBlockInfo]) error {
		return s.daemon.GetTransactionWithBlockInfo(txid, queryMempool, done)
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	if info == nil {
		return nil, nil
	}
	return txWithBlockInfoResult(info), nil
}

func (s *Server) handleSendRawTransaction(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	if authErr := s.requireAuth(r); authErr != nil {
		return nil, authErr
	}
	source := clientSource(r)
	if !s.limiter.allow(source) {
		return nil, &RPCError{Code: codeRateLimited, Message: "transaction rate limit exceeded", Data: source, status: http.StatusTooManyRequests}
	}
	rawHex, rpcErr := paramString(req, 0, "hexstring")
	if rpcErr != nil {
		return nil, rpcErr
	}
	allowAbsurd, rpcErr := paramBool(req, 1, "allowhighfees", false)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, err := s.daemon.SendTransaction(rawHex, allowAbsurd)
	if err != nil {
		return nil, toRPCError(err)
	}
	return hash, nil
}

func (s *Server) handleGetRawMempool(*http.Request, *RPCRequest) (interface{}, *RPCError) {
	txs, err := s.daemon.GetMempoolTransactions()
	if err != nil {
		return nil, toRPCError(err)
	}
	out := make([]string, len(txs))
	for i, raw := range txs {
		out[i] = hex.EncodeToString(raw)
	}
	return out, nil
}

func (s *Server) handleIsSpent(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	txid, rpcErr := paramString(req, 0, "txid")
	if rpcErr != nil {
		return nil, rpcErr
	}
	index, rpcErr := paramInt(req, 1, "index", -1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if index < 0 || index > math.MaxUint32 {
		return nil, invalidParams("index %d out of range", index)
	}
	spent, err := s.daemon.IsSpent(txid, uint32(index))
	if err != nil {
		return nil, toRPCError(err)
	}
	return spent, nil
}

func (s *Server) handleGetBlockIndex(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	sel, rpcErr := paramSelector(req, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	info, err := s.daemon.GetBlockIndex(sel)
	if err != nil {
		return nil, toRPCError(err)
	}
	if info == nil {
		return nil, nil
	}
	return blockIndexResult(info), nil
}

func (s *Server) handleIsMainChain(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	hash, rpcErr := paramString(req, 0, "blockhash")
	if rpcErr != nil {
		return nil, rpcErr
	}
	main, known, err := s.daemon.IsMainChain(hash)
	if err != nil {
		return nil, toRPCError(err)
	}
	if !known {
		return nil, nil
	}
	return main, nil
}

func (s *Server) handleGetInfo(*http.Request, *RPCRequest) (interface{}, *RPCError) {
	info, err := s.daemon.GetInfo()
	if err != nil {
		return nil, toRPCError(err)
	}
	return infoResult(info), nil
}

func (s *Server) handleEstimateFee(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	blocks, rpcErr := paramInt(req, 0, "nblocks", 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if blocks > math.MaxInt32 {
		return nil, invalidParams("nblocks %d out of range", blocks)
	}
	fee, err := s.daemon.EstimateFee(int(blocks))
	if err != nil {
		return nil, toRPCError(err)
	}
	return feeResult(fee), nil
}

func (s *Server) handleSyncPercentage(*http.Request, *RPCRequest) (interface{}, *RPCError) {
	pct, err := s.daemon.SyncPercentage()
	if err != nil {
		return nil, toRPCError(err)
	}
	return pct, nil
}

func (s *Server) handleIsSynced(*http.Request, *RPCRequest) (interface{}, *RPCError) {
	synced, err := s.daemon.IsSynced()
	if err != nil {
		return nil, toRPCError(err)
	}
	return synced, nil
}

func (s *Server) handleGetBestBlockHash(*http.Request, *RPCRequest) (interface{}, *RPCError) {
	hash, err := s.daemon.GetBestBlockHash()
	if err != nil {
		return nil, toRPCError(err)
	}
	if hash == nil {
		return nil, nil
	}
	return hash.String(), nil
}

func (s *Server) handleGetNextBlockHash(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	hash, rpcErr := paramString(req, 0, "blockhash")
	if rpcErr != nil {
		return nil, rpcErr
	}
	next, err := s.daemon.GetNextBlockHash(hash)
	if err != nil {
		return nil, toRPCError(err)
	}
	if next == nil {
		return nil, nil
	}
	return next.String(), nil
}

func (s *Server) handleGetTxOutSetInfo(*http.Request, *RPCRequest) (interface{}, *RPCError) {
	stats, err := s.daemon.GetTxOutSetInfo()
	if err != nil {
		return nil, toRPCError(err)
	}
	return txOutSetInfoResult(stats), nil
}

// handleAddMempoolUnchecked inserts a transaction without validation. It is
// meant for test harnesses and always requires credentials when configured.
func (s *Server) handleAddMempoolUnchecked(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	if authErr := s.requireAuth(r); authErr != nil {
		return nil, authErr
	}
	rawHex, rpcErr := paramString(req, 0, "hexstring")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.daemon.AddMempoolUncheckedTransaction(rawHex); err != nil {
		return nil, toRPCError(err)
	}
	return true, nil
}
