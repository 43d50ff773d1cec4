package core

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"chainbridge/mempool"
)

// absurdFeeMultiple scales the minimum relay fee into the absurd-fee limit.
const absurdFeeMultiple = 10000

func invalid(code wire.RejectCode, reason string) AcceptResult {
	return AcceptResult{Outcome: Invalid, Code: int(code), Reason: reason}
}

// acceptLocked applies the admission policy. Callers hold e.mu.
func (e *Engine) acceptLocked(tx *wire.MsgTx, allowAbsurdFee bool) AcceptResult {
	if e.chain == nil {
		return invalid(wire.RejectInvalid, ErrNotInitialized.Error())
	}
	utx := btcutil.NewTx(tx)
	if err := blockchain.CheckTransactionSanity(utx); err != nil {
		var ruleErr blockchain.RuleError
		if errors.As(err, &ruleErr) {
			return invalid(wire.RejectInvalid, ruleErr.Description)
		}
		return invalid(wire.RejectInvalid, err.Error())
	}
	if blockchain.IsCoinBaseTx(tx) {
		return invalid(wire.RejectInvalid, "coinbase")
	}
	hash := *utx.Hash()
	if e.pool.Has(hash) {
		return invalid(wire.RejectDuplicate, "txn-already-in-mempool")
	}
	if e.coins.haveTx(hash) {
		return invalid(wire.RejectDuplicate, "txn-already-known")
	}

	var in btcutil.Amount
	missing := false
	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint
		if _, conflict := e.pool.Spender(op); conflict {
			return invalid(wire.RejectDuplicate, "txn-mempool-conflict")
		}
		if c, ok := e.coins.get(op); ok {
			in += btcutil.Amount(c.out.Value)
			continue
		}
		if out, ok := e.pool.Output(op); ok {
			in += btcutil.Amount(out.Value)
			continue
		}
		missing = true
	}
	if missing {
		return AcceptResult{Outcome: MissingInputs}
	}

	var out btcutil.Amount
	for _, txOut := range tx.TxOut {
		out += btcutil.Amount(txOut.Value)
	}
	fee := in - out
	if fee < 0 {
		return invalid(wire.RejectInvalid, "bad-txns-in-belowout")
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return invalid(wire.RejectInvalid, err.Error())
	}
	minFee := e.opts.MinRelayTxFee * btcutil.Amount(len(raw)) / 1000
	if fee < minFee {
		return invalid(wire.RejectInsufficientFee, "insufficient priority")
	}
	if !allowAbsurdFee && minFee > 0 && fee > minFee*absurdFeeMultiple {
		return AcceptResult{Outcome: Invalid, Code: RejectHighFee, Reason: "absurdly-high-fee"}
	}

	entry := &mempool.Entry{
		Tx:     utx,
		Raw:    raw,
		Fee:    fee,
		Size:   len(raw),
		Time:   e.opts.Now(),
		Height: e.chain.Height(),
	}
	if err := e.pool.Add(entry); err != nil {
		return invalid(wire.RejectDuplicate, "txn-already-in-mempool")
	}
	return AcceptResult{Outcome: Accepted}
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
