package mempool

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// DefaultSampleWindow is how many confirmations the estimator remembers.
const DefaultSampleWindow = 1000

// minSamples is the smallest sample set an estimate is given for.
const minSamples = 3

type feeSample struct {
	rate   btcutil.Amount
	blocks int32
}

// FeeEstimator derives fee rates from how quickly pool transactions confirmed.
type FeeEstimator struct {
	window  int
	samples []feeSample
}

func NewFeeEstimator(window int) *FeeEstimator {
	if window <= 0 {
		window = DefaultSampleWindow
	}
	return &FeeEstimator{window: window}
}

// Record stores one confirmation. blocks is the number of blocks the
// transaction waited, counting the confirming block.
func (f *FeeEstimator) Record(rate btcutil.Amount, blocks int32) {
	if blocks < 1 {
		blocks = 1
	}
	f.samples = append(f.samples, feeSample{rate: rate, blocks: blocks})
	if over := len(f.samples) - f.window; over > 0 {
		f.samples = append(f.samples[:0], f.samples[over:]...)
	}
}

// EstimateFeePerKB returns the median fee rate of transactions that confirmed
// within target blocks. ok is false when too few samples exist.
func (f *FeeEstimator) EstimateFeePerKB(target int) (btcutil.Amount, bool) {
	if target < 1 {
		target = 1
	}
	rates := make([]btcutil.Amount, 0, len(f.samples))
	for _, s := range f.samples {
		if int(s.blocks) <= target {
			rates = append(rates, s.rate)
		}
	}
	if len(rates) < minSamples {
		return 0, false
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i] < rates[j] })
	return rates[len(rates)/2], true
}

func (f *FeeEstimator) Samples() int {
	return len(f.samples)
}
