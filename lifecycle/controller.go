// Package lifecycle owns the daemon from Start to shutdown and the bridged
// watchers that report tip changes and readiness.
package lifecycle

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"chainbridge/bridge"
	"chainbridge/config"
	"chainbridge/core"
	"chainbridge/observability"
)

var (
	ErrAlreadyStarted = errors.New("daemon already started")
	ErrNotStarted     = errors.New("daemon not started")
)

// Tip is the active chain tip reported by WaitForTipChange.
type Tip struct {
	Height int32
	Hash   chainhash.Hash
}

// EngineFactory builds the chain engine once the configuration is resolved.
type EngineFactory func(res config.Resolved, logger *slog.Logger) (core.ChainEngine, error)

// DefaultEngineFactory builds the reference engine.
func DefaultEngineFactory(res config.Resolved, logger *slog.Logger) (core.ChainEngine, error) {
	opts, err := core.OptionsFromConfig(res, logger)
	if err != nil {
		return nil, err
	}
	return core.NewEngine(opts), nil
}

// Controller drives the lifecycle state machine.
type Controller struct {
	bridge  *bridge.Bridge
	logger  *slog.Logger
	metrics *observability.LifecycleMetrics
	factory EngineFactory
	fatal   func(error)
	poll    time.Duration

	state            stateMachine
	shutdownComplete atomic.Bool
	// done is closed together with shutdownComplete to wake pollers early.
	done chan struct{}

	mu           sync.Mutex
	cfg          config.Config
	resolved     config.Resolved
	engine       core.ChainEngine
	stopping     bool
	daemonExited chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

func WithEngineFactory(fn EngineFactory) Option {
	return func(c *Controller) {
		if fn != nil {
			c.factory = fn
		}
	}
}

// WithFatalHandler replaces the default fatal handler, which logs and exits
// the process with status 1.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.fatal = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPollInterval overrides the watcher poll interval taken from Config.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.poll = d }
}

// New creates a controller submitting its work through b. It installs the
// admission check that refuses new work once shutdown begins.
func New(b *bridge.Bridge, opts ...Option) *Controller {
	c := &Controller{
		bridge:       b,
		logger:       slog.Default(),
		metrics:      observability.Lifecycle(),
		factory:      DefaultEngineFactory,
		done:         make(chan struct{}),
		daemonExited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "lifecycle")
	if c.fatal == nil {
		logger := c.logger
		c.fatal = func(err error) {
			logger.Error("fatal daemon error", "error", err)
			os.Exit(1)
		}
	}
	c.metrics.RecordState(int(Uninitialized), Uninitialized.String())
	b.SetAdmission(c.admit)
	return c
}

func (c *Controller) admit() error {
	if c.state.load() >= ShuttingDown {
		return bridge.ErrShuttingDown
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state.load()
}

// ShutdownComplete reports whether the daemon goroutine has finished.
func (c *Controller) ShutdownComplete() bool {
	return c.shutdownComplete.Load()
}

// Engine returns the chain engine once the daemon goroutine has built it.
func (c *Controller) Engine() (core.ChainEngine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine, c.engine != nil
}

// Resolved returns the resolved configuration, valid once the engine exists.
func (c *Controller) Resolved() config.Resolved {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Config returns the snapshot captured by Start.
func (c *Controller) Config() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) advance(next State) {
	prev, ok := c.state.advance(next)
	if !ok {
		return
	}
	c.metrics.RecordState(int(next), next.String())
	c.logger.Info("lifecycle transition", "from", prev.String(), "to", next.String())
}

func (c *Controller) interval() time.Duration {
	if c.poll > 0 {
		return c.poll
	}
	return c.Config().PollInterval()
}

// sleep waits one poll interval or until shutdown completes.
func (c *Controller) sleep() {
	timer := time.NewTimer(c.interval())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.done:
	}
}

// Start captures cfg and launches the daemon goroutine. done receives
// "started" once the goroutine is running; startup failures surface later
// through the fatal handler or the Stopped state.
func (c *Controller) Start(cfg config.Config, done bridge.Callback[string]) error {
	if !c.state.transition(Uninitialized, Starting) {
		return ErrAlreadyStarted
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.metrics.RecordState(int(Starting), Starting.String())
	c.logger.Info("lifecycle transition", "from", Uninitialized.String(), "to", Starting.String())

	err := bridge.Submit(c.bridge, "start", func(r *bridge.Request[string]) {
		go c.runDaemon(cfg)
		c.advance(WarmingUp)
		r.Resolve("started")
	}, done)
	if err != nil {
		c.finish()
	}
	return err
}

// Stop requests engine shutdown and completes with "stopped" once the daemon
// goroutine has finished. It is exempt from admission.
func (c *Controller) Stop(done bridge.Callback[string]) error {
	if c.state.load() == Uninitialized {
		return ErrNotStarted
	}
	if c.shutdownComplete.Load() {
		return bridge.Post(c.bridge, "stop", "stopped", done)
	}
	c.advance(ShuttingDown)
	return bridge.Submit(c.bridge, "stop", func(r *bridge.Request[string]) {
		c.requestShutdown()
		for !c.shutdownComplete.Load() {
			c.sleep()
		}
		r.Resolve("stopped")
	}, done, bridge.Exempt())
}

func (c *Controller) requestShutdown() {
	c.mu.Lock()
	c.stopping = true
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.RequestShutdown()
	}
}

// tip samples the active tip under the engine lock.
func (c *Controller) tip() *Tip {
	engine, ok := c.Engine()
	if !ok {
		return nil
	}
	var tip *Tip
	engine.Guard(func(state core.ChainState) {
		if idx := state.Tip(); idx != nil {
			tip = &Tip{Height: idx.Height, Hash: idx.Hash}
		}
	})
	return tip
}

// tipHeight reads the tip height without the engine lock, so it is safe on
// the host loop.
func (c *Controller) tipHeight() int32 {
	engine, ok := c.Engine()
	if !ok {
		return -1
	}
	return engine.TipHeight()
}

func heightOf(t *Tip) int32 {
	if t == nil {
		return -1
	}
	return t.Height
}

// WaitForTipChange completes with the new tip once the height differs from
// the one observed at call time, or with nil once shutdown has completed.
func (c *Controller) WaitForTipChange(done bridge.Callback[*Tip]) error {
	start := c.tipHeight()
	return bridge.Submit(c.bridge, "waitForTipChange", func(r *bridge.Request[*Tip]) {
		for {
			if c.shutdownComplete.Load() {
				r.Resolve(nil)
				return
			}
			if tip := c.tip(); heightOf(tip) != start {
				r.Resolve(tip)
				return
			}
			c.sleep()
		}
	}, done)
}

// WaitUntilReady completes once the engine has a usable active chain. It has
// no timeout.
func (c *Controller) WaitUntilReady(done bridge.Callback[string]) error {
	return bridge.Submit(c.bridge, "waitUntilReady", func(r *bridge.Request[string]) {
		for !c.ready() {
			if c.shutdownComplete.Load() {
				// Never ready now; keep waiting without spinning.
				time.Sleep(c.interval())
				continue
			}
			c.sleep()
		}
		engine, _ := c.Engine()
		engine.Guard(func(core.ChainState) {
			c.advance(Ready)
		})
		r.Resolve("ready")
	}, done)
}

func (c *Controller) ready() bool {
	engine, ok := c.Engine()
	if !ok {
		return false
	}
	ready := false
	engine.Guard(func(state core.ChainState) {
		tip := state.Tip()
		if tip == nil {
			return
		}
		if state.BlockIndexByHash(tip.Hash) == nil {
			return
		}
		ready = state.BlockIndexByHeight(0) != nil
	})
	if !ready {
		return false
	}
	if wallet, ok := engine.(core.WalletStatus); ok {
		return wallet.WalletReady()
	}
	return true
}

// Wait blocks until the daemon goroutine has exited. It returns immediately
// if Start was never called.
func (c *Controller) Wait() {
	if c.state.load() == Uninitialized {
		return
	}
	<-c.daemonExited
}
