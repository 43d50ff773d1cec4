package bridge

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Loop is the single-threaded host event loop. Callbacks posted to it run one
// at a time, in posting order, on the goroutine executing Run.
type Loop struct {
	logger *slog.Logger
	fatal  func(error)

	mu      sync.Mutex
	queue   []func()
	stopped bool
	notify  chan struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithFatalHandler installs the handler that receives a *FatalError when a
// callback panics. The default logs the error.
func WithFatalHandler(fn func(error)) LoopOption {
	return func(l *Loop) {
		if fn != nil {
			l.fatal = fn
		}
	}
}

func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		logger: slog.Default(),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loop")
	if l.fatal == nil {
		l.fatal = func(err error) {
			l.logger.Error("fatal callback error", "error", err)
		}
	}
	return l
}

// Post queues fn. It never blocks and reports false once the loop stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Stop makes Run return once the callbacks already queued have run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Run executes callbacks until Stop is called or ctx is done. A panicking
// callback stops the loop: the panic is wrapped in a *FatalError, handed to
// the fatal handler and returned.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for i, fn := range batch {
			if err := l.invoke(fn); err != nil {
				l.mu.Lock()
				l.stopped = true
				dropped := len(batch) - i - 1 + len(l.queue)
				l.queue = nil
				l.mu.Unlock()
				if dropped > 0 {
					l.logger.Warn("dropping queued callbacks after fatal error", "count", dropped)
				}
				l.fatal(err)
				return err
			}
		}
		if stopped && len(batch) == 0 {
			return nil
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			l.Stop()
			return nil
		case <-l.notify:
		}
	}
}

func (l *Loop) invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FatalError{Value: r, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}
