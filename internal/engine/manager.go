package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/telemetry"
)

// CursorStore persists the last forwarded position per account.
// store.Store, pgstore.Store and redisstore.Store implement it.
type CursorStore interface {
	// LoadCursor returns the stored position, or the zero Position if the
	// account has none.
	LoadCursor(ctx context.Context, account ir.AccountKey) (ir.Position, error)

	// AdvanceCursor stores pos only if it is strictly after the stored
	// value, atomically, and reports whether it did.
	AdvanceCursor(ctx context.Context, account ir.AccountKey, pos ir.Position) (bool, error)
}

// Manager is the process-wide owner of the engine: configuration, the
// dispatcher, and every running synchronizer.
//
// Thread-safety model:
//   - Listen(), WithListener(), State(), Subscriptions(): safe from any goroutine
//   - Run(): at most one caller
//   - Close(): safe to call more than once
type Manager struct {
	client  ledger.Client
	cursors CursorStore
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	ids     IDGenerator
	limiter *rate.Limiter

	dispatcher *dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) ManagerOption {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics sink. Default: telemetry.Default().
func WithMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithIDGenerator sets the subscription id generator.
//
// Default: UUIDv7Generator.
// Use NewFixedGenerator in tests that compare ids.
func WithIDGenerator(ids IDGenerator) ManagerOption {
	return func(m *Manager) { m.ids = ids }
}

// NewManager creates a Manager over the given ledger and cursor store.
// The Manager does no work until the first Listen.
func NewManager(client ledger.Client, cursors CursorStore, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		client:  client,
		cursors: cursors,
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		ids:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(m)
	}

	if client == nil {
		return nil, fmt.Errorf("new manager: ledger client is nil")
	}
	if cursors == nil {
		return nil, fmt.Errorf("new manager: cursor store is nil")
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new manager: %w", err)
	}
	if m.metrics == nil {
		m.metrics = telemetry.Default()
	}
	if r := m.cfg.HistoricalRateLimit; r > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(r), max(1, int(math.Ceil(r))))
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.dispatcher = &dispatcher{
		ctx:      m.ctx,
		cfg:      m.cfg,
		metrics:  m.metrics,
		logger:   m.logger.With("component", "dispatcher"),
		ids:      m.ids,
		spawn:    m.newSynchronizer,
		accounts: make(map[ir.AccountKey]*accountEntry),
		subs:     make(map[string]*subscription),
		stopping: make(map[ir.AccountKey]chan struct{}),
	}
	return m, nil
}

func (m *Manager) newSynchronizer(account ir.AccountKey, s sink) *synchronizer {
	return &synchronizer{
		account: account,
		client:  m.client,
		cursors: m.cursors,
		cfg:     m.cfg,
		limiter: m.limiter,
		sink:    s,
		metrics: m.metrics,
		logger:  m.logger.With("component", "synchronizer"),
	}
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Run blocks until ctx is cancelled or Close is called, then shuts the
// Manager down.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("event manager started", "version", ir.EngineVersion)

	select {
	case <-ctx.Done():
	case <-m.ctx.Done():
	}
	m.Close()
	return nil
}

// Close stops every account and ends every Listener with a SHUTDOWN error.
// Blocks until all workers have exited.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.dispatcher.close()
		m.logger.Info("event manager stopped")
	})
	return nil
}

// Listen subscribes to account. The Listener is released when ctx ends or
// when Release is called, whichever comes first.
func (m *Manager) Listen(ctx context.Context, account ir.AccountKey) (*Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if account == "" {
		return nil, fmt.Errorf("listen: account key is empty")
	}

	sub, err := m.dispatcher.subscribe(account)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", account, err)
	}
	l := &Listener{
		dispatcher: m.dispatcher,
		sub:        sub,
	}
	stop := context.AfterFunc(ctx, l.Release)
	l.stopAfter.Store(&stop)
	return l, nil
}

// WithListener runs fn with a Listener on account and releases it when fn
// returns or panics.
func (m *Manager) WithListener(ctx context.Context, account ir.AccountKey, fn func(*Listener) error) error {
	l, err := m.Listen(ctx, account)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn(l)
}

// State reports the synchronizer state of account. The second result is
// false when the account has no running synchronizer.
func (m *Manager) State(account ir.AccountKey) (ir.WorkerState, bool) {
	return m.dispatcher.state(account)
}

// Subscriptions reports how many Listeners are open on account.
func (m *Manager) Subscriptions(account ir.AccountKey) int {
	return m.dispatcher.subscriptions(account)
}
