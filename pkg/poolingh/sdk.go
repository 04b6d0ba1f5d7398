// Package poolingh provides a public SDK for embedding a credential-pooled
// search miner as a library.
//
// Example usage:
//
//	miner := poolingh.NewMiner(
//	    poolingh.WithTokens("token-a", "token-b", "token-c"),
//	    poolingh.WithMaxPerRequest(5),
//	    poolingh.WithOutput("jsonl", "./output"),
//	)
//
//	miner.OnResult(func(res poolingh.Result) {
//	    log.Printf("got %d bytes", len(res.Body))
//	})
//
//	miner.Push("https://api.example.com/search?q=golang", poolingh.Params{})
//	if err := miner.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	miner.Wait()
package poolingh

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/poolingh/poolingh/internal/config"
	"github.com/poolingh/poolingh/internal/ghpool"
	"github.com/poolingh/poolingh/internal/observability"
	"github.com/poolingh/poolingh/internal/storage"
	"github.com/poolingh/poolingh/internal/transport"
)

// Result is re-exported so callers don't need to import internal/ghpool
// directly for the common case.
type Result = ghpool.Result

// ResultCallback runs once per successful dispatch.
type ResultCallback func(Result)

// Miner is the high-level API for embedding the credential pool as a library.
type Miner struct {
	cfg      *config.Config
	tokens   []string
	logger   *slog.Logger
	metrics  *observability.Metrics
	onResult ResultCallback
	limiter  *rate.Limiter

	queue *ghpool.Queue
	sink  storage.Sink
}

// Option configures a Miner.
type Option func(*Miner)

// WithTokens sets the pool of credentials to dispatch requests across.
func WithTokens(tokens ...string) Option {
	return func(m *Miner) { m.tokens = tokens }
}

// WithMaxPerRequest sets how many failed attempts a single request may
// accumulate before it's abandoned (so it is retried at most n-1 times).
func WithMaxPerRequest(n int) Option {
	return func(m *Miner) { m.cfg.Pool.MaxPerRequest = n }
}

// WithMaxTotal sets the global failure budget before the pool aborts.
func WithMaxTotal(n int) Option {
	return func(m *Miner) { m.cfg.Pool.MaxTotal = n }
}

// WithSafetyMargin sets how many requests of headroom a client keeps before
// proactively pausing itself.
func WithSafetyMargin(n int) Option {
	return func(m *Miner) { m.cfg.Client.SafetyMargin = n }
}

// WithResumeBuffer sets the extra delay added after a rate-limit reset
// before a paused client resumes.
func WithResumeBuffer(d time.Duration) Option {
	return func(m *Miner) { m.cfg.Client.ResumeBuffer = d }
}

// WithOutput sets the sink type ("jsonl", "csv", "mongo", "postgres") and
// its destination (a directory for file sinks, a DSN for database sinks).
func WithOutput(sinkType, dest string) Option {
	return func(m *Miner) {
		m.cfg.Storage.Type = sinkType
		if sinkType == "mongo" || sinkType == "postgres" {
			m.cfg.Storage.DSN = dest
		} else {
			m.cfg.Storage.OutputPath = dest
		}
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(m *Miner) { m.cfg.Transport.UserAgent = ua }
}

// WithRequestTimeout bounds how long a single dispatch may take.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Miner) { m.cfg.Transport.RequestTimeout = d }
}

// WithGlobalQPS caps the aggregate dispatch rate across all clients,
// independent of the per-client rate-limit state machine.
func WithGlobalQPS(qps float64) Option {
	return func(m *Miner) { m.cfg.Pool.GlobalQPS = qps }
}

// WithVerbose enables debug-level logging.
func WithVerbose() Option {
	return func(m *Miner) { m.cfg.Logging.Level = "debug" }
}

// WithLogger overrides the default stderr logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Miner) { m.logger = logger }
}

// NewMiner creates a new Miner with the given options.
func NewMiner(opts ...Option) *Miner {
	m := &Miner{cfg: config.DefaultConfig()}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		level := slog.LevelInfo
		if m.cfg.Logging.Level == "debug" {
			level = slog.LevelDebug
		}
		m.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	m.metrics = observability.NewMetrics(m.logger)

	if m.cfg.Pool.GlobalQPS > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(m.cfg.Pool.GlobalQPS), int(m.cfg.Pool.GlobalQPS)+1)
	}

	return m
}

// OnResult registers the callback applied to every request pushed through
// Push that does not carry its own callback.
func (m *Miner) OnResult(cb ResultCallback) {
	m.onResult = cb
}

// Push enqueues one search request. If the Miner has no OnResult callback
// registered, the result is discarded once dispatched.
func (m *Miner) Push(url string, params ghpool.Params) error {
	var cb ghpool.Callback
	if m.onResult != nil {
		user := m.onResult
		cb = func(res ghpool.Result) any {
			user(res)
			return nil
		}
	}
	req, err := ghpool.NewRequest(url, params, cb)
	if err != nil {
		return err
	}
	if m.queue == nil {
		if err := m.build(); err != nil {
			return err
		}
	}
	m.queue.Push(req)
	return nil
}

// Start builds the client pool (if not already built) and begins dispatch.
func (m *Miner) Start() error {
	if m.queue == nil {
		if err := m.build(); err != nil {
			return err
		}
	}
	return m.queue.Start()
}

func (m *Miner) build() error {
	if len(m.tokens) == 0 {
		return fmt.Errorf("at least one credential token is required")
	}

	executor := transport.New(m.cfg.Transport.RequestTimeout,
		transport.WithUserAgent(m.cfg.Transport.UserAgent),
		transport.WithMaxBodySize(m.cfg.Transport.MaxBodySize),
		transport.WithLogger(m.logger),
	)

	clients := make([]*ghpool.Client, len(m.tokens))
	for i, tok := range m.tokens {
		clients[i] = ghpool.NewClient(tok, executor,
			ghpool.WithSafetyMargin(m.cfg.Client.SafetyMargin),
			ghpool.WithResumeBuffer(m.cfg.Client.ResumeBuffer),
			ghpool.WithClientLogger(m.logger),
			ghpool.WithClientMetrics(m.metrics),
		)
	}

	if m.cfg.Storage.Type != "" && m.cfg.Storage.Type != "none" {
		sink, err := m.buildSink()
		if err != nil {
			return fmt.Errorf("build storage sink: %w", err)
		}
		m.sink = sink
	}

	queueOpts := []ghpool.QueueOption{
		ghpool.WithMaxPerRequest(m.cfg.Pool.MaxPerRequest),
		ghpool.WithMaxTotal(m.cfg.Pool.MaxTotal),
		ghpool.WithQueueLogger(m.logger),
		ghpool.WithMetrics(m.metrics),
	}
	if m.limiter != nil {
		queueOpts = append(queueOpts, ghpool.WithGlobalLimiter(m.limiter))
	}
	if m.cfg.Pool.IdleWait > 0 {
		queueOpts = append(queueOpts, ghpool.WithIdleWait(m.cfg.Pool.IdleWait))
	}

	m.queue = ghpool.NewQueue(clients, queueOpts...)
	return nil
}

func (m *Miner) buildSink() (storage.Sink, error) {
	switch m.cfg.Storage.Type {
	case "jsonl", "csv":
		return storage.NewFileSink(m.cfg.Storage.Type, m.cfg.Storage.OutputPath, m.logger)
	case "mongo":
		return storage.NewMongoSink(m.cfg.Storage.DSN, m.cfg.Storage.Database, m.cfg.Storage.Collection, m.logger)
	case "postgres":
		return storage.NewPostgresSink(context.Background(), m.cfg.Storage.DSN, m.cfg.Storage.Collection, m.logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", m.cfg.Storage.Type)
	}
}

// Sink returns the configured result sink, if any, so callers can route
// OnResult output into it directly.
func (m *Miner) Sink() storage.Sink { return m.sink }

// Wait blocks until the dispatch loop exits (stopped, or global error
// budget exhausted).
func (m *Miner) Wait() {
	if m.queue != nil {
		m.queue.Wait()
	}
}

// Stop signals the dispatch loop to exit after the current tick.
func (m *Miner) Stop() {
	if m.queue != nil {
		m.queue.Stop()
	}
	if m.sink != nil {
		_ = m.sink.Close()
	}
}

// QueueLength returns the current backlog depth.
func (m *Miner) QueueLength() int {
	if m.queue == nil {
		return 0
	}
	return m.queue.GetQueueLength()
}

// Stats returns operational metrics for the pool.
func (m *Miner) Stats() map[string]any {
	return m.metrics.Snapshot()
}
