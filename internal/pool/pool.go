package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mcps/internal/config"
	"mcps/internal/jsonval"
	"mcps/internal/logging"
	"mcps/internal/mcpclient"
	"mcps/internal/metrics"
	"mcps/internal/proctrack"
	"mcps/internal/services"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultCloseTimeout   = 2 * time.Second
	countFetchTimeout     = 2 * time.Second

	// maxSupersededRetries bounds how often a caller follows a connect that
	// was superseded by a close or restart of the same name.
	maxSupersededRetries = 2
)

// errSuperseded marks a connect whose name was closed while it ran.
var errSuperseded = errors.New("session closed while connecting")

// Phase describes bulk initialization progress.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseReady        Phase = "ready"
)

// DescriptorSource resolves server descriptors.
type DescriptorSource interface {
	// Descriptor returns the resolved, enabled descriptor for name, failing
	// with services.ErrConfigNotFound when it is missing or disabled.
	Descriptor(name string) (config.ServerDescriptor, error)
	// Enabled lists every enabled descriptor.
	Enabled() ([]config.ServerDescriptor, error)
}

// Options configures a Pool.
type Options struct {
	Source    DescriptorSource
	Connector mcpclient.Connector
	// Tracker attributes spawned processes to sessions; nil disables tracking.
	Tracker *proctrack.Tracker
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	ConnectTimeout time.Duration
	InitTimeout    time.Duration
	CloseTimeout   time.Duration
}

// Pool is the session registry.
type Pool struct {
	source    DescriptorSource
	connector mcpclient.Connector
	tracker   *proctrack.Tracker
	metrics   *metrics.Metrics
	logger    *slog.Logger

	connectTimeout time.Duration
	initTimeout    time.Duration
	closeTimeout   time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	phase    Phase
	// gens counts closes per name and epoch counts CloseAll calls. A connect
	// only registers its session when both are unchanged since it started.
	gens   map[string]uint64
	epoch  uint64
	closed bool
}

type generation struct {
	epoch uint64
	name  uint64
}

func (g generation) key(name string) string {
	return fmt.Sprintf("%s@%d.%d", name, g.epoch, g.name)
}

// New builds an empty pool in PhaseIdle.
func New(opts Options) (*Pool, error) {
	if opts.Source == nil || opts.Connector == nil {
		return nil, errors.New("pool requires a descriptor source and a connector")
	}
	p := &Pool{
		source:         opts.Source,
		connector:      opts.Connector,
		tracker:        opts.Tracker,
		metrics:        opts.Metrics,
		logger:         logging.NewComponentLogger(opts.Logger, "pool"),
		connectTimeout: opts.ConnectTimeout,
		initTimeout:    opts.InitTimeout,
		closeTimeout:   opts.CloseTimeout,
		sessions:       make(map[string]*Session),
		gens:           make(map[string]uint64),
		phase:          PhaseIdle,
	}
	if p.connectTimeout <= 0 {
		p.connectTimeout = defaultConnectTimeout
	}
	if p.initTimeout <= 0 {
		p.initTimeout = p.connectTimeout
	}
	if p.closeTimeout <= 0 {
		p.closeTimeout = defaultCloseTimeout
	}
	return p, nil
}

// ConnectTimeout returns the default connect budget.
func (p *Pool) ConnectTimeout() time.Duration {
	return p.connectTimeout
}

// Lookup returns the registered session for name.
func (p *Pool) Lookup(name string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[name]
	return s, ok
}

// Len returns the number of registered sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Phase returns the initialization phase.
func (p *Pool) Phase() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

func (p *Pool) setPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// GetOrCreate returns the registered session for name, connecting it first
// if needed. Concurrent callers for one name share a single connect. A
// timeout of zero selects the pool default.
func (p *Pool) GetOrCreate(ctx context.Context, name string, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = p.connectTimeout
	}
	for attempt := 0; ; attempt++ {
		if s, ok := p.Lookup(name); ok {
			return s, nil
		}
		gen, err := p.generation(name)
		if err != nil {
			return nil, err
		}
		v, err, _ := p.group.Do(gen.key(name), func() (any, error) {
			if s, ok := p.Lookup(name); ok {
				return s, nil
			}
			desc, err := p.source.Descriptor(name)
			if err != nil {
				if errors.Is(err, services.ErrConfigNotFound) {
					return nil, err
				}
				return nil, services.Wrap(services.ErrConnectFailed, name, "resolve", "", err)
			}
			return p.connect(context.WithoutCancel(ctx), desc, timeout, gen)
		})
		if errors.Is(err, errSuperseded) {
			if attempt < maxSupersededRetries {
				continue
			}
			return nil, services.Wrap(services.ErrConnectFailed, name, "connect", "", err)
		}
		if err != nil {
			return nil, err
		}
		return v.(*Session), nil
	}
}

// generation returns the registry generation for name. It fails once the
// pool is shut down.
func (p *Pool) generation(name string) (generation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return generation{}, services.Wrap(services.ErrConnectFailed, name, "connect", "pool is shut down", nil)
	}
	return generation{epoch: p.epoch, name: p.gens[name]}, nil
}

type connectResult struct {
	conn mcpclient.Conn
	err  error
}

func (p *Pool) connect(ctx context.Context, desc config.ServerDescriptor, timeout time.Duration, gen generation) (*Session, error) {
	logger := p.logger.With(logging.String(logging.FieldServer, desc.Name))
	logger.Info("connecting", logging.String("type", desc.Kind.Label()), logging.String("target", desc.Target()))
	started := time.Now()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan connectResult, 1)
	go func() {
		conn, err := p.connector.Connect(connectCtx, desc)
		results <- connectResult{conn: conn, err: err}
	}()

	var res connectResult
	select {
	case res = <-results:
	case <-connectCtx.Done():
		go p.reapOrphan(desc, results)
		err := services.Wrap(services.ErrConnectTimeout, desc.Name, "connect", fmt.Sprintf("no response within %s", timeout), nil)
		p.metrics.RecordConnect(desc.Name, err, time.Since(started))
		logger.Warn("connect timed out", logging.Duration("timeout", timeout), logging.String(logging.FieldEventType, "connect_timeout"))
		return nil, err
	}
	if res.err != nil {
		marker := services.ErrConnectFailed
		if errors.Is(res.err, context.DeadlineExceeded) {
			marker = services.ErrConnectTimeout
		}
		err := services.Wrap(marker, desc.Name, "connect", "", res.err)
		p.metrics.RecordConnect(desc.Name, err, time.Since(started))
		logger.Warn("connect failed", logging.Error(err), logging.ErrorKind(err), logging.String(logging.FieldEventType, "connect_failed"))
		return nil, err
	}

	session := newSession(desc, res.conn)
	if p.tracker != nil && desc.Kind == config.KindProcess {
		session.setPIDs(p.tracker.Discover(ctx, desc, res.conn.PID()))
	}

	listCtx, listCancel := context.WithTimeout(ctx, timeout)
	tools, listErr := session.refreshTools(listCtx)
	listCancel()

	p.mu.Lock()
	current := !p.closed && p.epoch == gen.epoch && p.gens[desc.Name] == gen.name
	if current {
		p.sessions[desc.Name] = session
	}
	p.mu.Unlock()
	if !current {
		p.closeSession(session)
		logger.Info("connect superseded by close; session discarded",
			logging.String(logging.FieldEventType, "connect_superseded"),
		)
		return nil, errSuperseded
	}

	p.metrics.RecordConnect(desc.Name, nil, time.Since(started))
	if listErr != nil {
		logging.WarnWithContext(logger, "connected but tool list failed", "list_failed",
			logging.Error(listErr),
			logging.String(logging.FieldImpact, "session kept for direct invocation; tool count unknown"),
		)
	} else {
		logger.Info("session connected",
			logging.Int("tools", len(tools)),
			logging.Int("pids", len(session.OwnedPIDs())),
			logging.Duration("elapsed", time.Since(started)),
		)
	}
	return session, nil
}

// reapOrphan cleans up a connect whose caller already gave up.
func (p *Pool) reapOrphan(desc config.ServerDescriptor, results <-chan connectResult) {
	res := <-results
	if res.conn == nil {
		return
	}
	var pids []int
	if p.tracker != nil && desc.Kind == config.KindProcess {
		pids = p.tracker.Discover(context.Background(), desc, res.conn.PID())
		p.tracker.Kill(desc.Name, pids)
		p.metrics.RecordKills(len(pids))
	}
	closeConn(desc.Name, res.conn, p.closeTimeout, p.logger)
	p.logger.Info("orphaned connection closed",
		logging.String(logging.FieldServer, desc.Name),
		logging.Int("pids", len(pids)),
	)
}

// Close removes the session for name after killing its processes. It
// reports whether a session was present. A connect for name that is still
// running is discarded when it completes.
func (p *Pool) Close(name string) bool {
	p.mu.Lock()
	s, ok := p.sessions[name]
	delete(p.sessions, name)
	p.gens[name]++
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.closeSession(s)
	return true
}

func (p *Pool) closeSession(s *Session) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("session close panicked", logging.String(logging.FieldServer, s.Name), logging.Any("panic", r))
		}
	}()
	killed := s.close(p.tracker, p.closeTimeout, p.logger)
	p.metrics.RecordKills(killed)
	p.logger.Info("session closed", logging.String(logging.FieldServer, s.Name), logging.Int("killed", killed))
}

// CloseAll closes every session concurrently and always empties the registry.
// Connects still running are discarded when they complete.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.epoch++
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			p.closeSession(s)
		}(s)
	}
	wg.Wait()
}

// Shutdown closes every session and refuses new connects for the lifetime
// of the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.CloseAll()
}

// InitResult is the outcome for one backend during bulk initialization.
type InitResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Tools *int   `json:"tools,omitempty"`
	Error string `json:"error,omitempty"`
}

// InitReport summarizes InitializeAll.
type InitReport struct {
	Results []InitResult `json:"results"`
	// Err is set when the descriptor list itself could not be read.
	Err error `json:"-"`
}

// Succeeded returns the names that connected.
func (r InitReport) Succeeded() []string {
	var names []string
	for _, res := range r.Results {
		if res.OK {
			names = append(names, res.Name)
		}
	}
	return names
}

// Failed returns the results that did not connect.
func (r InitReport) Failed() []InitResult {
	var failed []InitResult
	for _, res := range r.Results {
		if !res.OK {
			failed = append(failed, res)
		}
	}
	return failed
}

// InitializeAll connects every enabled backend in turn, each bounded by the
// init timeout. Failures are recorded and never abort the walk. The phase is
// PhaseReady on return.
func (p *Pool) InitializeAll(ctx context.Context) InitReport {
	p.setPhase(PhaseInitializing)
	defer p.setPhase(PhaseReady)

	var report InitReport
	descs, err := p.source.Enabled()
	if err != nil {
		report.Err = err
		logging.ErrorWithContext(p.logger, "load server descriptors failed", "init_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check mcp.json syntax"),
		)
		return report
	}

	started := time.Now()
	for _, desc := range descs {
		result := InitResult{Name: desc.Name}
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Error = ctxErr.Error()
			report.Results = append(report.Results, result)
			continue
		}
		s, err := p.GetOrCreate(ctx, desc.Name, p.initTimeout)
		if err != nil {
			result.Error = err.Error()
			p.metrics.RecordInitFailure()
		} else {
			result.OK = true
			if count, ok := s.ToolCount(); ok {
				result.Tools = &count
			}
		}
		report.Results = append(report.Results, result)
	}

	p.logger.Info("initialization complete",
		logging.Int("connected", len(report.Succeeded())),
		logging.Int("failed", len(report.Failed())),
		logging.Duration("elapsed", time.Since(started)),
	)
	return report
}

// Tools returns the tool list for name, connecting first if needed.
func (p *Pool) Tools(ctx context.Context, name string, timeout time.Duration) ([]mcpclient.Tool, error) {
	s, err := p.GetOrCreate(ctx, name, timeout)
	if err != nil {
		return nil, err
	}
	return s.Tools(ctx)
}

// Call invokes tool on name, connecting first if needed.
func (p *Pool) Call(ctx context.Context, name, tool string, args jsonval.Object, timeout time.Duration) (*mcpclient.CallResult, error) {
	s, err := p.GetOrCreate(ctx, name, timeout)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	result, err := s.Call(ctx, tool, args)
	p.metrics.RecordCall(name, err, result != nil && result.IsError, time.Since(started))
	return result, err
}

// Restart reconnects one backend. Unknown names fail with
// services.ErrConfigNotFound and leave every session untouched.
func (p *Pool) Restart(ctx context.Context, name string, timeout time.Duration) (*Session, error) {
	if _, err := p.source.Descriptor(name); err != nil {
		if errors.Is(err, services.ErrConfigNotFound) {
			return nil, err
		}
		return nil, services.Wrap(services.ErrConnectFailed, name, "restart", "", err)
	}
	p.Close(name)
	return p.GetOrCreate(ctx, name, timeout)
}

// RestartAll closes every session and runs a fresh bulk initialization.
func (p *Pool) RestartAll(ctx context.Context) InitReport {
	p.setPhase(PhaseInitializing)
	p.CloseAll()
	return p.InitializeAll(ctx)
}

// Invalidate closes the sessions for names that are registered and returns
// the ones it closed. The next request reconnects with fresh settings.
func (p *Pool) Invalidate(names ...string) []string {
	var closed []string
	for _, name := range names {
		if p.Close(name) {
			closed = append(closed, name)
		}
	}
	sort.Strings(closed)
	return closed
}
