package pool_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mcps/internal/jsonval"
	"mcps/internal/logging"
	"mcps/internal/pool"
	"mcps/internal/proctrack"
	"mcps/internal/services"
	"mcps/internal/testsupport"
)

const selfPID = 1000

func newPool(t *testing.T, source pool.DescriptorSource, connector *testsupport.FakeConnector, tracker *proctrack.Tracker) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Options{
		Source:         source,
		Connector:      connector,
		Tracker:        tracker,
		Logger:         logging.NewNop(),
		ConnectTimeout: 2 * time.Second,
		CloseTimeout:   200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(p.CloseAll)
	return p
}

func threeServers() *testsupport.StaticSource {
	return testsupport.NewStaticSource(
		testsupport.ProcessServer("a", "server-a"),
		testsupport.ProcessServer("b", "server-b"),
		testsupport.ProcessServer("c", "server-c"),
	)
}

func TestNewRequiresSourceAndConnector(t *testing.T) {
	if _, err := pool.New(pool.Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}

func TestGetOrCreateReusesSession(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	p := newPool(t, threeServers(), connector, nil)

	first, err := p.GetOrCreate(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := p.GetOrCreate(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if first != second {
		t.Fatal("expected the same session on the second call")
	}
	if got := connector.Connects("a"); got != 1 {
		t.Fatalf("expected one connect, got %d", got)
	}
	if first.State() != pool.StateConnected {
		t.Fatalf("expected connected state, got %s", first.State())
	}
	if count, ok := first.ToolCount(); !ok || count != 1 {
		t.Fatalf("expected cached count 1, got %d (%v)", count, ok)
	}
}

func TestGetOrCreateConcurrentCallersShareConnect(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.Delay["a"] = 50 * time.Millisecond
	p := newPool(t, threeServers(), connector, nil)

	const callers = 8
	sessions := make([]*pool.Session, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = p.GetOrCreate(context.Background(), "a", 0)
		}(i)
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if sessions[i] != sessions[0] {
			t.Fatalf("caller %d received a different session", i)
		}
	}
	if got := connector.Connects("a"); got != 1 {
		t.Fatalf("expected exactly one connect, got %d", got)
	}
	if p.Len() != 1 {
		t.Fatalf("expected one registered session, got %d", p.Len())
	}
}

func TestGetOrCreateUnknownServer(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	p := newPool(t, threeServers(), connector, nil)

	_, err := p.GetOrCreate(context.Background(), "missing", 0)
	if !errors.Is(err, services.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
	if connector.Connects("missing") != 0 {
		t.Fatal("connector must not be called for unknown servers")
	}
}

func TestGetOrCreateConnectFailureIsNotRegistered(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.ConnectErr["b"] = errors.New("exec: server-b: not found")
	p := newPool(t, threeServers(), connector, nil)

	_, err := p.GetOrCreate(context.Background(), "b", 0)
	if !errors.Is(err, services.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if _, ok := p.Lookup("b"); ok {
		t.Fatal("failed connect must not register a session")
	}
}

func TestGetOrCreateTimeoutClosesOrphan(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.Delay["a"] = 200 * time.Millisecond
	p := newPool(t, threeServers(), connector, nil)

	started := time.Now()
	_, err := p.GetOrCreate(context.Background(), "a", 30*time.Millisecond)
	if !errors.Is(err, services.ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 150*time.Millisecond {
		t.Fatalf("caller waited for the stalled connect: %s", elapsed)
	}
	if p.Len() != 0 {
		t.Fatalf("timed out connect must not be registered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conns := connector.Conns()
		if len(conns) == 1 && conns[0].Closed() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("late connection was never closed")
}

func TestListFailureKeepsSessionInErrorState(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.ListErr["b"] = errors.New("method not found")
	p := newPool(t, threeServers(), connector, nil)

	s, err := p.GetOrCreate(context.Background(), "b", 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s.State() != pool.StateError {
		t.Fatalf("expected error state, got %s", s.State())
	}
	if !errors.Is(s.Err(), services.ErrListFailed) {
		t.Fatalf("expected ErrListFailed, got %v", s.Err())
	}
	if _, ok := s.ToolCount(); ok {
		t.Fatal("tool count must be unknown after a failed list")
	}

	status := p.Status()
	if len(status.Sessions) != 1 || status.Sessions[0].Status != pool.StateError || status.Sessions[0].ToolsCount != nil {
		t.Fatalf("unexpected status %+v", status.Sessions)
	}

	// Direct invocation still works on an error-state session.
	result, err := p.Call(context.Background(), "b", "echo", jsonval.Object{"x": jsonval.Int(1)}, 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, `{"x":1}`) {
		t.Fatalf("unexpected result %+v", result.Content)
	}
}

func TestInitializeAllRecordsFailuresAndContinues(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.ConnectErr["b"] = errors.New("boom")
	p := newPool(t, threeServers(), connector, nil)

	if p.Phase() != pool.PhaseIdle {
		t.Fatalf("expected idle phase, got %s", p.Phase())
	}
	report := p.InitializeAll(context.Background())

	if got := report.Succeeded(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("expected [a c] connected, got %v", got)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Name != "b" || failed[0].Error == "" {
		t.Fatalf("expected b failure, got %+v", failed)
	}
	if p.Phase() != pool.PhaseReady {
		t.Fatalf("expected ready phase, got %s", p.Phase())
	}
	if p.Len() != 2 {
		t.Fatalf("expected two sessions, got %d", p.Len())
	}
}

func TestInitializeAllSkipsDisabled(t *testing.T) {
	disabled := testsupport.ProcessServer("off", "server-off")
	disabled.Disabled = true
	source := testsupport.NewStaticSource(testsupport.ProcessServer("a", "server-a"), disabled)
	connector := testsupport.NewFakeConnector()
	p := newPool(t, source, connector, nil)

	report := p.InitializeAll(context.Background())
	if len(report.Results) != 1 || report.Results[0].Name != "a" {
		t.Fatalf("expected only a, got %+v", report.Results)
	}
	if connector.Connects("off") != 0 {
		t.Fatal("disabled server must not be connected")
	}
}

func TestCloseAllEmptiesRegistryDespiteCloseErrors(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.CloseErr["a"] = errors.New("broken pipe")
	p := newPool(t, threeServers(), connector, nil)
	p.InitializeAll(context.Background())

	p.CloseAll()

	if p.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", p.Len())
	}
	for _, conn := range connector.Conns() {
		if !conn.Closed() {
			t.Fatalf("connection %s not closed", conn.Server)
		}
	}
}

func TestCloseKillsOwnedProcesses(t *testing.T) {
	procs := testsupport.NewFakeProcesses()
	tracker := proctrack.New(proctrack.Options{Discoverer: procs, Killer: procs, Self: selfPID})

	connector := testsupport.NewFakeConnector()
	connector.PIDs["fs"] = 3001
	procs.Spawn(selfPID, 3001, "npx -y @modelcontextprotocol/server-filesystem /tmp")
	procs.Spawn(3001, 3002, "node mcp-server-filesystem /tmp")
	procs.Spawn(selfPID, 3999, "unrelated-daemon")

	source := testsupport.NewStaticSource(testsupport.ProcessServer("fs", "npx", "-y", "@modelcontextprotocol/server-filesystem", "/tmp"))
	p := newPool(t, source, connector, tracker)

	s, err := p.GetOrCreate(context.Background(), "fs", 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if pids := s.OwnedPIDs(); len(pids) != 2 || pids[0] != 3001 || pids[1] != 3002 {
		t.Fatalf("expected owned [3001 3002], got %v", pids)
	}

	procs.Exit(3002)
	if !p.Close("fs") {
		t.Fatal("expected Close to report a removed session")
	}
	if killed := procs.Killed(); len(killed) != 1 || killed[0] != 3001 {
		t.Fatalf("expected 3001 killed, got %v", killed)
	}
	if p.Close("fs") {
		t.Fatal("second Close must report nothing removed")
	}
}

func TestRestartUnknownLeavesSessionsUntouched(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	p := newPool(t, threeServers(), connector, nil)
	p.InitializeAll(context.Background())
	before, _ := p.Lookup("a")

	_, err := p.Restart(context.Background(), "unknown", 0)
	if !errors.Is(err, services.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
	after, _ := p.Lookup("a")
	if before != after || p.Len() != 3 {
		t.Fatal("restart of unknown server disturbed existing sessions")
	}
}

func TestRestartReconnects(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	p := newPool(t, threeServers(), connector, nil)

	old, err := p.GetOrCreate(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	fresh, err := p.Restart(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if fresh == old {
		t.Fatal("expected a new session after restart")
	}
	if connector.Connects("a") != 2 {
		t.Fatalf("expected two connects, got %d", connector.Connects("a"))
	}
	if !connector.Conns()[0].Closed() {
		t.Fatal("old connection not closed")
	}
}

func TestRestartAllReinitializes(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	p := newPool(t, threeServers(), connector, nil)
	p.InitializeAll(context.Background())

	report := p.RestartAll(context.Background())
	if len(report.Succeeded()) != 3 {
		t.Fatalf("expected three reconnects, got %+v", report.Results)
	}
	for _, name := range []string{"a", "b", "c"} {
		if connector.Connects(name) != 2 {
			t.Fatalf("expected %s connected twice, got %d", name, connector.Connects(name))
		}
	}
}

func TestCallOutcomes(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	p := newPool(t, threeServers(), connector, nil)
	ctx := context.Background()

	result, err := p.Call(ctx, "a", "reject", nil, 0)
	if err != nil {
		t.Fatalf("isError results must not be errors: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError result")
	}

	if _, err := p.Call(ctx, "a", "fail", nil, 0); !errors.Is(err, services.ErrInvocationFailed) {
		t.Fatalf("expected ErrInvocationFailed, got %v", err)
	}
	if _, ok := p.Lookup("a"); !ok {
		t.Fatal("failed call must keep the session")
	}
}

func TestInvalidateClosesOnlyRegistered(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	p := newPool(t, threeServers(), connector, nil)
	if _, err := p.GetOrCreate(context.Background(), "a", 0); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	closed := p.Invalidate("zzz", "a", "b")
	if len(closed) != 1 || closed[0] != "a" {
		t.Fatalf("expected [a], got %v", closed)
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", p.Len())
	}
}

func TestDetailsFetchesMissingCountsOnce(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.ListErr["b"] = errors.New("flaky")
	p := newPool(t, threeServers(), connector, nil)
	p.InitializeAll(context.Background())

	status := p.Details(context.Background(), true)
	if !status.Initialized() || status.Initializing() {
		t.Fatalf("unexpected phase %s", status.Phase)
	}
	if len(status.Sessions) != 3 {
		t.Fatalf("expected three sessions, got %d", len(status.Sessions))
	}
	for _, s := range status.Sessions {
		switch s.Name {
		case "b":
			if s.ToolsCount != nil {
				t.Fatalf("expected unknown count for b, got %d", *s.ToolsCount)
			}
		default:
			if s.ToolsCount == nil || *s.ToolsCount != 1 {
				t.Fatalf("expected count 1 for %s", s.Name)
			}
		}
	}

	var lists int
	for _, conn := range connector.Conns() {
		if conn.Server == "b" {
			lists = conn.Lists()
		}
	}
	if lists != 2 {
		t.Fatalf("expected one extra list attempt for b, got %d total", lists)
	}

	plain := p.Details(context.Background(), false)
	for _, s := range plain.Sessions {
		if s.ToolsCount != nil {
			t.Fatalf("counts must be omitted without includeCounts")
		}
	}
}

type connectOutcome struct {
	session *pool.Session
	err     error
}

// connectInBackground starts GetOrCreate for name and waits until the
// connector has seen the attempt.
func connectInBackground(t *testing.T, p *pool.Pool, connector *testsupport.FakeConnector, name string) <-chan connectOutcome {
	t.Helper()
	before := connector.Connects(name)
	out := make(chan connectOutcome, 1)
	go func() {
		s, err := p.GetOrCreate(context.Background(), name, 0)
		out <- connectOutcome{session: s, err: err}
	}()
	deadline := time.Now().Add(time.Second)
	for connector.Connects(name) == before {
		if time.Now().After(deadline) {
			t.Fatalf("connect for %s never started", name)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return out
}

func waitOutcome(t *testing.T, out <-chan connectOutcome) connectOutcome {
	t.Helper()
	select {
	case res := <-out:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for GetOrCreate")
		return connectOutcome{}
	}
}

func TestShutdownDiscardsInFlightConnect(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.Delay["a"] = 200 * time.Millisecond
	p := newPool(t, threeServers(), connector, nil)

	pending := connectInBackground(t, p, connector, "a")
	p.Shutdown()

	res := waitOutcome(t, pending)
	if !errors.Is(res.err, services.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed after shutdown, got %v", res.err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty registry after shutdown, got %d", p.Len())
	}
	conns := connector.Conns()
	if len(conns) != 1 || !conns[0].Closed() {
		t.Fatalf("expected the late connection to be closed, got %d conns", len(conns))
	}
	if connector.Connects("a") != 1 {
		t.Fatalf("expected no reconnect after shutdown, got %d connects", connector.Connects("a"))
	}

	if _, err := p.GetOrCreate(context.Background(), "b", 0); !errors.Is(err, services.ErrConnectFailed) {
		t.Fatalf("expected shut down pool to refuse connects, got %v", err)
	}
	if connector.Connects("b") != 0 {
		t.Fatal("shut down pool dialled a backend")
	}
}

func TestShutdownKillsProcessesOfInFlightConnect(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.Delay["a"] = 100 * time.Millisecond
	procs := testsupport.NewFakeProcesses()
	tracker := proctrack.New(proctrack.Options{Discoverer: procs, Killer: procs, Self: selfPID})
	connector.PIDs["a"] = 4100
	procs.Spawn(selfPID, 4100, "server-a --stdio")
	p := newPool(t, threeServers(), connector, tracker)

	pending := connectInBackground(t, p, connector, "a")
	p.Shutdown()
	waitOutcome(t, pending)

	if killed := procs.Killed(); len(killed) != 1 || killed[0] != 4100 {
		t.Fatalf("expected 4100 killed, got %v", killed)
	}
}

func TestCloseAllDuringConnectFollowsFreshSession(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.Delay["a"] = 150 * time.Millisecond
	p := newPool(t, threeServers(), connector, nil)

	pending := connectInBackground(t, p, connector, "a")
	p.CloseAll()

	res := waitOutcome(t, pending)
	if res.err != nil {
		t.Fatalf("GetOrCreate: %v", res.err)
	}
	if connector.Connects("a") != 2 {
		t.Fatalf("expected a second connect after CloseAll, got %d", connector.Connects("a"))
	}
	conns := connector.Conns()
	if len(conns) != 2 || !conns[0].Closed() || conns[1].Closed() {
		t.Fatal("expected the stale connection closed and the fresh one open")
	}
	if registered, ok := p.Lookup("a"); !ok || registered != res.session {
		t.Fatal("caller did not receive the registered session")
	}
}

func TestRestartDuringConnectReconnects(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.Delay["a"] = 150 * time.Millisecond
	p := newPool(t, threeServers(), connector, nil)

	pending := connectInBackground(t, p, connector, "a")
	fresh, err := p.Restart(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if connector.Connects("a") != 2 {
		t.Fatalf("expected restart to reconnect, got %d connects", connector.Connects("a"))
	}

	res := waitOutcome(t, pending)
	if res.err != nil {
		t.Fatalf("GetOrCreate: %v", res.err)
	}
	if res.session != fresh {
		t.Fatal("caller of the superseded connect did not receive the restarted session")
	}
	if registered, _ := p.Lookup("a"); registered != fresh {
		t.Fatal("registry does not hold the restarted session")
	}
	conns := connector.Conns()
	if len(conns) != 2 || !conns[0].Closed() || conns[1].Closed() {
		t.Fatal("expected the superseded connection closed and the restarted one open")
	}
}

func TestInvalidateDuringConnectDiscardsStaleSession(t *testing.T) {
	connector := testsupport.NewFakeConnector()
	connector.Delay["a"] = 100 * time.Millisecond
	p := newPool(t, threeServers(), connector, nil)

	pending := connectInBackground(t, p, connector, "a")
	if closed := p.Invalidate("a"); len(closed) != 0 {
		t.Fatalf("nothing was registered yet, got %v", closed)
	}

	res := waitOutcome(t, pending)
	if res.err != nil {
		t.Fatalf("GetOrCreate: %v", res.err)
	}
	if connector.Connects("a") != 2 {
		t.Fatalf("expected the invalidated connect to be redone, got %d", connector.Connects("a"))
	}
	if !connector.Conns()[0].Closed() {
		t.Fatal("stale connection left open")
	}
}
