package worker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/ctrl"
	"github.com/askmesh/askmesh/internal/store"
	"github.com/askmesh/askmesh/internal/worker"
)

const waitFor = 3 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// schedConn is the scheduler's end of one worker socket.
type schedConn struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan ctrl.Frame
}

// newFakeScheduler serves the control endpoint and hands each accepted
// worker socket to the test.
func newFakeScheduler(t *testing.T) (string, chan *schedConn) {
	t.Helper()
	conns := make(chan *schedConn, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(wr, r, nil)
		if err != nil {
			return
		}
		sc := &schedConn{t: t, conn: conn, frames: make(chan ctrl.Frame, 32)}
		conns <- sc
		for {
			var f ctrl.Frame
			if err := conn.ReadJSON(&f); err != nil {
				close(sc.frames)
				return
			}
			sc.frames <- f
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func waitConn(t *testing.T, conns chan *schedConn) *schedConn {
	t.Helper()
	select {
	case sc := <-conns:
		return sc
	case <-time.After(waitFor):
		t.Fatal("worker never connected")
		return nil
	}
}

func (sc *schedConn) close() { sc.conn.Close() }

func (sc *schedConn) send(typ ctrl.Type, data any) {
	sc.t.Helper()
	frame, err := ctrl.New(typ, data)
	if err != nil {
		sc.t.Fatalf("build %s frame: %v", typ, err)
	}
	if err := sc.conn.WriteJSON(frame); err != nil {
		sc.t.Fatalf("send %s frame: %v", typ, err)
	}
}

// expect waits for a frame of the wanted type. need_job ticks are noise
// unless they are what the test is after.
func (sc *schedConn) expect(typ ctrl.Type) ctrl.Frame {
	sc.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f, ok := <-sc.frames:
			if !ok {
				sc.t.Fatalf("socket closed waiting for %s", typ)
			}
			if f.Type == ctrl.TypeNeedJob && typ != ctrl.TypeNeedJob {
				continue
			}
			if f.Type != typ {
				sc.t.Fatalf("got %s frame, want %s", f.Type, typ)
			}
			return f
		case <-deadline:
			sc.t.Fatalf("no %s frame within %s", typ, waitFor)
		}
	}
}

func (sc *schedConn) expectHello() ctrl.ExpertsData {
	sc.t.Helper()
	var d ctrl.ExpertsData
	if err := sc.expect(ctrl.TypeExperts).Decode(&d); err != nil {
		sc.t.Fatalf("decode hello: %v", err)
	}
	return d
}

func (sc *schedConn) expectStarted() ctrl.StartedData {
	sc.t.Helper()
	var d ctrl.StartedData
	if err := sc.expect(ctrl.TypeStarted).Decode(&d); err != nil {
		sc.t.Fatalf("decode started: %v", err)
	}
	return d
}

func (sc *schedConn) expectStopped() ctrl.StoppedData {
	sc.t.Helper()
	var d ctrl.StoppedData
	if err := sc.expect(ctrl.TypeStopped).Decode(&d); err != nil {
		sc.t.Fatalf("decode stopped: %v", err)
	}
	return d
}

// fakeEngine runs until stopped, crashed or canceled.
type fakeEngine struct {
	row   *store.Expert
	nwc   string
	ready chan struct{}
	stop  chan struct{}
	crash chan error
	once  sync.Once
}

func (e *fakeEngine) Run(ctx context.Context) error {
	close(e.ready)
	select {
	case <-e.stop:
		return nil
	case err := <-e.crash:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *fakeEngine) Ready() <-chan struct{} { return e.ready }

func (e *fakeEngine) Close() { e.once.Do(func() { close(e.stop) }) }

func (e *fakeEngine) closedDown() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	fail  bool
	built []*fakeEngine
}

func (f *fakeFactory) build(row *store.Expert, nwc string) (worker.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("factory refused")
	}
	e := &fakeEngine{
		row:   row,
		nwc:   nwc,
		ready: make(chan struct{}),
		stop:  make(chan struct{}),
		crash: make(chan error, 1),
	}
	f.built = append(f.built, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) latest() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

func startWorker(t *testing.T, ctx context.Context, url string, f *fakeFactory, mutate func(*worker.Config)) *worker.Worker {
	t.Helper()
	cfg := worker.Config{
		SchedulerURL: url,
		AskEvery:     time.Hour,
		Backoff:      50 * time.Millisecond,
		StartWait:    2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := worker.New(cfg, worker.Deps{Factory: f.build, Log: zap.NewNop()})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(w.Close)
	go w.Run(ctx)
	return w
}

func jobRow(pk string) *store.Expert {
	return &store.Expert{
		Pubkey:   pk,
		Privkey:  "priv-" + pk,
		Nickname: "nick",
		WalletID: 1,
		Type:     "openai",
		Env:      map[string]string{"MODEL": "gpt"},
	}
}

// ── Handshake ────────────────────────────────────────────────────────────────

func TestHelloThenAsksForWork(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	w := startWorker(t, ctx, url, fac, nil)

	sc := waitConn(t, conns)
	hello := sc.expectHello()
	if hello.WorkerID != w.ID() {
		t.Errorf("hello worker id = %q, want %q", hello.WorkerID, w.ID())
	}
	if len(hello.Experts) != 0 {
		t.Errorf("hello experts = %v, want none", hello.Experts)
	}

	var ask ctrl.NeedJobData
	if err := sc.expect(ctrl.TypeNeedJob).Decode(&ask); err != nil {
		t.Fatalf("decode need_job: %v", err)
	}
	if ask.WorkerID != w.ID() {
		t.Errorf("need_job worker id = %q", ask.WorkerID)
	}
}

// ── Jobs ─────────────────────────────────────────────────────────────────────

func TestJobStartsInstance(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	w := startWorker(t, ctx, url, fac, nil)

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeJob, ctrl.JobData{ExpertPubkey: "pk1", Expert: jobRow("pk1"), NWC: "nostr+walletconnect://a"})

	started := sc.expectStarted()
	if started.Expert != "pk1" || started.WorkerID != w.ID() {
		t.Fatalf("started = %+v", started)
	}
	eng := fac.latest()
	if eng == nil || eng.row.Pubkey != "pk1" || eng.nwc != "nostr+walletconnect://a" {
		t.Fatalf("factory saw %+v", eng)
	}
}

func TestStopTearsInstanceDown(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	startWorker(t, ctx, url, fac, nil)

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeJob, ctrl.JobData{ExpertPubkey: "pk1", Expert: jobRow("pk1"), NWC: "n"})
	sc.expectStarted()

	sc.send(ctrl.TypeStop, ctrl.StopData{Expert: "pk1"})
	stopped := sc.expectStopped()
	if stopped.Expert != "pk1" {
		t.Fatalf("stopped = %+v", stopped)
	}
	if !fac.latest().closedDown() {
		t.Error("engine still running after stop")
	}
}

func TestStopForUnknownExpertStillConfirms(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	startWorker(t, ctx, url, fac, nil)

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeStop, ctrl.StopData{Expert: "ghost"})
	if stopped := sc.expectStopped(); stopped.Expert != "ghost" {
		t.Fatalf("stopped = %+v", stopped)
	}
}

func TestRestartSwapsInstance(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	startWorker(t, ctx, url, fac, nil)

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeJob, ctrl.JobData{ExpertPubkey: "pk1", Expert: jobRow("pk1"), NWC: "n1"})
	sc.expectStarted()
	first := fac.latest()

	updated := jobRow("pk1")
	updated.Env["MODEL"] = "gpt-large"
	sc.send(ctrl.TypeRestart, ctrl.RestartData{Expert: "pk1", Object: updated, NWC: "n2"})

	// A restart acknowledges with started only; no stopped report.
	if started := sc.expectStarted(); started.Expert != "pk1" {
		t.Fatalf("started = %+v", started)
	}
	if fac.count() != 2 {
		t.Fatalf("factory built %d engines, want 2", fac.count())
	}
	if !first.closedDown() {
		t.Error("old engine still running after restart")
	}
	second := fac.latest()
	if second.row.Env["MODEL"] != "gpt-large" || second.nwc != "n2" {
		t.Errorf("new engine row = %+v nwc = %q", second.row, second.nwc)
	}
}

func TestInstanceCrashReportsStopped(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	startWorker(t, ctx, url, fac, nil)

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeJob, ctrl.JobData{ExpertPubkey: "pk1", Expert: jobRow("pk1"), NWC: "n"})
	sc.expectStarted()

	fac.latest().crash <- errors.New("relay gone")
	if stopped := sc.expectStopped(); stopped.Expert != "pk1" {
		t.Fatalf("stopped = %+v", stopped)
	}
}

func TestFactoryFailureReportsStopped(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{fail: true}
	startWorker(t, ctx, url, fac, nil)

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeJob, ctrl.JobData{ExpertPubkey: "pk1", Expert: jobRow("pk1"), NWC: "n"})
	if stopped := sc.expectStopped(); stopped.Expert != "pk1" {
		t.Fatalf("stopped = %+v", stopped)
	}
	if fac.count() != 0 {
		t.Errorf("factory built %d engines", fac.count())
	}
}

// ── Capacity ─────────────────────────────────────────────────────────────────

func TestFullWorkerStopsAsking(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	startWorker(t, ctx, url, fac, func(cfg *worker.Config) {
		cfg.Capacity = 1
		cfg.AskEvery = 50 * time.Millisecond
	})

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeJob, ctrl.JobData{ExpertPubkey: "pk1", Expert: jobRow("pk1"), NWC: "n"})
	sc.expectStarted()

	// Absorb asks that were in flight while the job landed, then the
	// ticker has to stay quiet.
	drainUntil := time.After(150 * time.Millisecond)
absorb:
	for {
		select {
		case <-sc.frames:
		case <-drainUntil:
			break absorb
		}
	}
	quietUntil := time.After(300 * time.Millisecond)
	for {
		select {
		case f := <-sc.frames:
			if f.Type == ctrl.TypeNeedJob {
				t.Fatal("worker asked for work at capacity")
			}
		case <-quietUntil:
			// Freeing the slot resumes the asks.
			sc.send(ctrl.TypeStop, ctrl.StopData{Expert: "pk1"})
			sc.expectStopped()
			sc.expect(ctrl.TypeNeedJob)
			return
		}
	}
}

// ── Reconnect ────────────────────────────────────────────────────────────────

func TestReconnectReportsHostedExperts(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	w := startWorker(t, ctx, url, fac, nil)

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeJob, ctrl.JobData{ExpertPubkey: "pk1", Expert: jobRow("pk1"), NWC: "n"})
	sc.expectStarted()

	// Drop the socket; the instance must survive into the next session.
	sc.close()
	sc2 := waitConn(t, conns)
	hello := sc2.expectHello()
	if hello.WorkerID != w.ID() {
		t.Errorf("reconnect changed worker id to %q", hello.WorkerID)
	}
	if len(hello.Experts) != 1 || hello.Experts[0] != "pk1" {
		t.Fatalf("reconnect hello experts = %v, want the hosted one", hello.Experts)
	}
	if fac.latest().closedDown() {
		t.Error("socket drop killed the instance")
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────────────

func TestCloseTearsEverythingDown(t *testing.T) {
	ctx := testContext(t)
	url, conns := newFakeScheduler(t)
	fac := &fakeFactory{}
	cfg := worker.Config{SchedulerURL: url, AskEvery: time.Hour, Backoff: 50 * time.Millisecond}
	w, err := worker.New(cfg, worker.Deps{Factory: fac.build, Log: zap.NewNop()})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	sc := waitConn(t, conns)
	sc.expectHello()
	sc.send(ctrl.TypeJob, ctrl.JobData{ExpertPubkey: "pk1", Expert: jobRow("pk1"), NWC: "n"})
	sc.expectStarted()

	w.Close()
	w.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v after close", err)
		}
	case <-time.After(waitFor):
		t.Fatal("run did not return after close")
	}
	if !fac.latest().closedDown() {
		t.Error("close left the engine running")
	}
}
