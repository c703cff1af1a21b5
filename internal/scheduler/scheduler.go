// Package scheduler is the control plane for hosted experts. It polls the
// registry for rows that changed, keeps the authoritative map of which
// worker runs which expert and hands out jobs over a websocket, surviving
// worker loss by re-queueing after a grace period.
//
// All state lives in maps behind one mutex. Each worker socket is served by
// its own goroutine; a single monitor goroutine drives the registry poll and
// the timer sweep.
package scheduler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/ctrl"
	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/metrics"
	"github.com/askmesh/askmesh/internal/store"
)

const (
	defaultPollEvery    = 2 * time.Second
	defaultSweepEvery   = time.Second
	defaultStartTimeout = time.Minute
	defaultStopTimeout  = time.Minute
	defaultGrace        = time.Minute
	defaultPollLimit    = 1000

	writeWait         = 10 * time.Second
	noWorkersLogEvery = 30 * time.Second
)

// State names one expert's place in its lifecycle.
type State string

const (
	StateQueued   State = "queued"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Registry is the slice of the store the scheduler reads. Workers never see
// it; they get their rows inside job frames.
type Registry interface {
	ListExpertsAfter(ctx context.Context, after int64, limit int64) ([]store.Expert, error)
	GetExpert(ctx context.Context, pubkey string) (*store.Expert, error)
	GetWallet(ctx context.Context, id int64) (*store.Wallet, error)
}

// Config tunes the scheduler's clocks. Zero values take the defaults; tests
// inject short ones.
type Config struct {
	// PollEvery is the registry poll cadence.
	PollEvery time.Duration
	// SweepEvery drives start, stop and reconnect timer expiry.
	SweepEvery time.Duration
	// StartTimeout is how long a dispatched job may sit unacknowledged
	// before the expert goes back on the queue.
	StartTimeout time.Duration
	// StopTimeout is how long a stop may sit unacknowledged before it is
	// re-issued once and then given up on.
	StopTimeout time.Duration
	// ReconnectGrace is how long a lost worker keeps its experts.
	ReconnectGrace time.Duration
	// PollLimit caps one registry page.
	PollLimit int64
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Registry Registry
	Log      *zap.Logger
}

// expertState is one entry of the authoritative map. worker is the believed
// holder, empty while queued or parked. deadline arms the start timer in
// starting and the stop timer in stopping.
type expertState struct {
	state    State
	worker   string
	deadline time.Time
	reissued bool
}

// workerConn is one connected worker. experts mirrors what the scheduler
// believes the worker hosts; needsJob marks a worker whose last need_job
// found the queue empty, so the next enqueue can feed it without waiting.
type workerConn struct {
	id       string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	experts  map[string]struct{}
	ready    bool
	needsJob bool
	lastSeen time.Time
}

// Scheduler tracks experts and workers. Build with New, start with Run.
type Scheduler struct {
	cfg Config
	reg Registry
	log *zap.Logger

	upgrader websocket.Upgrader
	ready    chan struct{}

	mu      sync.Mutex
	experts map[string]*expertState
	queue   []string
	queued  map[string]struct{}
	workers map[string]*workerConn
	lost    map[string]time.Time
	records map[string]store.Expert
	stopped bool
	started bool
	cancel  context.CancelFunc

	noWorkersAt time.Time
	closeOnce   sync.Once

	// lastTS is the poll cursor, touched by the monitor goroutine only.
	lastTS int64
}

// New validates deps, fills config defaults and builds a scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Registry == nil {
		return nil, errs.New(errs.InvalidArgument, "scheduler needs a registry")
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = defaultPollEvery
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaultSweepEvery
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = defaultGrace
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = defaultPollLimit
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		reg:      deps.Registry,
		log:      deps.Log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ready:    make(chan struct{}),
		experts:  map[string]*expertState{},
		queued:   map[string]struct{}{},
		workers:  map[string]*workerConn{},
		lost:     map[string]time.Time{},
		records:  map[string]store.Expert{},
	}, nil
}

// Ready closes after the first registry poll, when every pre-existing row
// has been observed.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Register mounts the control plane routes. Health and metrics endpoints are
// the binary's business.
func (s *Scheduler) Register(r *gin.Engine) {
	r.GET("/ws", s.handleWS)
	r.GET("/status", s.handleStatus)
}

// Run polls and sweeps until ctx ends or Close is called. It returns nil on
// a clean shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if s.started {
		s.mu.Unlock()
		return errs.New(errs.InvalidArgument, "scheduler already running")
	}
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	s.poll(rctx)
	close(s.ready)
	s.log.Info("scheduler running",
		zap.Duration("poll", s.cfg.PollEvery),
		zap.Duration("start_timeout", s.cfg.StartTimeout))

	pollT := time.NewTicker(s.cfg.PollEvery)
	defer pollT.Stop()
	sweepT := time.NewTicker(s.cfg.SweepEvery)
	defer sweepT.Stop()

	for {
		select {
		case <-pollT.C:
			s.poll(rctx)
		case <-sweepT.C:
			s.sweep(rctx)
		case <-rctx.Done():
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return rctx.Err()
		}
	}
}

// Close marks the scheduler stopped, cancels Run and drops every worker
// socket. Idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel := s.cancel
		conns := make([]*websocket.Conn, 0, len(s.workers))
		for _, w := range s.workers {
			conns = append(conns, w.conn)
		}
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		for _, c := range conns {
			c.Close()
		}
	})
}

// ── Registry poll ────────────────────────────────────────────────────────────

// poll pages through rows stamped after the cursor and applies each one.
func (s *Scheduler) poll(ctx context.Context) {
	for {
		rows, err := s.reg.ListExpertsAfter(ctx, s.lastTS, s.cfg.PollLimit)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("registry poll", zap.Error(err))
			}
			return
		}
		if len(rows) == 0 {
			return
		}
		for _, row := range rows {
			s.observe(ctx, row)
		}
		s.lastTS = rows[len(rows)-1].Timestamp
		if int64(len(rows)) < s.cfg.PollLimit {
			return
		}
	}
}

// observe applies one changed row: disabled rows stop their instance,
// enabled rows enqueue or restart depending on where the expert currently
// is. A changed row for a running expert always means restart, because the
// poll only surfaces rows stamped after the cursor.
func (s *Scheduler) observe(ctx context.Context, row store.Expert) {
	pk := row.Pubkey
	s.mu.Lock()
	s.records[pk] = row
	st := s.experts[pk]

	if row.Disabled {
		if st == nil {
			s.mu.Unlock()
			return
		}
		switch st.state {
		case StateStarting, StateStarted:
			workerID := st.worker
			w := s.workers[workerID]
			st.state = StateStopping
			st.deadline = time.Now().Add(s.cfg.StopTimeout)
			st.reissued = false
			s.mu.Unlock()
			if w != nil {
				s.send(w, ctrl.TypeStop, ctrl.StopData{Expert: pk})
			}
			s.log.Info("stopping disabled expert",
				zap.String("expert", short(pk)), zap.String("worker", workerID))
		case StateQueued:
			s.unqueueLocked(pk)
			delete(s.experts, pk)
			s.mu.Unlock()
		default:
			s.mu.Unlock()
		}
		return
	}

	switch {
	case st == nil:
		s.enqueueLocked(pk)
		s.mu.Unlock()
		s.log.Info("expert enqueued", zap.String("expert", short(pk)))
	case st.state == StateStarting || st.state == StateStarted:
		workerID := st.worker
		w := s.workers[workerID]
		st.state = StateStarting
		st.deadline = time.Now().Add(s.cfg.StartTimeout)
		st.reissued = false
		s.mu.Unlock()

		nwc, err := s.walletNWC(ctx, row.WalletID)
		if err != nil {
			// Keep the old instance running rather than restart into a
			// broken wallet binding.
			s.log.Error("restart skipped", zap.String("expert", short(pk)), zap.Error(err))
			s.mu.Lock()
			if st := s.experts[pk]; st != nil && st.worker == workerID && st.state == StateStarting {
				st.state = StateStarted
				st.deadline = time.Time{}
			}
			s.mu.Unlock()
			return
		}
		if w != nil {
			s.send(w, ctrl.TypeRestart, ctrl.RestartData{Expert: pk, Object: &row, NWC: nwc})
		}
		s.log.Info("restarting updated expert",
			zap.String("expert", short(pk)), zap.String("worker", workerID))
	case st.state == StateStopping || st.state == StateStopped:
		s.enqueueLocked(pk)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// ── Worker socket ────────────────────────────────────────────────────────────

func (s *Scheduler) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	s.serveWorker(c.Request.Context(), conn)
}

// serveWorker reads frames until the socket dies. The worker's identity is
// whatever id its first frame carries; arriving clears any reconnect timer
// left by a previous socket.
func (s *Scheduler) serveWorker(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	var w *workerConn
	for {
		var frame ctrl.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		switch frame.Type {
		case ctrl.TypeExperts:
			var d ctrl.ExpertsData
			if err := frame.Decode(&d); err != nil {
				s.log.Warn("bad experts frame", zap.Error(err))
				continue
			}
			w = s.adopt(w, conn, d.WorkerID)
			s.reconcile(w, d.Experts)
		case ctrl.TypeNeedJob:
			var d ctrl.NeedJobData
			if err := frame.Decode(&d); err != nil {
				s.log.Warn("bad need_job frame", zap.Error(err))
				continue
			}
			w = s.adopt(w, conn, d.WorkerID)
			s.dispatch(ctx, w)
		case ctrl.TypeStarted:
			var d ctrl.StartedData
			if err := frame.Decode(&d); err != nil {
				s.log.Warn("bad started frame", zap.Error(err))
				continue
			}
			w = s.adopt(w, conn, d.WorkerID)
			s.markStarted(w, d.Expert)
		case ctrl.TypeStopped:
			var d ctrl.StoppedData
			if err := frame.Decode(&d); err != nil {
				s.log.Warn("bad stopped frame", zap.Error(err))
				continue
			}
			w = s.adopt(w, conn, d.WorkerID)
			s.markStopped(w, d.Expert)
		default:
			s.log.Warn("unexpected frame from worker", zap.String("type", string(frame.Type)))
		}
	}
	if w != nil {
		s.dropWorker(w)
	}
}

// adopt resolves the frame's worker id to a registered connection.
func (s *Scheduler) adopt(cur *workerConn, conn *websocket.Conn, id string) *workerConn {
	if id == "" {
		return cur
	}
	if cur != nil && cur.id == id {
		s.mu.Lock()
		cur.lastSeen = time.Now()
		s.mu.Unlock()
		return cur
	}
	if cur != nil {
		s.log.Warn("worker changed id mid-stream",
			zap.String("was", cur.id), zap.String("now", id))
		s.dropWorker(cur)
	}
	s.mu.Lock()
	delete(s.lost, id)
	if old, ok := s.workers[id]; ok && old.conn != conn {
		// A fresh socket supersedes the stale one.
		old.conn.Close()
	}
	w := &workerConn{
		id:       id,
		conn:     conn,
		experts:  map[string]struct{}{},
		lastSeen: time.Now(),
	}
	s.workers[id] = w
	metrics.SchedulerWorkers.Set(float64(len(s.workers)))
	s.mu.Unlock()
	s.log.Info("worker connected", zap.String("worker", id))
	return w
}

// dropWorker forgets the socket. Experts bound to the worker stay in place
// under a reconnect timer; only its expiry re-queues them.
func (s *Scheduler) dropWorker(w *workerConn) {
	s.mu.Lock()
	cur, ok := s.workers[w.id]
	if !ok || cur != w {
		s.mu.Unlock()
		return
	}
	delete(s.workers, w.id)
	metrics.SchedulerWorkers.Set(float64(len(s.workers)))
	held := 0
	for _, st := range s.experts {
		if st.worker == w.id {
			held++
		}
	}
	if held > 0 {
		s.lost[w.id] = time.Now().Add(s.cfg.ReconnectGrace)
	}
	s.mu.Unlock()
	if held > 0 {
		s.log.Warn("worker lost, holding its experts",
			zap.String("worker", w.id), zap.Int("experts", held),
			zap.Duration("grace", s.cfg.ReconnectGrace))
	} else {
		s.log.Info("worker disconnected", zap.String("worker", w.id))
	}
}

// reconcile folds the worker's hosted-experts report into the map. Experts
// the scheduler does not know, believes belong elsewhere or wants stopped
// get a stop frame; queued ones are adopted as already started. Experts the
// worker was believed to hold but did not report go back on the queue. The
// worker is ready for jobs afterwards.
func (s *Scheduler) reconcile(w *workerConn, reported []string) {
	var stops []string
	s.mu.Lock()
	have := make(map[string]struct{}, len(reported))
	for _, pk := range reported {
		have[pk] = struct{}{}
	}
	for _, pk := range reported {
		st := s.experts[pk]
		switch {
		case st == nil:
			stops = append(stops, pk)
		case st.worker != "" && st.worker != w.id:
			stops = append(stops, pk)
		case st.state == StateQueued:
			s.unqueueLocked(pk)
			st.state = StateStarted
			st.worker = w.id
			st.deadline = time.Time{}
			w.experts[pk] = struct{}{}
		case st.state == StateStarting || st.state == StateStarted:
			st.worker = w.id
			w.experts[pk] = struct{}{}
		default:
			stops = append(stops, pk)
		}
	}
	for pk, st := range s.experts {
		if st.worker != w.id {
			continue
		}
		if _, ok := have[pk]; ok {
			continue
		}
		if st.state == StateStarting || st.state == StateStarted {
			s.enqueueLocked(pk)
		}
	}
	w.ready = true
	s.mu.Unlock()

	for _, pk := range stops {
		s.send(w, ctrl.TypeStop, ctrl.StopData{Expert: pk})
	}
	s.log.Info("worker ready",
		zap.String("worker", w.id),
		zap.Int("hosted", len(reported)), zap.Int("stopped", len(stops)))
}

// dispatch feeds one job to a ready worker, skipping queue entries that are
// no longer dispatchable. An empty queue answers no_job and remembers the
// hunger so the next enqueue can feed this worker straight away.
func (s *Scheduler) dispatch(ctx context.Context, w *workerConn) {
	for {
		s.mu.Lock()
		if !w.ready {
			s.mu.Unlock()
			s.log.Warn("need_job before experts report", zap.String("worker", w.id))
			return
		}
		if len(s.queue) == 0 {
			w.needsJob = true
			s.mu.Unlock()
			s.send(w, ctrl.TypeNoJob, struct{}{})
			return
		}
		pk := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, pk)
		st := s.experts[pk]
		if st == nil {
			s.mu.Unlock()
			continue
		}
		st.state = StateStarting
		st.worker = w.id
		st.deadline = time.Now().Add(s.cfg.StartTimeout)
		st.reissued = false
		w.needsJob = false
		w.experts[pk] = struct{}{}
		s.mu.Unlock()

		row, nwc, err := s.loadJob(ctx, pk)
		if err != nil {
			s.log.Error("expert not dispatchable",
				zap.String("expert", short(pk)), zap.Error(err))
			s.park(w, pk)
			continue
		}
		if err := s.send(w, ctrl.TypeJob, ctrl.JobData{ExpertPubkey: pk, Expert: row, NWC: nwc}); err != nil {
			s.mu.Lock()
			delete(w.experts, pk)
			s.enqueueLocked(pk)
			s.mu.Unlock()
			return
		}
		s.log.Info("job dispatched",
			zap.String("expert", short(pk)), zap.String("worker", w.id))
		return
	}
}

// loadJob reads the fresh row and its wallet's connection string.
func (s *Scheduler) loadJob(ctx context.Context, pk string) (*store.Expert, string, error) {
	row, err := s.reg.GetExpert(ctx, pk)
	if err != nil {
		return nil, "", err
	}
	if row == nil {
		return nil, "", errs.New(errs.Internal, "expert %s has no registry row", short(pk))
	}
	if row.Disabled {
		return nil, "", errs.New(errs.InvalidArgument, "expert %s is disabled", short(pk))
	}
	nwc, err := s.walletNWC(ctx, row.WalletID)
	if err != nil {
		return nil, "", err
	}
	return row, nwc, nil
}

func (s *Scheduler) walletNWC(ctx context.Context, id int64) (string, error) {
	w, err := s.reg.GetWallet(ctx, id)
	if err != nil {
		return "", err
	}
	if w == nil {
		return "", errs.New(errs.WalletNotFound, "wallet %d", id)
	}
	return w.NWC, nil
}

// park takes an undispatchable expert out of circulation until its row
// changes again; the poll re-enqueues it then.
func (s *Scheduler) park(w *workerConn, pk string) {
	s.mu.Lock()
	delete(w.experts, pk)
	if st := s.experts[pk]; st != nil {
		st.state = StateStopped
		st.worker = ""
		st.deadline = time.Time{}
	}
	s.mu.Unlock()
}

// markStarted acknowledges a job. A report from a worker the expert is not
// assigned to gets a stop back.
func (s *Scheduler) markStarted(w *workerConn, pk string) {
	s.mu.Lock()
	st := s.experts[pk]
	if st == nil || st.worker != w.id {
		s.mu.Unlock()
		s.send(w, ctrl.TypeStop, ctrl.StopData{Expert: pk})
		s.log.Warn("started report for unassigned expert",
			zap.String("worker", w.id), zap.String("expert", short(pk)))
		return
	}
	st.state = StateStarted
	st.deadline = time.Time{}
	st.reissued = false
	w.experts[pk] = struct{}{}
	s.mu.Unlock()
	s.log.Info("expert started",
		zap.String("expert", short(pk)), zap.String("worker", w.id))
}

// markStopped removes the expert's state entirely when the believed holder
// confirms; the next sweep re-queues it if its row is still enabled. A stale
// report from a worker the expert moved away from only trims that worker's
// hosted set.
func (s *Scheduler) markStopped(w *workerConn, pk string) {
	s.mu.Lock()
	delete(w.experts, pk)
	st := s.experts[pk]
	if st != nil && st.worker == w.id {
		delete(s.experts, pk)
		s.mu.Unlock()
		s.log.Info("expert stopped",
			zap.String("expert", short(pk)), zap.String("worker", w.id))
		return
	}
	s.mu.Unlock()
}

// ── Monitor ──────────────────────────────────────────────────────────────────

// sweep expires start, stop and reconnect timers, re-queues enabled experts
// that lost their state and feeds hungry workers.
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()
	type order struct {
		w  *workerConn
		pk string
	}
	var restops []order
	var hungry []*workerConn

	s.mu.Lock()
	for pk, st := range s.experts {
		if st.deadline.IsZero() || now.Before(st.deadline) {
			continue
		}
		switch st.state {
		case StateStarting:
			s.log.Warn("expert start timed out",
				zap.String("expert", short(pk)), zap.String("worker", st.worker),
				zap.String("kind", string(errs.ExpertStartTimeout)))
			if w := s.workers[st.worker]; w != nil {
				delete(w.experts, pk)
			}
			s.enqueueLocked(pk)
		case StateStopping:
			w := s.workers[st.worker]
			if !st.reissued && w != nil {
				st.reissued = true
				st.deadline = now.Add(s.cfg.StopTimeout)
				restops = append(restops, order{w, pk})
				continue
			}
			s.log.Warn("expert never confirmed stop",
				zap.String("expert", short(pk)), zap.String("worker", st.worker))
			if w != nil {
				delete(w.experts, pk)
			}
			delete(s.experts, pk)
			if row, ok := s.records[pk]; ok && !row.Disabled {
				s.enqueueLocked(pk)
			}
		}
	}
	for id, deadline := range s.lost {
		if now.Before(deadline) {
			continue
		}
		n := 0
		for pk, st := range s.experts {
			if st.worker != id {
				continue
			}
			s.enqueueLocked(pk)
			n++
		}
		delete(s.lost, id)
		s.log.Warn("worker never returned, requeueing its experts",
			zap.String("worker", id), zap.Int("experts", n))
	}
	for pk, row := range s.records {
		if row.Disabled {
			continue
		}
		if _, ok := s.experts[pk]; ok {
			continue
		}
		s.enqueueLocked(pk)
	}
	if len(s.queue) > 0 {
		anyReady := false
		for _, w := range s.workers {
			if !w.ready {
				continue
			}
			anyReady = true
			if w.needsJob {
				hungry = append(hungry, w)
			}
		}
		if !anyReady && now.Sub(s.noWorkersAt) >= noWorkersLogEvery {
			s.noWorkersAt = now
			s.log.Warn("dispatch stalled",
				zap.Error(errs.New(errs.NoWorkers, "%d experts queued", len(s.queue))))
		}
	}
	s.gaugesLocked()
	s.mu.Unlock()

	for _, o := range restops {
		s.send(o.w, ctrl.TypeStop, ctrl.StopData{Expert: o.pk})
	}
	for _, w := range hungry {
		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			break
		}
		s.dispatch(ctx, w)
	}
}

func (s *Scheduler) gaugesLocked() {
	counts := map[State]int{}
	for _, st := range s.experts {
		counts[st.state]++
	}
	for _, state := range []State{StateQueued, StateStarting, StateStarted, StateStopping, StateStopped} {
		metrics.SchedulerExperts.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// ── Queue ────────────────────────────────────────────────────────────────────

// enqueueLocked puts an expert at the tail exactly once and resets its
// state entry to queued.
func (s *Scheduler) enqueueLocked(pk string) {
	if _, ok := s.queued[pk]; ok {
		return
	}
	st := s.experts[pk]
	if st == nil {
		st = &expertState{}
		s.experts[pk] = st
	}
	st.state = StateQueued
	st.worker = ""
	st.deadline = time.Time{}
	st.reissued = false
	s.queued[pk] = struct{}{}
	s.queue = append(s.queue, pk)
}

func (s *Scheduler) unqueueLocked(pk string) {
	if _, ok := s.queued[pk]; !ok {
		return
	}
	delete(s.queued, pk)
	for i, q := range s.queue {
		if q == pk {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// ── Wire ─────────────────────────────────────────────────────────────────────

// send serializes one frame onto the worker socket. Writes from the monitor
// and socket goroutines interleave, hence the per-worker write lock.
func (s *Scheduler) send(w *workerConn, typ ctrl.Type, data any) error {
	frame, err := ctrl.New(typ, data)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(frame); err != nil {
		s.log.Warn("send to worker",
			zap.String("worker", w.id), zap.String("type", string(typ)), zap.Error(err))
		return err
	}
	return nil
}

// ── Status ───────────────────────────────────────────────────────────────────

// ExpertStatus is one expert's row in the status dump.
type ExpertStatus struct {
	State  State  `json:"state"`
	Worker string `json:"worker,omitempty"`
}

// WorkerStatus is one worker's row in the status dump.
type WorkerStatus struct {
	Ready    bool      `json:"ready"`
	NeedsJob bool      `json:"needs_job"`
	Experts  []string  `json:"experts"`
	LastSeen time.Time `json:"last_seen"`
}

// Status is the full scheduler dump served at /status.
type Status struct {
	Stopped   bool                    `json:"stopped"`
	NoWorkers bool                    `json:"no_workers"`
	Queue     []string                `json:"queue"`
	Experts   map[string]ExpertStatus `json:"experts"`
	Workers   map[string]WorkerStatus `json:"workers"`
}

// Status snapshots the maps.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Status{
		Stopped: s.stopped,
		Queue:   append([]string{}, s.queue...),
		Experts: make(map[string]ExpertStatus, len(s.experts)),
		Workers: make(map[string]WorkerStatus, len(s.workers)),
	}
	for pk, st := range s.experts {
		out.Experts[pk] = ExpertStatus{State: st.state, Worker: st.worker}
	}
	anyReady := false
	for id, w := range s.workers {
		hosted := make([]string, 0, len(w.experts))
		for pk := range w.experts {
			hosted = append(hosted, pk)
		}
		sort.Strings(hosted)
		out.Workers[id] = WorkerStatus{
			Ready:    w.ready,
			NeedsJob: w.needsJob,
			Experts:  hosted,
			LastSeen: w.lastSeen,
		}
		if w.ready {
			anyReady = true
		}
	}
	out.NoWorkers = len(out.Queue) > 0 && !anyReady
	return out
}

func (s *Scheduler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
