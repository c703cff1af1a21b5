// Package worker hosts expert instances on the scheduler's behalf. It
// holds one websocket to the control plane, asks for work while it has
// spare capacity and runs each assigned expert engine in its own goroutine.
// Instances outlive socket drops; a reconnect re-reports them so the
// scheduler can reconcile.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/ctrl"
	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/metrics"
	"github.com/askmesh/askmesh/internal/store"
)

const (
	defaultCapacity  = 8
	defaultAskEvery  = 15 * time.Second
	defaultBackoff   = time.Second
	defaultStartWait = 45 * time.Second

	maxBackoff = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Instance is one hosted expert engine.
type Instance interface {
	Run(ctx context.Context) error
	Ready() <-chan struct{}
	Close()
}

// Factory builds an engine from a job's registry row and wallet string.
type Factory func(row *store.Expert, nwc string) (Instance, error)

// Config tunes the worker.
type Config struct {
	// SchedulerURL is the control plane websocket endpoint.
	SchedulerURL string
	// Capacity caps hosted instances; the worker stops asking for work at
	// the cap.
	Capacity int
	// AskEvery is the need_job cadence while capacity is free.
	AskEvery time.Duration
	// Backoff is the initial redial delay, doubling up to thirty seconds.
	Backoff time.Duration
	// StartWait bounds how long a dispatched engine may take to become
	// ready before it is torn down.
	StartWait time.Duration
}

// Deps are the worker's collaborators.
type Deps struct {
	Factory Factory
	Log     *zap.Logger
}

type instance struct {
	row    *store.Expert
	eng    Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// Worker is the job-hosting daemon. Build with New, start with Run.
type Worker struct {
	cfg     Config
	id      string
	factory Factory
	log     *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	instances map[string]*instance
	started   bool
	closed    bool
	cancel    context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New validates the config, fills defaults and mints the worker id.
func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.SchedulerURL == "" {
		return nil, errs.New(errs.InvalidArgument, "worker needs a scheduler url")
	}
	if deps.Factory == nil {
		return nil, errs.New(errs.InvalidArgument, "worker needs an engine factory")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.AskEvery <= 0 {
		cfg.AskEvery = defaultAskEvery
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.StartWait <= 0 {
		cfg.StartWait = defaultStartWait
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	id := uuid.NewString()
	return &Worker{
		cfg:       cfg,
		id:        id,
		factory:   deps.Factory,
		log:       deps.Log.With(zap.String("worker", id[:8])),
		instances: map[string]*instance{},
	}, nil
}

// ID returns the worker's identity on the control plane.
func (w *Worker) ID() string { return w.id }

// Run dials the scheduler and serves until ctx ends or Close is called,
// redialing with backoff whenever the socket drops. It returns nil on a
// clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	if w.started {
		w.mu.Unlock()
		return errs.New(errs.InvalidArgument, "worker already running")
	}
	w.started = true
	w.cancel = cancel
	w.mu.Unlock()

	backoff := w.cfg.Backoff
	for {
		if rctx.Err() != nil {
			return w.exitErr(rctx)
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(rctx, w.cfg.SchedulerURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if rctx.Err() != nil {
				return w.exitErr(rctx)
			}
			w.log.Warn("dial scheduler", zap.Error(err), zap.Duration("retry", backoff))
			select {
			case <-time.After(backoff):
			case <-rctx.Done():
				return w.exitErr(rctx)
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = w.cfg.Backoff
		w.session(rctx, conn)
	}
}

func (w *Worker) exitErr(ctx context.Context) error {
	w.wg.Wait()
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil
	}
	return ctx.Err()
}

// Close tears down every instance and the socket. Idempotent.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		cancel := w.cancel
		conn := w.conn
		insts := make([]*instance, 0, len(w.instances))
		for _, inst := range w.instances {
			insts = append(insts, inst)
		}
		w.instances = map[string]*instance{}
		w.mu.Unlock()

		for _, inst := range insts {
			inst.eng.Close()
			inst.cancel()
		}
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}
		metrics.WorkerInstances.Set(0)
	})
}

// ── Session ──────────────────────────────────────────────────────────────────

// session reports the hosted set, keeps asking for work and handles frames
// until the socket dies.
func (w *Worker) session(ctx context.Context, conn *websocket.Conn) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return
	}
	w.conn = conn
	hosted := make([]string, 0, len(w.instances))
	for pk := range w.instances {
		hosted = append(hosted, pk)
	}
	w.mu.Unlock()

	if err := w.send(ctrl.TypeExperts, ctrl.ExpertsData{WorkerID: w.id, Experts: hosted}); err != nil {
		w.clearConn(conn)
		conn.Close()
		return
	}
	w.log.Info("connected to scheduler", zap.Int("hosted", len(hosted)))

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()
	go w.askLoop(sctx)

	for {
		var frame ctrl.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		switch frame.Type {
		case ctrl.TypeJob:
			var d ctrl.JobData
			if err := frame.Decode(&d); err != nil {
				w.log.Warn("bad job frame", zap.Error(err))
				continue
			}
			if d.Expert == nil {
				w.log.Warn("job frame without a row", zap.String("expert", short(d.ExpertPubkey)))
				continue
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.startInstance(ctx, d.Expert, d.NWC)
			}()
		case ctrl.TypeRestart:
			var d ctrl.RestartData
			if err := frame.Decode(&d); err != nil {
				w.log.Warn("bad restart frame", zap.Error(err))
				continue
			}
			if d.Object == nil {
				w.log.Warn("restart frame without a row", zap.String("expert", short(d.Expert)))
				continue
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.stopInstance(d.Expert, false)
				w.startInstance(ctx, d.Object, d.NWC)
			}()
		case ctrl.TypeStop:
			var d ctrl.StopData
			if err := frame.Decode(&d); err != nil {
				w.log.Warn("bad stop frame", zap.Error(err))
				continue
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.stopInstance(d.Expert, true)
			}()
		case ctrl.TypeNoJob:
			// Nothing to host; the ask ticker tries again later.
		default:
			w.log.Warn("unexpected frame from scheduler", zap.String("type", string(frame.Type)))
		}
	}

	w.clearConn(conn)
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		w.log.Warn("scheduler connection lost")
	}
}

func (w *Worker) clearConn(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
}

// askLoop requests work immediately and then on the tick, as long as there
// is room for another instance.
func (w *Worker) askLoop(ctx context.Context) {
	t := time.NewTicker(w.cfg.AskEvery)
	defer t.Stop()
	for {
		w.mu.Lock()
		free := len(w.instances) < w.cfg.Capacity
		w.mu.Unlock()
		if free {
			w.send(ctrl.TypeNeedJob, ctrl.NeedJobData{WorkerID: w.id})
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// send serializes one frame onto the current socket.
func (w *Worker) send(typ ctrl.Type, data any) error {
	frame, err := ctrl.New(typ, data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errs.New(errs.Internal, "no scheduler connection")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// ── Instances ────────────────────────────────────────────────────────────────

// startInstance builds and runs the engine for a job, acknowledging with
// started once its subscriptions are live. Instances hang off the run
// context, not the session, so a socket drop does not kill them.
func (w *Worker) startInstance(ctx context.Context, row *store.Expert, nwc string) {
	pk := row.Pubkey
	eng, err := w.factory(row, nwc)
	if err != nil {
		w.log.Error("build expert engine", zap.String("expert", short(pk)), zap.Error(err))
		w.send(ctrl.TypeStopped, ctrl.StoppedData{WorkerID: w.id, Expert: pk})
		return
	}

	ictx, cancel := context.WithCancel(ctx)
	inst := &instance{row: row, eng: eng, cancel: cancel, done: make(chan struct{})}

	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			cancel()
			eng.Close()
			return
		}
		if w.instances[pk] == nil {
			break
		}
		w.mu.Unlock()
		w.stopInstance(pk, false)
	}
	w.instances[pk] = inst
	metrics.WorkerInstances.Set(float64(len(w.instances)))
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := eng.Run(ictx)
		close(inst.done)
		w.mu.Lock()
		self := w.instances[pk] == inst
		if self {
			delete(w.instances, pk)
			metrics.WorkerInstances.Set(float64(len(w.instances)))
		}
		closed := w.closed
		w.mu.Unlock()
		if self && !closed {
			if err != nil {
				w.log.Warn("expert instance died", zap.String("expert", short(pk)), zap.Error(err))
			}
			w.send(ctrl.TypeStopped, ctrl.StoppedData{WorkerID: w.id, Expert: pk})
		}
	}()

	select {
	case <-eng.Ready():
		w.send(ctrl.TypeStarted, ctrl.StartedData{WorkerID: w.id, Expert: pk})
		w.log.Info("expert instance started", zap.String("expert", short(pk)))
	case <-inst.done:
		// Died before becoming ready; the run goroutine reported it.
	case <-ctx.Done():
	case <-time.After(w.cfg.StartWait):
		w.log.Warn("expert instance never became ready", zap.String("expert", short(pk)))
		w.stopInstance(pk, true)
	}
}

// stopInstance tears one instance down and optionally confirms with a
// stopped frame. Stops for experts the worker does not host are confirmed
// anyway so the scheduler can settle its books.
func (w *Worker) stopInstance(pk string, report bool) {
	w.mu.Lock()
	inst := w.instances[pk]
	if inst != nil {
		delete(w.instances, pk)
		metrics.WorkerInstances.Set(float64(len(w.instances)))
	}
	w.mu.Unlock()

	if inst != nil {
		inst.eng.Close()
		inst.cancel()
		<-inst.done
		w.log.Info("expert instance stopped", zap.String("expert", short(pk)))
	}
	if report {
		w.send(ctrl.TypeStopped, ctrl.StoppedData{WorkerID: w.id, Expert: pk})
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
