package worker

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fleetrpc/channel"
)

// drainRounds bounds how many zero-timeout Select rounds one loop pass spends on channels
// that keep producing messages.
const drainRounds = 64

type slot struct {
	id        int
	kind      Kind
	taskIndex int

	proc    Process
	ch      *channel.Channel
	dead    bool // channel failed or worker was killed; waiting for Done before respawn
	started bool

	busy      *Task
	busySince time.Time
}

func (s *slot) alive() bool { return s.proc != nil && !s.dead }

func (s *slot) idle() bool { return s.alive() && s.busy == nil }

// WorkerInfo is a snapshot of one worker slot.
type WorkerInfo struct {
	ID        int
	Kind      Kind
	TaskIndex int
	Pid       int
	Alive     bool
	Busy      bool
}

type Stats struct {
	TasksQueued     uint64
	TasksDispatched uint64
	TasksFinished   uint64
	TasksFailed     uint64
	Respawns        uint64
}

// Manager spawns and supervises socket and task workers.
//
// Run owns all worker state. Stats is safe to call at any time; Workers, KillWorker and
// Reload are served by the Run loop.
type Manager struct {
	cfg     Config
	ln      net.Listener
	spawner Spawner
	log     *zap.Logger

	state  atomic.Int32
	cmds   chan func()
	slots  []*slot
	queue  []*Task
	taskID uint64

	stats struct {
		queued, dispatched, finished, failed, respawns atomic.Uint64
	}
}

type filer interface {
	File() (*os.File, error)
}

// NewManager returns a manager for ln. The listener must be able to hand out its file
// (*net.TCPListener and *net.UnixListener can); it is closed when Run returns.
func NewManager(ln net.Listener, spawner Spawner, cfg Config, log *zap.Logger) (*Manager, error) {
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	if _, ok := ln.(filer); !ok {
		return nil, errors.Errorf("worker: listener %T cannot be shared with workers", ln)
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		ln:      ln,
		spawner: spawner,
		log:     log.Named("worker"),
		cmds:    make(chan func()),
	}
	m.state.Store(int32(StateListening))
	for i := 0; i < cfg.WorkerNum; i++ {
		m.slots = append(m.slots, &slot{id: i, kind: KindSocket})
	}
	for i := 0; i < cfg.TaskWorkerNum; i++ {
		m.slots = append(m.slots, &slot{id: cfg.WorkerNum + i, kind: KindTask, taskIndex: i})
	}
	return m, nil
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) Addr() net.Addr { return m.ln.Addr() }

func (m *Manager) Stats() Stats {
	return Stats{
		TasksQueued:     m.stats.queued.Load(),
		TasksDispatched: m.stats.dispatched.Load(),
		TasksFinished:   m.stats.finished.Load(),
		TasksFailed:     m.stats.failed.Load(),
		Respawns:        m.stats.respawns.Load(),
	}
}

// do runs fn on the Run loop and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	if m.State() != StateRunning {
		return &StateError{State: m.State(), Err: errors.New("manager is not running")}
	}
	done := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Workers(ctx context.Context) ([]WorkerInfo, error) {
	var infos []WorkerInfo
	err := m.do(ctx, func() {
		for _, s := range m.slots {
			info := WorkerInfo{ID: s.id, Kind: s.kind, TaskIndex: s.taskIndex, Alive: s.alive(), Busy: s.busy != nil}
			if s.proc != nil {
				info.Pid = s.proc.Pid()
			}
			infos = append(infos, info)
		}
	})
	return infos, err
}

// KillWorker kills one worker; the loop respawns it.
func (m *Manager) KillWorker(ctx context.Context, id int) error {
	var err error
	derr := m.do(ctx, func() {
		if id < 0 || id >= len(m.slots) || m.slots[id].proc == nil {
			err = errors.Errorf("worker: no worker %d", id)
			return
		}
		m.stop(m.slots[id], "killed")
	})
	if derr != nil {
		return derr
	}
	return err
}

// Reload restarts every worker, as SIGHUP does.
func (m *Manager) Reload(ctx context.Context) error {
	return m.do(ctx, m.reload)
}

// Run spawns the workers and supervises them until ctx is done or a stop signal arrives.
func (m *Manager) Run(ctx context.Context) (err error) {
	defer m.ln.Close()
	if !m.state.CompareAndSwap(int32(StateListening), int32(StateRunning)) {
		return &StateError{State: m.State(), Err: errors.New("manager can only run once")}
	}
	defer m.state.Store(int32(StateStopped))

	var sigs chan os.Signal
	if m.cfg.HandleSignals {
		sigs = make(chan os.Signal, 8)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGCHLD)
		signal.Ignore(syscall.SIGPIPE)
		defer signal.Stop(sigs)
	}

	if err := m.ensureWorkers(); err != nil {
		m.shutdown()
		return &StateError{State: StateListening, Err: err}
	}
	m.log.Info("workers started",
		zap.Int("socket_workers", m.cfg.WorkerNum), zap.Int("task_workers", m.cfg.TaskWorkerNum),
		zap.Stringer("listen", m.ln.Addr()))

	nextTick := time.Now().Add(m.cfg.TickInterval)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigs:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				m.log.Info("stop signal", zap.Stringer("signal", sig))
				break loop
			case syscall.SIGHUP:
				m.log.Info("reload signal")
				m.reload()
			}
		case fn := <-m.cmds:
			fn()
		default:
		}

		if err := m.ensureWorkers(); err != nil {
			m.log.Error("respawn failed", zap.Error(err))
		}
		m.drain(m.cfg.LoopInterval)
		m.dispatch()
		now := time.Now()
		m.expire(now)
		if m.cfg.TickInterval > 0 && !now.Before(nextTick) {
			m.broadcast(&channel.Message{Type: channel.TypeTick})
			nextTick = now.Add(m.cfg.TickInterval)
		}
	}
	return m.shutdown()
}

// ensureWorkers reaps exited workers and spawns missing ones.
func (m *Manager) ensureWorkers() error {
	var firstErr error
	for _, s := range m.slots {
		if s.proc != nil {
			select {
			case <-s.proc.Done():
				m.reap(s)
			default:
				continue
			}
		}
		if err := m.spawn(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) reap(s *slot) {
	m.log.Info("worker exited", zap.Int("worker", s.id), zap.Stringer("kind", s.kind), zap.Int("pid", s.proc.Pid()))
	if s.busy != nil {
		m.fail(s.busy, "task worker exited")
		s.busy = nil
	}
	if s.ch != nil {
		s.ch.Close()
	}
	s.proc, s.ch, s.dead = nil, nil, false
	prom.workers.WithLabelValues(s.kind.String()).Dec()
}

func (m *Manager) spawn(s *slot) error {
	parent, child, err := channel.SocketPair()
	if err != nil {
		return err
	}
	defer child.Close()
	ch, err := channel.FromFile(parent)
	parent.Close()
	if err != nil {
		return err
	}
	ch.SetWriteTimeout(m.cfg.ChannelWriteTimeout)

	params := SpawnParams{ID: s.id, Kind: s.kind, TaskIndex: s.taskIndex, Channel: child, Config: m.cfg}
	if s.kind == KindSocket {
		lf, err := m.ln.(filer).File()
		if err != nil {
			ch.Close()
			return errors.Wrap(err, "worker: listener file")
		}
		defer lf.Close()
		params.Listener = lf
	}
	proc, err := m.spawner.Spawn(params)
	if err != nil {
		ch.Close()
		return errors.Wrapf(err, "worker: spawn %s worker %d", s.kind, s.id)
	}
	s.proc, s.ch = proc, ch
	if s.started {
		m.stats.respawns.Add(1)
		prom.respawns.Inc()
	}
	s.started = true
	prom.workers.WithLabelValues(s.kind.String()).Inc()
	m.log.Debug("worker spawned", zap.Int("worker", s.id), zap.Stringer("kind", s.kind), zap.Int("pid", proc.Pid()))
	return nil
}

// drain waits up to wait for channel traffic, then keeps reading while channels stay ready.
func (m *Manager) drain(wait time.Duration) {
	for round := 0; round < drainRounds; round++ {
		var chs []*channel.Channel
		bySlot := make(map[*channel.Channel]*slot)
		for _, s := range m.slots {
			if s.alive() {
				chs = append(chs, s.ch)
				bySlot[s.ch] = s
			}
		}
		if len(chs) == 0 {
			if round == 0 {
				time.Sleep(wait)
			}
			return
		}
		timeout := time.Duration(0)
		if round == 0 {
			timeout = wait
		}
		ready, err := channel.Select(chs, timeout)
		if err != nil {
			m.log.Error("select", zap.Error(err))
			return
		}
		if len(ready) == 0 {
			return
		}
		for _, ch := range ready {
			s := bySlot[ch]
			msg, err := ch.Read()
			if err != nil {
				m.log.Warn("worker channel failed", zap.Int("worker", s.id), zap.Error(err))
				m.stop(s, "channel failed")
				continue
			}
			m.handle(s, msg)
		}
	}
}

func (m *Manager) handle(s *slot, msg *channel.Message) {
	switch msg.Type {
	case channel.TypeTask:
		t := msg.Task
		t.FromWorkerID = s.id
		m.stats.queued.Add(1)
		prom.tasks.WithLabelValues("queued").Inc()
		if m.cfg.TaskWorkerNum == 0 {
			m.fail(t, "no task workers configured")
			return
		}
		m.queue = append(m.queue, t)
	case channel.TypeTaskFinish:
		t := msg.Task
		if s.kind != KindTask || s.busy == nil || s.busy.TaskID != t.TaskID {
			// the task already failed on timeout
			m.log.Debug("stale task finish", zap.Int("worker", s.id), zap.Uint64("task", t.TaskID))
			return
		}
		s.busy = nil
		m.stats.finished.Add(1)
		prom.tasks.WithLabelValues("finished").Inc()
		m.forward(t)
	default:
		m.log.Warn("unexpected message", zap.Int("worker", s.id), zap.Stringer("type", msg.Type))
	}
}

// dispatch hands queued tasks to idle task workers: the pinned one if the task names one,
// the first idle one otherwise. A task worker holds at most one task.
func (m *Manager) dispatch() {
	rest := m.queue[:0]
	for _, t := range m.queue {
		target := m.pick(t)
		if target == nil {
			if t.Error == "" {
				rest = append(rest, t)
			}
			continue
		}
		if t.TaskID == 0 {
			m.taskID++
			t.TaskID = m.taskID
		}
		pin := t.TaskWorkerID
		t.TaskWorkerID = target.taskIndex
		if err := target.ch.Send(&channel.Message{Type: channel.TypeTask, Task: t}); err != nil {
			m.log.Warn("dispatch failed", zap.Int("worker", target.id), zap.Error(err))
			m.stop(target, "dispatch failed")
			// an unpinned task may go to any other worker
			t.TaskWorkerID = pin
			rest = append(rest, t)
			continue
		}
		target.busy, target.busySince = t, time.Now()
		m.stats.dispatched.Add(1)
		prom.tasks.WithLabelValues("dispatched").Inc()
	}
	for i := len(rest); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = rest
}

// pick returns the task worker for t, or nil if none is free. A pin outside the pool fails t.
func (m *Manager) pick(t *Task) *slot {
	tasks := m.slots[m.cfg.WorkerNum:]
	if t.TaskWorkerID != channel.AnyWorker {
		if t.TaskWorkerID < 0 || t.TaskWorkerID >= len(tasks) {
			m.fail(t, "no such task worker")
			return nil
		}
		if s := tasks[t.TaskWorkerID]; s.idle() {
			return s
		}
		return nil
	}
	for _, s := range tasks {
		if s.idle() {
			return s
		}
	}
	return nil
}

// expire fails tasks that ran past the task timeout and restarts their workers.
func (m *Manager) expire(now time.Time) {
	if m.cfg.TaskTimeout <= 0 {
		return
	}
	for _, s := range m.slots[m.cfg.WorkerNum:] {
		if s.busy != nil && now.Sub(s.busySince) > m.cfg.TaskTimeout {
			m.log.Warn("task timed out", zap.Int("worker", s.id), zap.Uint64("task", s.busy.TaskID))
			m.fail(s.busy, "task timed out")
			s.busy = nil
			m.stop(s, "task timed out")
		}
	}
}

// stop kills a worker and marks its slot dead until the process is gone.
func (m *Manager) stop(s *slot, reason string) {
	if s.proc == nil || s.dead {
		return
	}
	m.log.Info("stopping worker", zap.Int("worker", s.id), zap.String("reason", reason))
	if s.busy != nil {
		m.fail(s.busy, "task worker "+reason)
		s.busy = nil
	}
	s.dead = true
	s.ch.Close()
	if err := s.proc.Kill(); err != nil {
		m.log.Warn("kill", zap.Int("worker", s.id), zap.Error(err))
	}
}

func (m *Manager) reload() {
	for _, s := range m.slots {
		if s.alive() {
			if err := s.proc.Signal(syscall.SIGTERM); err != nil {
				m.log.Warn("signal", zap.Int("worker", s.id), zap.Error(err))
			}
		}
	}
}

// fail returns t to its socket worker with an error so its callback still fires.
func (m *Manager) fail(t *Task, reason string) {
	t.Error = reason
	t.Data = nil
	m.stats.failed.Add(1)
	prom.tasks.WithLabelValues("failed").Inc()
	m.forward(t)
}

func (m *Manager) forward(t *Task) {
	if t.FromWorkerID < 0 || t.FromWorkerID >= m.cfg.WorkerNum {
		return
	}
	s := m.slots[t.FromWorkerID]
	if !s.alive() {
		m.log.Debug("origin worker gone, dropping result", zap.Uint64("task", t.TaskID))
		return
	}
	if err := s.ch.Send(&channel.Message{Type: channel.TypeTaskResult, Task: t}); err != nil {
		m.log.Warn("forward result", zap.Int("worker", s.id), zap.Error(err))
		m.stop(s, "forward failed")
	}
}

func (m *Manager) broadcast(msg *channel.Message) {
	for _, s := range m.slots {
		if !s.alive() {
			continue
		}
		if err := s.ch.Send(msg); err != nil {
			m.stop(s, "tick failed")
		}
	}
}

// shutdown asks every worker to stop, waits up to StopTimeout and kills the rest.
func (m *Manager) shutdown() error {
	m.state.Store(int32(StateStopping))
	for _, s := range m.slots {
		if s.proc != nil && !s.dead {
			s.proc.Signal(syscall.SIGTERM)
		}
	}
	end := time.Now().Add(m.cfg.StopTimeout)
	lingering := 0
	for _, s := range m.slots {
		if s.proc == nil {
			continue
		}
		if !waitDone(s.proc, time.Until(end)) {
			lingering++
			s.proc.Kill()
		}
		if s.ch != nil {
			s.ch.Close()
		}
		prom.workers.WithLabelValues(s.kind.String()).Dec()
		s.proc, s.ch = nil, nil
	}
	if n := len(m.queue); n > 0 {
		m.stats.failed.Add(uint64(n))
		prom.tasks.WithLabelValues("failed").Add(float64(n))
		m.queue = nil
	}
	m.log.Info("workers stopped", zap.Int("killed", lingering))
	if lingering > 0 {
		return &StateError{State: StateStopping, Err: errors.Errorf("%d workers did not exit within %s", lingering, m.cfg.StopTimeout)}
	}
	return nil
}

func waitDone(p Process, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		select {
		case <-p.Done():
			return true
		default:
			return false
		}
	}
}
