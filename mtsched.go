package mtsched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/behrlich/go-mtsched/internal/ctrl"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/logging"
	"github.com/behrlich/go-mtsched/internal/signal"
)

// State mirrors the teacher's DeviceState: the scheduler's coarse
// lifecycle, reported by Scheduler.State.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Options configures a Scheduler beyond EngineParams: the collaborators
// that have no sensible zero value (logger, observer, CPU affinity).
type Options struct {
	Logger   *logging.Logger
	Observer Observer
	Affinity interfaces.AffinityConfigurator
}

// Scheduler assembles an Engine with EngineParams-derived thread topology
// and crash coordination: the top-level object an embedder constructs,
// the equivalent of the teacher's Device (spec.md section 2, "Engine
// assembly").
type Scheduler struct {
	mu sync.Mutex

	engine   *Engine
	params   ctrl.EngineParams
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer
	affinity interfaces.AffinityConfigurator

	crash *ctrl.CrashCoordinator
	state State

	stop       chan struct{}
	wg         sync.WaitGroup
	tickMillis atomic.Uint32
}

// New creates a Scheduler with no threads registered yet. Call
// RegisterThread and Connect to build the thread topology, then Start.
func New(params ctrl.EngineParams, options *Options) (*Scheduler, error) {
	if err := params.Validate(); err != nil {
		return nil, WrapError("NEW", err)
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	affinity := options.Affinity
	if affinity == nil {
		affinity = ctrl.LinuxAffinity{}
	}

	return &Scheduler{
		engine:   NewEngineCore(params.NumBlockThreads),
		params:   params,
		logger:   logger,
		metrics:  metrics,
		observer: observer,
		affinity: affinity,
		state:    StateCreated,
	}, nil
}

// RegisterThread adds a block thread numbered threadNo (0..NumBlockThreads-1)
// dispatching executed signals to block.
func (s *Scheduler) RegisterThread(threadNo uint32, block interfaces.Block) (*ThreadHandle, error) {
	return s.engine.RegisterThread(threadNo, block, s.observer)
}

// Connect wires a JBB/JBA pair from producer to consumer (spec.md section
// 4.5); call this for every pair of threads that need to exchange
// signals before Start.
func (s *Scheduler) Connect(from, to uint32) error {
	return s.engine.Connect(from, to)
}

// SendLocal stages sig for destThread, batched in fromThread's local
// signal stage (spec.md section 4.6, "sendlocal").
func (s *Scheduler) SendLocal(fromThread, destThread uint32, sig *signal.Signal) error {
	return s.engine.sendlocal(fromThread, destThread, sig)
}

// SendPrioA inserts sig directly into destThread's JBA, bypassing the
// local stage (spec.md section 4.7, "sendprioa").
func (s *Scheduler) SendPrioA(fromThread, destThread uint32, sig *signal.Signal) error {
	return s.engine.sendprioa(fromThread, destThread, sig)
}

// SendDelay schedules sig for delivery to destThread after delayTicks
// thread-loop ticks (spec.md section 4.7, "senddelay").
func (s *Scheduler) SendDelay(fromThread, destThread uint32, sig *signal.Signal, delayTicks uint32) error {
	return s.engine.senddelay(fromThread, destThread, sig, delayTicks)
}

// FlushLocalSignals flushes every pending destination in fromThread's
// local stage immediately (spec.md section 4.6, "flush_local_signals").
func (s *Scheduler) FlushLocalSignals(fromThread uint32) error {
	return s.engine.flushLocalSignals(fromThread)
}

// WakeupPending wakes every destination fromThread flushed since the last
// call (spec.md section 4.6, "wake_threads_mask" sweep).
func (s *Scheduler) WakeupPending(fromThread uint32) error {
	return s.engine.wakeupPending(fromThread)
}

// Metrics returns the scheduler's metrics, populated only when Options.Observer
// was left nil (the default MetricsObserver records into it).
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// State reports the scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// clockMillis supplies each block thread's main loop with a monotonic
// tick count, advanced once per millisecond by Start's tick goroutine.
func (s *Scheduler) clockMillis() uint32 { return s.tickMillis.Load() }

func (s *Scheduler) tick() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tickMillis.Add(1)
		}
	}
}

// Start launches every registered thread's main loop (spec.md section
// 4.10) and applies CPU affinity per EngineParams.CPUAffinity.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return NewError("START", ErrCodeInvalidParameters, "scheduler already running")
	}

	s.engine.mu.RLock()
	threadNos := make([]uint32, 0, len(s.engine.threads))
	handles := make([]*ThreadHandle, 0, len(s.engine.threads))
	for no, h := range s.engine.threads {
		threadNos = append(threadNos, no)
		handles = append(handles, h)
	}
	s.engine.mu.RUnlock()

	s.crash = ctrl.NewCrashCoordinator(threadNos)
	s.stop = make(chan struct{})

	for _, h := range handles {
		if err := s.affinity.SetAffinity(h.No, s.params.CPUAffinity); err != nil {
			s.logger.Warn("failed to set CPU affinity", "thread", h.No, "err", err)
		}
	}

	for _, h := range handles {
		h := h
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h.inner.Run(s.stop, s.clockMillis, h.outgoing, 0, h.pages)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick()
	}()

	s.state = StateRunning
	s.logger.Info("scheduler started", "threads", len(handles))
	return nil
}

// Stop halts every thread's main loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.state = StateStopped
	s.mu.Unlock()

	s.wg.Wait()
	s.metrics.Stop()
	s.logger.Info("scheduler stopped")
}

// Ack lets a thread acknowledge an in-flight STOP_FOR_CRASH request, once
// it has observed CrashRequested and stopped touching shared state
// (spec.md section 5, "Cancellation").
func (s *Scheduler) Ack(threadNo uint32) {
	s.mu.Lock()
	c := s.crash
	s.mu.Unlock()
	if c != nil {
		c.Ack(threadNo)
	}
}

// CrashRequested reports whether RequestCrashStop has been called. The
// block-thread main loop does not poll it; a caller that wants to stop
// picking up new work checks it itself.
func (s *Scheduler) CrashRequested() bool {
	s.mu.Lock()
	c := s.crash
	s.mu.Unlock()
	return c != nil && c.Started()
}

// RequestCrashStop implements STOP_FOR_CRASH (spec.md section 5/7): it
// blocks until every registered thread has Acked or CrashAckTimeout
// elapses, then stops the scheduler.
func (s *Scheduler) RequestCrashStop() {
	s.mu.Lock()
	c := s.crash
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.RequestStop()
	s.Stop()
}
