package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/dspaf/kernel/threads/arena"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/registry"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/threads/scheduler"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// Messages kept back from transport intake so components can still answer.
const intakeReserve = 2

// Config sizes a supervisor. The core it serves follows from the endpoint.
type Config struct {
	Messages    int
	Clients     int
	Granularity uint32
	IdleTimeout time.Duration
	Clock       clock.Clock
	Logger      *utils.Logger
}

func DefaultConfig() Config {
	return Config{
		Messages:    256,
		Clients:     registry.MAX_CLIENTS,
		Granularity: arena.DEFAULT_GRANULARITY,
		IdleTimeout: 10 * time.Millisecond,
	}
}

// Stats is a snapshot of supervisor activity.
type Stats struct {
	DispatchStats
	Received      uint64
	Interrupts    uint64
	Steps         uint64
	Passes        uint64
	MessagesInUse int
	Scheduled     int
	Suspended     bool
	Arena         arena.Stats
	Rx            foundation.QueueStats
	Tx            foundation.QueueStats
}

// Supervisor is the single cooperative worker of a core. Poll and Run must be
// called from one goroutine; Interrupt and Stats may be called from any.
type Supervisor struct {
	cfg    Config
	logger *utils.Logger
	ep     *foundation.Endpoint
	pool   *msg.Pool
	sched  *scheduler.Scheduler
	d      *Dispatcher

	mask    sync.Mutex
	backlog []foundation.WireMessage
	batch   []foundation.WireMessage
	irq     chan struct{}

	received   atomic.Uint64
	interrupts atomic.Uint64
	steps      atomic.Uint64
	passes     atomic.Uint64
	inUse      atomic.Int32
	scheduled  atomic.Int32
	suspended  atomic.Bool
	closed     atomic.Bool
}

// New builds a supervisor over the local side of the transport. The whole
// shared pool is formatted as the scratch arena.
func New(ep *foundation.Endpoint, factory *Factory, cfg Config) (*Supervisor, error) {
	def := DefaultConfig()
	if cfg.Messages <= 0 {
		cfg.Messages = def.Messages
	}
	if cfg.Clients <= 0 {
		cfg.Clients = def.Clients
	}
	if cfg.Granularity == 0 {
		cfg.Granularity = def.Granularity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("supervisor")
	}
	if factory == nil {
		return nil, fmt.Errorf("supervisor: nil factory")
	}

	alloc, err := NewSharedAllocator(ep.Translator(), cfg.Granularity)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	clients, err := registry.NewClientMap[*Component](cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	core := foundation.CoreDSP
	if ep.Owner() == sab.RegionOwnerAP {
		core = foundation.CoreAP
	}
	logger := cfg.Logger.With(utils.String("core", core.String()))
	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		ep:     ep,
		pool:   msg.NewPool(core.String(), cfg.Messages),
		sched:  scheduler.New(cfg.Clock),
		irq:    make(chan struct{}, 1),
	}
	s.d = &Dispatcher{
		core:    core,
		logger:  logger,
		ep:      ep,
		tr:      ep.Translator(),
		pool:    s.pool,
		alloc:   alloc,
		sched:   s.sched,
		factory: factory,
		clients: clients,
		tasks:   make(map[*scheduler.Task]*Component),
		admin:   defaultAdmin(),
	}
	logger.Info("supervisor ready",
		utils.Int("messages", cfg.Messages),
		utils.Int("clients", cfg.Clients),
		utils.Uint32("pool", alloc.Stats().PoolSize))
	return s, nil
}

func (s *Supervisor) Dispatcher() *Dispatcher         { return s.d }
func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.sched }
func (s *Supervisor) Endpoint() *foundation.Endpoint  { return s.ep }

// Interrupt queues a record delivered outside the ring, such as RESUME on a
// suspended channel.
func (s *Supervisor) Interrupt(w foundation.WireMessage) {
	s.mask.Lock()
	s.backlog = append(s.backlog, w)
	s.mask.Unlock()
	s.interrupts.Add(1)
	s.raise()
}

func (s *Supervisor) raise() {
	select {
	case s.irq <- struct{}{}:
	default:
	}
}

// Poll makes one pass: drain the transport, drain the interrupt backlog,
// dispatch queued messages, publish deferred output and run one due task.
// It reports whether anything happened.
func (s *Supervisor) Poll() bool {
	s.passes.Add(1)
	progress := s.drainTransport()
	if s.drainBacklog() {
		progress = true
	}
	if s.d.drainLocal() {
		progress = true
	}
	if s.d.flushDeferred() {
		progress = true
	}
	if s.runTask() {
		progress = true
	}
	s.inUse.Store(int32(s.pool.InUse()))
	s.scheduled.Store(int32(s.sched.Len()))
	s.suspended.Store(s.d.suspended)
	return progress
}

func (s *Supervisor) drainTransport() bool {
	if s.d.suspended {
		return false
	}
	progress := false
	for s.pool.Available() > intakeReserve {
		w, ok, err := s.ep.Receive()
		if err != nil || !ok {
			break
		}
		s.received.Add(1)
		s.intake(w)
		progress = true
	}
	return progress
}

func (s *Supervisor) drainBacklog() bool {
	s.mask.Lock()
	n := len(s.backlog)
	if avail := s.pool.Available(); n > avail {
		n = avail
	}
	s.batch = append(s.batch[:0], s.backlog[:n]...)
	s.backlog = append(s.backlog[:0], s.backlog[n:]...)
	s.mask.Unlock()

	for _, w := range s.batch {
		s.intake(w)
	}
	return n > 0
}

// intake turns a record into a queued message. A record whose address is not
// in the pool is answered with BadAddress straight away.
func (s *Supervisor) intake(w foundation.WireMessage) {
	m, err := s.pool.Get()
	utils.Bugcheck(err == nil, "intake without a free message: %v", err)
	if err := m.Load(w, s.ep.Translator()); err != nil {
		s.logger.Warn("received bad descriptor", utils.String("record", w.String()), utils.Err(err))
		m.Session, m.Opcode, m.Length = w.Session, w.Opcode, 0
		m.SetBuffer(0, nil)
		s.d.Respond(m, foundation.StatusBadAddress)
		return
	}
	s.d.Send(m)
}

func (s *Supervisor) runTask() bool {
	if s.d.suspended {
		return false
	}
	if wait, ok := s.sched.Until(); !ok || wait > 0 {
		return false
	}
	t := s.sched.Next()
	c, ok := s.d.tasks[t]
	utils.Bugcheck(ok, "scheduled task without component")
	s.d.step(c)
	s.sched.Done(t)
	s.steps.Add(1)
	return true
}

// Run loops until ctx is cancelled. After a pass without progress the core
// idles until the doorbell rings, an interrupt arrives or the next deadline.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for ctx.Err() == nil {
			if s.ep.Wait(s.cfg.IdleTimeout) {
				s.raise()
			}
		}
		return nil
	})
	g.Go(func() error {
		return s.loop(ctx)
	})
	return g.Wait()
}

func (s *Supervisor) loop(ctx context.Context) error {
	s.logger.Info("supervisor loop started")
	defer s.logger.Info("supervisor loop stopped")

	timer := s.cfg.Clock.Timer(s.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		for s.Poll() {
			if ctx.Err() != nil {
				return nil
			}
		}
		idle := s.cfg.IdleTimeout
		if d, ok := s.sched.Until(); ok && !s.d.suspended && d < idle {
			idle = d
		}
		timer.Reset(idle)
		select {
		case <-ctx.Done():
			return nil
		case <-s.irq:
		case <-timer.C:
		}
	}
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		DispatchStats: s.d.Stats(),
		Received:      s.received.Load(),
		Interrupts:    s.interrupts.Load(),
		Steps:         s.steps.Load(),
		Passes:        s.passes.Load(),
		MessagesInUse: int(s.inUse.Load()),
		Scheduled:     int(s.scheduled.Load()),
		Suspended:     s.suspended.Load(),
		Arena:         s.d.alloc.Stats(),
		Rx:            s.ep.Rx().Stats(),
		Tx:            s.ep.Tx().Stats(),
	}
}

// Close tears down every live component and releases the endpoint. It must
// not run concurrently with Poll or Run.
func (s *Supervisor) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	s.d.each(func(c *Component) {
		if c.terminal {
			return
		}
		c.terminal = true
		s.sched.Cancel(&c.task)
		if c.unit.Exit(c, nil) != ExitDone {
			err = multierr.Append(err, fmt.Errorf("component %s: exit pending at close", c))
		}
	})
	err = multierr.Append(err, s.ep.Close())
	s.logger.Info("supervisor closed", utils.Err(err))
	return err
}
