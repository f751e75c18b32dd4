// Package node assembles a DSP core process: the shared region, the
// supervisor hosting the reference units, the mailbox link listener and the
// metrics endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/dspaf/kernel/config"
	"github.com/nmxmxh/dspaf/kernel/core/link"
	"github.com/nmxmxh/dspaf/kernel/metrics"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor/units"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

const (
	LinkPath    = "/link"
	MetricsPath = "/metrics"

	shutdownTimeout = 5 * time.Second
)

// State is the lifecycle state of a node.
type State int32

const (
	StateUninitialized State = iota
	StateBooting
	StateRunning
	StateStopping
	StateStopped
	StatePanic
)

var stateNames = map[State]string{
	StateUninitialized: "UNINITIALIZED",
	StateBooting:       "BOOTING",
	StateRunning:       "RUNNING",
	StateStopping:      "STOPPING",
	StateStopped:       "STOPPED",
	StatePanic:         "PANIC",
}

func (s State) String() string { return stateNames[s] }

var ErrState = errors.New("node: invalid lifecycle transition")

// Node is one DSP core.
type Node struct {
	state  atomic.Int32
	cfg    *config.Config
	logger *utils.Logger
	sink   io.Writer
	loader *units.StaticLoader

	mem    sab.MemoryProvider
	layout sab.Layout
	sup    *supervisor.Supervisor

	linkLn    net.Listener
	metricsLn net.Listener
	servers   []*http.Server

	mu    sync.Mutex
	links map[*link.Notifier]struct{}
	wg    sync.WaitGroup

	startTime time.Time
	shutdown  *utils.GracefulShutdown
}

// New prepares a node. sink receives rendered frames; nil discards them.
func New(cfg *config.Config, sink io.Writer) *Node {
	logger := utils.DefaultLogger("node").With(utils.String("node", cfg.Core.NodeID))
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		loader:   units.NewStaticLoader(),
		links:    make(map[*link.Notifier]struct{}),
		shutdown: utils.NewGracefulShutdown(shutdownTimeout, logger),
	}
	n.setState(StateUninitialized)
	return n
}

func (n *Node) Supervisor() *supervisor.Supervisor { return n.sup }
func (n *Node) Memory() sab.MemoryProvider         { return n.mem }
func (n *Node) Layout() sab.Layout                 { return n.layout }
func (n *Node) State() State                       { return State(n.state.Load()) }

// LinkAddr is the bound link listener address, valid after Boot.
func (n *Node) LinkAddr() string { return addr(n.linkLn) }

// MetricsAddr is empty when metrics are disabled.
func (n *Node) MetricsAddr() string { return addr(n.metricsLn) }

func addr(l net.Listener) string {
	if l == nil {
		return ""
	}
	return l.Addr().String()
}

// Boot maps the shared region, builds the supervisor and binds the listeners.
func (n *Node) Boot() (err error) {
	defer n.recoverPanic(&err)
	if !n.transition(StateUninitialized, StateBooting) {
		return fmt.Errorf("%w: boot from %s", ErrState, n.State())
	}
	cfg := n.cfg

	layout, err := sab.NewLayout(cfg.Ring.Capacity, cfg.SharedMemory.PoolSize)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	mem, created, err := openMemory(cfg.SharedMemory, layout.TotalSize())
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.shutdown.Register("shared memory", mem.Close)
	if created {
		err = layout.Initialize(mem)
	} else {
		layout, err = sab.Attach(mem)
	}
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.mem, n.layout = mem, layout

	kick := foundation.NewDoorbell(mem, sab.OFFSET_DOORBELL_AP)
	wake := foundation.NewDoorbell(mem, sab.OFFSET_DOORBELL_DSP)
	ep, err := foundation.NewDSPEndpoint(mem, layout, sab.Addr(cfg.Core.DSPBase), foundation.WithNotifiers(kick, wake))
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}

	f := supervisor.NewFactory()
	if err := units.Register(f, units.Config{
		FrameSize:   cfg.Registry.FrameSize,
		Buffered:    cfg.Registry.Buffered,
		Sink:        n.sink,
		Loader:      n.loader,
		MixerInputs: cfg.Registry.MixerInputs,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.sup, err = supervisor.New(ep, f, supervisor.Config{
		Messages:    cfg.Pools.Messages,
		Clients:     cfg.Registry.Clients,
		Granularity: cfg.Pools.Granularity,
		IdleTimeout: cfg.Scheduler.IdleTimeout,
		Logger:      n.logger,
	})
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.shutdown.Register("supervisor", n.sup.Close)

	if err := n.listen(); err != nil {
		return err
	}
	n.logger.Info("node booted",
		utils.Uint32("ring", layout.Capacity),
		utils.Uint32("pool", layout.Pool.Size),
		utils.Bool("created", created),
		utils.String("shm", cfg.SharedMemory.Path),
		utils.String("link", n.LinkAddr()),
		utils.String("metrics", n.MetricsAddr()))
	return nil
}

func (n *Node) listen() error {
	mux := http.NewServeMux()
	mux.Handle(LinkPath, link.Handler(n.accept))
	ln, err := net.Listen("tcp", n.cfg.Link.Listen)
	if err != nil {
		return fmt.Errorf("node: link listener: %w", err)
	}
	n.linkLn = ln
	n.servers = append(n.servers, &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second})

	if !n.cfg.Metrics.Enabled {
		return nil
	}
	h, err := metrics.Handler(metrics.NewCollector(n.cfg.Metrics.Namespace, n.cfg.Core.NodeID, n.sup))
	if err != nil {
		return fmt.Errorf("node: metrics: %w", err)
	}
	mmux := http.NewServeMux()
	mmux.Handle(MetricsPath, h)
	if n.cfg.Metrics.Listen == n.cfg.Link.Listen {
		mux.Handle(MetricsPath, h)
		return nil
	}
	ln, err = net.Listen("tcp", n.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("node: metrics listener: %w", err)
	}
	n.metricsLn = ln
	n.servers = append(n.servers, &http.Server{Handler: mmux, ReadHeaderTimeout: 5 * time.Second})
	return nil
}

// accept binds a link to the supervisor's interrupt path.
func (n *Node) accept(l *link.WebSocketLink) {
	nt := link.NewNotifier(l, n.logger)
	nt.OnMailbox(n.sup.Interrupt)
	n.mu.Lock()
	if n.State() != StateRunning {
		n.mu.Unlock()
		_ = nt.Close()
		return
	}
	n.links[nt] = struct{}{}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		if err := nt.Run(context.Background()); err != nil {
			n.logger.Warn("link failed", utils.Err(err))
		}
		n.mu.Lock()
		delete(n.links, nt)
		n.mu.Unlock()
		_ = nt.Close()
	}()
}

// Run serves until ctx ends. Shutdown must follow.
func (n *Node) Run(ctx context.Context) (err error) {
	defer n.recoverPanic(&err)
	if !n.transition(StateBooting, StateRunning) {
		return fmt.Errorf("%w: run from %s", ErrState, n.State())
	}
	n.startTime = time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.sup.Run(ctx) })

	listeners := []net.Listener{n.linkLn, n.metricsLn}
	for i, srv := range n.servers {
		srv, ln := srv, listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("node: serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var err error
		for _, srv := range n.servers {
			if serr := srv.Shutdown(sctx); serr != nil {
				err = serr
			}
		}
		return err
	})
	n.logger.Info("node running")
	err = g.Wait()
	n.logger.Info("node stopped serving", utils.Duration("uptime", time.Since(n.startTime)))
	return err
}

// Shutdown drops every link and releases the supervisor and shared region.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	n.setState(StateStopping)
	for nt := range n.links {
		_ = nt.Close()
	}
	n.mu.Unlock()
	n.wg.Wait()
	for _, ln := range []net.Listener{n.linkLn, n.metricsLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}

	err := n.shutdown.Shutdown(ctx)
	n.setState(StateStopped)
	return err
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
}

func (n *Node) transition(from, to State) bool {
	return n.state.CompareAndSwap(int32(from), int32(to))
}

func (n *Node) recoverPanic(err *error) {
	if r := recover(); r != nil {
		n.setState(StatePanic)
		n.logger.Error("node panic",
			utils.Any("reason", r),
			utils.String("stack", string(debug.Stack())))
		*err = fmt.Errorf("node: panic: %v", r)
	}
}
