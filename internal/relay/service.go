package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/user/chatrelay/internal/router"
	"github.com/user/chatrelay/internal/types"
)

// Transport is the router connection the service drives.
type Transport interface {
	types.Router
	RegisterHandler(h router.Handler)
	Run(ctx context.Context) error
	Connected() bool
	Close() error
}

// ErrAlreadyRunning is returned when Run is called on a running service.
var ErrAlreadyRunning = errors.New("relay already running")

// Service wires the poller and push handler to a router transport.
type Service struct {
	backend   types.Backend
	transport Transport
	poller    *Poller
	push      *PushHandler
	stats     *Stats
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(backend types.Backend, transport Transport, poller *Poller, push *PushHandler, stats *Stats, logger *slog.Logger) *Service {
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend:   backend,
		transport: transport,
		poller:    poller,
		push:      push,
		stats:     stats,
		logger:    logger.With("component", "relay"),
	}
}

// Stats returns the shared counters.
func (s *Service) Stats() *Stats {
	return s.stats
}

// Connected reports whether the router connection is up.
func (s *Service) Connected() bool {
	return s.transport.Connected()
}

// Run blocks until ctx is cancelled, Stop is called, or the router
// connection fails for good. The poller is stopped before the router so a
// tick in flight can still send.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel, s.done = nil, nil
		s.mu.Unlock()
		close(done)
	}()

	s.transport.RegisterHandler(s.push.Handle)
	s.push.Start(context.WithoutCancel(ctx))

	routerCtx, stopRouter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRouter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.transport.Run(routerCtx); err != nil {
			return fmt.Errorf("router: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopRouter()
		return s.poller.Run(gctx)
	})

	s.logger.Info("relay started")
	err := g.Wait()

	s.push.Stop()
	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug("router close", "error", cerr)
	}
	if c, ok := s.backend.(interface{ Close() }); ok {
		c.Close()
	}

	if err != nil {
		s.logger.Error("relay stopped", "error", err)
		return err
	}
	s.logger.Info("relay stopped")
	return nil
}

// Stop cancels a running Run and waits for it to return.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
