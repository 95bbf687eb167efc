package supervise

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/pgdb"
)

// ExitCodeSignalBase is added to the signal number on the fast path.
const ExitCodeSignalBase = 128

// Handler implements the two shutdown modes: the first SIGTERM or
// SIGINT cancels the run context and lets in-flight jobs drain; SIGQUIT or
// a second SIGINT cancels running statements out-of-band and exits with
// 128 plus the signal number.
type Handler struct {
	cancel context.CancelFunc
	logger zerolog.Logger

	mu       sync.Mutex
	sessions []*pgx.Conn
	fired    bool
}

// WithSignals wraps ctx with the shutdown protocol. The returned stop
// function releases the signal handler.
func WithSignals(ctx context.Context, logger zerolog.Logger) (context.Context, *Handler, func()) {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handler{cancel: cancel, logger: logger.With().Str("component", "signals").Logger()}

	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go h.loop(ch)

	stop := func() {
		signal.Stop(ch)
		cancel()
	}
	return ctx, h, stop
}

// Track registers a session whose in-flight statement is cancelled on the
// fast path.
func (h *Handler) Track(conn *pgx.Conn) {
	h.mu.Lock()
	h.sessions = append(h.sessions, conn)
	h.mu.Unlock()
}

func (h *Handler) loop(ch chan os.Signal) {
	for sig := range ch {
		h.mu.Lock()
		second := h.fired
		h.fired = true
		h.mu.Unlock()

		fast := sig == syscall.SIGQUIT || (sig == syscall.SIGINT && second)
		if !fast {
			h.logger.Info().Str("signal", sig.String()).Msg("graceful shutdown requested")
			h.cancel()
			continue
		}

		h.logger.Warn().Str("signal", sig.String()).Msg("fast shutdown: cancelling running statements")
		h.cancel()
		h.mu.Lock()
		sessions := h.sessions
		h.mu.Unlock()
		for _, conn := range sessions {
			pgdb.CancelInFlight(conn)
		}
		if sysSig, ok := sig.(syscall.Signal); ok {
			os.Exit(ExitCodeSignalBase + int(sysSig))
		}
		os.Exit(1)
	}
}
