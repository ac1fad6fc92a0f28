package main

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tcp-acceleration-service/tas-sub000/internal/appif"
	"github.com/tcp-acceleration-service/tas-sub000/internal/dataplane"
	"github.com/tcp-acceleration-service/tas-sub000/internal/packetmem"
)

// appServer accepts the once-per-application control-socket handshake
// (SPEC_FULL.md §4.9) and hands back shared-memory queue offsets, one
// QueuePair per fast-path core, carved out of a packetmem.Allocator
// arena the way the fast path carves per-flow rx/tx buffers from the
// same kind of region. The OS-level shared memory itself is a memfd
// rather than the original's hugepage-backed arena (see DESIGN.md's
// note on this simplification); the handshake wire format and
// SCM_RIGHTS transfer are unchanged from internal/appif.
type appServer struct {
	ln     *appif.Listener
	reg    *appif.Registry
	cores  []*dataplane.Core
	arena  *packetmem.Allocator
	logger *slog.Logger
}

func newAppServer(reg *appif.Registry, cores []*dataplane.Core, arena *packetmem.Allocator, logger *slog.Logger) (*appServer, error) {
	ln, err := appif.Listen()
	if err != nil {
		return nil, fmt.Errorf("tasd: open app control socket: %w", err)
	}
	return &appServer{ln: ln, reg: reg, cores: cores, arena: arena, logger: logger.With(slog.String("component", "appserver"))}, nil
}

func (s *appServer) Close() error { return s.ln.Close() }

// Run accepts handshake connections until the listener is closed by
// Close, at which point Accept returns an error and Run returns.
func (s *appServer) Run() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handshake(conn)
	}
}

func (s *appServer) handshake(conn *appif.Conn) {
	defer conn.Close()

	req, err := conn.ReadRequest()
	if err != nil {
		s.logger.Warn("app handshake read failed", slog.String("error", err.Error()))
		return
	}

	perCore := uint64(req.RxQLen) + uint64(req.TxQLen)
	if perCore == 0 {
		perCore = 4096
	}

	queues := make([]appif.QueuePair, len(s.cores))
	handles := make([]packetmem.Handle, 0, len(s.cores))
	for i := range queues {
		h, err := s.arena.Alloc(perCore)
		if err != nil {
			s.logger.Warn("allocate app queue arena failed", slog.String("error", err.Error()))
			for _, prior := range handles {
				_ = s.arena.Free(prior)
			}
			return
		}
		handles = append(handles, h)
		queues[i] = appif.QueuePair{RxQOff: h.Base, TxQOff: h.Base + uint64(req.RxQLen)}
	}

	memFD, err := unix.MemfdCreate("tasd-app", 0)
	if err != nil {
		s.logger.Warn("create app shared-memory region failed", slog.String("error", err.Error()))
		return
	}
	defer unix.Close(memFD)
	if err := unix.Ftruncate(memFD, int64(perCore*uint64(len(s.cores)))); err != nil {
		s.logger.Warn("size app shared-memory region failed", slog.String("error", err.Error()))
		return
	}

	resp := appif.Response{
		AppOutLen:    req.TxQLen,
		AppInLen:     req.RxQLen,
		Queues:       queues,
		FlexnicDBID:  uint16(len(s.reg.List()) + 1),
		FlexnicQSNum: uint16(len(s.cores)),
	}

	if err := conn.SendResponse(resp, memFD); err != nil {
		s.logger.Warn("send app handshake response failed", slog.String("error", err.Error()))
		return
	}

	ctx := appif.NewContext(resp, -1)
	s.reg.Register(ctx)
	for _, core := range s.cores {
		core.AddApp(ctx)
	}
	s.logger.Info("application registered",
		slog.String("app_id", ctx.ID.String()),
		slog.Int("num_cores", len(s.cores)),
	)

	// handles are not freed after a successful handshake, and nothing
	// else frees them. The control socket carries only this one-shot
	// exchange (conn is closed by this function's deferred Close), so
	// there is no disconnect signal on it. internal/dataplane's
	// pollQueues drops an app context after MaxNullRounds idle polls,
	// but it does not return the context's arena handles to s.arena.
}
