// Package domaind wires the daemon's process-wide components —
// registry, accountant, shared heap, storage database, command
// channel, and admin HTTP surface — into one runnable Server, the
// same composition-root role internal/jvp.Server plays for the
// teacher's VM manager.
package domaind

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jimmicro/grace"
	"github.com/rs/zerolog"

	"github.com/jimyag/domaind/internal/domaind/adminapi"
	"github.com/jimyag/domaind/internal/domaind/config"
	"github.com/jimyag/domaind/internal/domaind/syscallbridge"
	"github.com/jimyag/domaind/internal/domaind/testdomains"
	"github.com/jimyag/domaind/pkg/accountant"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/channel"
	"github.com/jimyag/domaind/pkg/domainid"
	"github.com/jimyag/domaind/pkg/elfloader"
	"github.com/jimyag/domaind/pkg/registry"
	"github.com/jimyag/domaind/pkg/sharedheap"
	"github.com/jimyag/domaind/pkg/storagedb"
)

// stdlibEntryResolver is the daemon's default syscallbridge.EntryResolver:
// every registered ELF resolves to a fresh in-process stdlib-logger
// instance, since this repository runs domains in-process rather than
// executing foreign machine code (see pkg/elfloader.EntryFunc's doc
// comment).
// A real deployment swaps this for a resolver keyed on DomainFile.Type
// once per-type domain binaries exist; none do, per spec.md §1's
// explicit exclusion of driver implementations.
type stdlibEntryResolver struct{}

func (stdlibEntryResolver) ResolveEntry(*capability.DomainFile) (elfloader.EntryFunc, error) {
	return testdomains.NewStdlibLoggerEntry(), nil
}

// channelServer is the subset of grace.Grace the command channel
// listener implements.
type channelServer struct {
	addr      string
	transport string
	srv       *channel.Server

	listener net.Listener
	httpSrv  *http.Server
}

func (c *channelServer) Name() string { return "command channel" }

func (c *channelServer) Run(ctx context.Context) error {
	if c.transport == "websocket" {
		return c.runWebsocket(ctx)
	}
	return c.runTCP(ctx)
}

func (c *channelServer) runTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen on command channel: %w", err)
	}
	c.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			if err := c.srv.Serve(ctx, conn); err != nil {
				zerolog.Ctx(ctx).Debug().Err(err).Msg("command channel session ended with error")
			}
		}()
	}
}

// channelUpgrader mirrors internal/jvp/api's console-websocket
// upgrader (buffer sizes, permissive CheckOrigin) for the command
// channel's websocket transport.
var channelUpgrader = websocket.Upgrader{
	ReadBufferSize:  32768,
	WriteBufferSize: 32768,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (c *channelServer) runWebsocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := channelUpgrader.Upgrade(w, r, nil)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to upgrade command channel websocket")
			return
		}
		if err := c.srv.Serve(ctx, channel.NewWebsocketConn(wsConn)); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("command channel session ended with error")
		}
	})

	c.httpSrv = &http.Server{Addr: c.addr, Handler: mux}
	if err := c.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (c *channelServer) Shutdown(ctx context.Context) error {
	if c.httpSrv != nil {
		return c.httpSrv.Shutdown(ctx)
	}
	if c.listener == nil {
		return nil
	}
	return c.listener.Close()
}

// Server is the running daemon: every process-wide table plus the two
// externally reachable surfaces (admin HTTP, command channel).
type Server struct {
	cfg     *config.Config
	daemon  *syscallbridge.Daemon
	admin   *adminapi.API
	channel *channelServer
	store   *storagedb.Store
}

// New wires a Server around cfg.
func New(cfg *config.Config) (*Server, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger

	store, err := storagedb.Open(cfg.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("open storage database: %w", err)
	}

	reg := registry.New()
	daemon := syscallbridge.New(reg, accountant.New(), sharedheap.New(), store, domainid.New(), stdlibEntryResolver{})

	admin := adminapi.New(reg, daemon, cfg.AdminAddress)
	chSrv := &channelServer{addr: cfg.ChannelAddress, transport: cfg.ChannelTransport, srv: channel.NewServer(daemon)}

	return &Server{cfg: cfg, daemon: daemon, admin: admin, channel: chSrv, store: store}, nil
}

// Run starts every service under a grace.Shepherd and blocks until ctx
// is cancelled or a service fails, mirroring the teacher's own
// internal/jvp.Server.Run.
func (s *Server) Run(ctx context.Context) error {
	services := []grace.Grace{s.admin, s.channel}

	shepherd := grace.NewShepherd(
		services,
		grace.WithTimeout(30*time.Second),
		grace.WithLogger(&zerologLogger{}),
	)

	shepherd.Start(ctx)
	return nil
}

// Shutdown gracefully stops the admin HTTP surface and closes the
// storage database.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.admin.Shutdown(ctx); err != nil {
		return err
	}
	if err := s.channel.Shutdown(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

// Name satisfies grace.Grace.
func (s *Server) Name() string { return "domaind" }

// zerologLogger adapts zerolog to grace.Logger, identical to the
// teacher's own internal/jvp adapter.
type zerologLogger struct{}

func (l *zerologLogger) Info(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Info()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}

func (l *zerologLogger) Error(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Error()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}
