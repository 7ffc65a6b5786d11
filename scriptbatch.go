package scriptbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/scriptbatch/internal/auth"
	"github.com/loykin/scriptbatch/internal/batch"
	"github.com/loykin/scriptbatch/internal/config"
	"github.com/loykin/scriptbatch/internal/history"
	hfactory "github.com/loykin/scriptbatch/internal/history/factory"
	"github.com/loykin/scriptbatch/internal/metrics"
	"github.com/loykin/scriptbatch/internal/notify"
	"github.com/loykin/scriptbatch/internal/server"
	"github.com/loykin/scriptbatch/internal/shellscript"
	"github.com/loykin/scriptbatch/internal/store"
	sfactory "github.com/loykin/scriptbatch/internal/store/factory"
	itls "github.com/loykin/scriptbatch/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Request = batch.Request

type Record = batch.Record

type State = batch.State

type Handle = batch.Handle

type WorkItem = store.WorkItem

type Step = store.Step

type Script = store.Script

type HistorySink = history.Sink

type Notifier = notify.Notifier

const (
	ParamStepTitle = batch.ParamStepTitle
	ParamScript    = batch.ParamScript

	StatePending   = batch.StatePending
	StateRunning   = batch.StateRunning
	StateSucceeded = batch.StateSucceeded
	StateFailed    = batch.StateFailed
)

// States lists every record state in lifecycle order.
var States = batch.States

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// journalAuthor signs journal entries written by batch runs.
const journalAuthor = "scriptbatch"

// Service wires the repository, history sinks, worker pool and HTTP API
// described by a Config.
type Service struct {
	cfg      *config.Config
	repo     store.Repository
	registry *batch.Registry
	d        *batch.Dispatcher
	pool     *batch.Pool
	history  *history.Fanout
	router   *server.Router
}

// Open builds a service. An empty store DSN keeps work items in memory.
func Open(ctx context.Context, c *Config) (*Service, error) {
	if c == nil {
		var err error
		if c, err = config.Load(""); err != nil {
			return nil, err
		}
	}
	var repo store.Repository = store.NewMemory()
	if c.Store.DSN != "" {
		r, err := sfactory.NewFromDSN(c.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		repo = r
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	scriptEnv, err := c.ScriptEnv()
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	s := &Service{cfg: c, repo: repo, registry: batch.NewRegistry(), pool: batch.NewPool(c.Workers.Size)}
	if c.History.Enabled {
		fan, err := hfactory.NewFanout(c.History.Sinks)
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("open history sinks: %w", err)
		}
		fan.Timeout = c.History.Timeout
		s.history = fan
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = s.closeSinks()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	notifier := notify.Multi{notify.Logger{}, notify.Journal{Repo: repo, Author: journalAuthor}}
	s.d = &batch.Dispatcher{
		Registry: s.registry,
		Repo:     repo,
		Runner: &shellscript.Executor{
			Env:            scriptEnv,
			Notifier:       notifier,
			Dir:            c.Workers.WorkDir,
			Logs:           c.Logger(),
			SampleInterval: c.Workers.SampleInterval,
		},
		Pool:     s.pool,
		Notifier: notifier,
	}
	if s.history != nil {
		s.d.History = s.history
	}
	s.router = server.NewRouter(s.d, c.Server.BasePath)
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		s.router.WithMetrics()
	}
	if c.Server.Auth.Enabled {
		authSvc, err := auth.New(c.Server.Auth)
		if err != nil {
			_ = s.closeSinks()
			return nil, fmt.Errorf("auth: %w", err)
		}
		s.router.WithAuth(authSvc)
	}
	return s, nil
}

func (s *Service) Config() *Config                { return s.cfg }
func (s *Service) Repository() store.Repository  { return s.repo }
func (s *Service) Dispatcher() *batch.Dispatcher { return s.d }
func (s *Service) Handler() http.Handler         { return s.router.Handler() }

// MountEcho serves the API from an existing echo instance under the configured base path.
func (s *Service) MountEcho(e *echo.Echo) { server.MountEcho(e, s.router) }

// Submit prepares and executes a batch without waiting for it.
func (s *Service) Submit(ctx context.Context, req Request) (*Handle, error) {
	b, err := s.d.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.Execute()
}

// Results returns the records of command.
func (s *Service) Results(command string) []Record { return s.registry.ResultsFor(command) }

// Cancel stops pickup of the pending records of command.
func (s *Service) Cancel(command string) bool { return s.registry.Cancel(command) }

// PutWorkItem stores a work item with its steps and scripts.
func (s *Service) PutWorkItem(ctx context.Context, item WorkItem) error {
	return s.repo.PutWorkItem(ctx, item)
}

// Serve runs the API server and, when configured on its own address, the
// metrics server until ctx is done or a listener fails.
func (s *Service) Serve(ctx context.Context) error {
	var servers []*http.Server
	errCh := make(chan error, 2)
	listen := func(srv *http.Server, tlsOn bool) {
		servers = append(servers, srv)
		go func() {
			var err error
			if tlsOn {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	if s.cfg.Server.Enabled {
		tlsCfg, err := itls.Setup(s.cfg.Server.TLS)
		if err != nil {
			return err
		}
		srv := server.NewServer(s.cfg.Server.Listen, s.router)
		srv.TLSConfig = tlsCfg
		listen(srv, tlsCfg != nil)
		slog.Info("API server listening", "addr", s.cfg.Server.Listen, "base_path", s.router.BasePath(), "tls", tlsCfg != nil)
	}
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		listen(&http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}, false)
		slog.Info("Metrics server listening", "addr", s.cfg.Metrics.Listen)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

// Close waits for running batch workers, bounded by ctx, then releases the
// history sinks and the repository.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	if err := s.closeSinks(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) closeSinks() error {
	var errs []error
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	if err := s.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
