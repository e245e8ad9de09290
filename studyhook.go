package studyhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/studyhook/internal/auth"
	cfg "github.com/loykin/studyhook/internal/config"
	"github.com/loykin/studyhook/internal/dispatcher"
	"github.com/loykin/studyhook/internal/event"
	"github.com/loykin/studyhook/internal/history"
	"github.com/loykin/studyhook/internal/history/factory"
	"github.com/loykin/studyhook/internal/logger"
	"github.com/loykin/studyhook/internal/metrics"
	"github.com/loykin/studyhook/internal/payload"
	"github.com/loykin/studyhook/internal/server"
	"github.com/loykin/studyhook/internal/source/changes"
	tlsconf "github.com/loykin/studyhook/internal/tls"
)

// Version is stamped at build time with -ldflags "-X github.com/loykin/studyhook.Version=...".
var Version = "dev"

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Event = event.Event

type Kind = event.Kind

type Level = event.Level

type Outcome = dispatcher.DeliveryOutcome

type Stats = dispatcher.Stats

type HistorySink = history.Sink

const shutdownTimeout = 5 * time.Second

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// UserAgent is the User-Agent sent with every notification.
func UserAgent() string { return "studyhook/" + Version }

// DispatcherConfig maps the notify section onto dispatcher settings.
func DispatcherConfig(n cfg.NotifyConfig) (dispatcher.Config, error) {
	tlsCfg, err := tlsconf.ClientConfig(n.TLS)
	if err != nil {
		return dispatcher.Config{}, fmt.Errorf("notify tls: %w", err)
	}
	return dispatcher.Config{
		URL:              n.URL,
		Timeout:          n.Timeout,
		Event:            n.Kind(),
		Level:            n.ResourceLevel(),
		Retries:          n.Retries,
		RetryInterval:    n.RetryInterval,
		RetryMaxInterval: n.RetryMaxInterval,
		MaxBodyLog:       n.MaxBodyLog,
		Headers:          n.Headers,
		UserAgent:        UserAgent(),
		TLS:              tlsCfg,
		Sequencer:        payload.NewSequencer(n.Sequence),
	}, nil
}

// Service wires the event sources, the dispatcher, the outcome journal and
// the HTTP ingress for one configuration.
type Service struct {
	conf      *Config
	log       *slog.Logger
	logCloser io.Closer

	bus     *event.Bus
	disp    *dispatcher.Dispatcher
	journal history.Multi
	poller  *changes.Poller
	router  *server.Router

	closeOnce sync.Once
}

// NewService builds a Service. When log is nil the logger is built from the
// config's log section.
func NewService(c *Config, log *slog.Logger) (*Service, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := &Service{conf: c, bus: event.NewBus()}

	if log == nil {
		l, closer, err := logger.NewSlogger(c.Log.Logger(), nil)
		if err != nil {
			return nil, err
		}
		log, s.logCloser = l, closer
	}
	s.log = log

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			s.closeLog()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if c.History.Enabled {
		j, err := factory.NewMulti(c.History.Sinks)
		if err != nil {
			s.closeLog()
			return nil, err
		}
		s.journal = j
	}

	dc, err := DispatcherConfig(c.Notify)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	dc.Journal = s.journal
	dc.Logger = log
	s.disp, err = dispatcher.New(dc)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	s.disp.Subscribe(s.bus)

	if c.Source.Type == cfg.SourceChanges {
		ch := c.Source.Changes
		s.poller, err = changes.New(changes.Options{
			URL:          ch.URL,
			Username:     ch.Username,
			Password:     ch.Password,
			PollInterval: ch.PollInterval,
			Limit:        ch.Limit,
			Since:        ch.Since,
			Logger:       log,
		})
		if err != nil {
			s.closeResources()
			return nil, err
		}
		s.disp.Subscribe(s.poller)
	}

	opts := server.Options{
		BasePath: c.Server.BasePath,
		Auth: auth.Credentials{
			Username: c.Server.Auth.Username,
			Password: c.Server.Auth.Password,
			Token:    c.Server.Auth.Token,
		},
		Logger: log,
	}
	if c.Metrics.Enabled {
		opts.Metrics = metrics.Handler()
	}
	s.router = server.NewRouter(s.bus, s.disp, opts)
	return s, nil
}

// Publish feeds one event through the in-process bus.
func (s *Service) Publish(ev Event) int { return s.bus.Publish(ev) }

// Handle runs one event through the dispatcher and returns its outcome.
func (s *Service) Handle(ev Event) Outcome { return s.disp.Handle(ev) }

func (s *Service) Stats() Stats { return s.disp.Stats() }

// Handler returns the ingress HTTP handler.
func (s *Service) Handler() http.Handler { return s.router.Handler() }

// Run serves the ingress (when server.listen is set) and follows the change
// feed (when source.type is changes) until ctx is cancelled or the listener
// fails. Resources are released before Run returns.
func (s *Service) Run(ctx context.Context) error {
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if s.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("change feed: %w", err)
			}
		}()
	}

	var srv *http.Server
	if s.conf.Server.Listen != "" {
		tlsCfg, err := tlsconf.ServerConfig(s.conf.Server.TLS)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("server tls: %w", err)
		}
		ln, err := net.Listen("tcp", s.conf.Server.Listen)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("listen %s: %w", s.conf.Server.Listen, err)
		}
		srv = server.NewServer(s.conf.Server.Listen, s.Handler(), tlsCfg)
		s.log.Info("ingress listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if tlsCfg != nil {
				err = srv.ServeTLS(ln, "", "")
			} else {
				err = srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("ingress: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("ingress shutdown", "error", err)
		}
		stop()
	}
	wg.Wait()
	return runErr
}

// Close stops retry waits, drains accepted ingress events and closes the
// journal sinks. It is idempotent.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.disp != nil {
			s.disp.Close()
		}
		if s.router != nil {
			s.router.Wait()
		}
		err = s.closeResources()
	})
	return err
}

func (s *Service) closeResources() error {
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	errs = append(errs, s.closeLog())
	return errors.Join(errs...)
}

func (s *Service) closeLog() error {
	if s.logCloser == nil {
		return nil
	}
	c := s.logCloser
	s.logCloser = nil
	return c.Close()
}
