package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/capability"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
	"github.com/loqalabs/loqa-whisper/internal/stt"
)

// Runtime owns every long-lived component of a whisper node.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	recognizer stt.Recognizer
	stt        *stt.Service
	registry   *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the node up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.TranscriptStore, r.logger)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}

	var regOpts capability.Options
	if r.cfg.STT.Enabled {
		r.recognizer, err = newRecognizer(ctx, r.cfg.STT, r.logger)
		if err != nil {
			return err
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, r.recognizer, r.store)
		if err := r.stt.Start(); err != nil {
			return fmt.Errorf("start stt service: %w", err)
		}
		regOpts.Capabilities = append(regOpts.Capabilities, sttCapability(r.cfg.STT, r.recognizer))
		regOpts.Health = r.stt.Healthy
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger, regOpts)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}

	a := &api{
		maxBytes: r.cfg.STT.MaxRequestBytes,
		ready:    r.ready.Load,
		metrics:  metricsHandler,
		log:      r.logger.With(slog.String("component", "http")),
	}
	if r.stt != nil {
		a.stt = r.stt
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsSrv, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("stt_mode", r.cfg.STT.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// shutdown stops components in reverse start order. Components that never
// started are nil and skipped.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.recognizer != nil {
		if err := r.recognizer.Close(); err != nil {
			r.logger.Error("recognizer close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("transcript store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func newRecognizer(ctx context.Context, cfg config.STTConfig, logger *slog.Logger) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "whisper":
		rec, err := stt.NewWhisperRecognizer(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create whisper recognizer: %w", err)
		}
		return rec, nil
	default:
		logger.Warn("using mock recognizer")
		return stt.NewMockRecognizer(), nil
	}
}

func sttCapability(cfg config.STTConfig, rec stt.Recognizer) capability.Capability {
	c := capability.Capability{
		Name: capability.STT,
		Attributes: map[string]string{
			"mode":        cfg.Mode,
			"sample_rate": strconv.Itoa(cfg.SampleRate),
		},
	}
	if w, ok := rec.(*stt.WhisperRecognizer); ok {
		info := w.Info()
		c.Attributes["model"] = info.Name
		c.Attributes["model_version"] = info.Version
		c.Attributes["multilingual"] = strconv.FormatBool(info.Multilingual)
	}
	return c
}
