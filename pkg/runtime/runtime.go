package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saker-ai/tts-streamer/internal/bus"
	appconfig "github.com/saker-ai/tts-streamer/internal/config"
	apphttp "github.com/saker-ai/tts-streamer/internal/http"
	applogger "github.com/saker-ai/tts-streamer/internal/logger"
	"github.com/saker-ai/tts-streamer/internal/metrics"
	"github.com/saker-ai/tts-streamer/internal/registry"
	"github.com/saker-ai/tts-streamer/internal/storage"
	"github.com/saker-ai/tts-streamer/internal/tts"
	"github.com/saker-ai/tts-streamer/internal/ws"
	"github.com/saker-ai/tts-streamer/pkg/audio"
)

const shutdownTimeout = 5 * time.Second

// Server wires the device hub, HTTP surface and optional NATS bridge.
type Server struct {
	cfg    appconfig.Config
	logger *zap.Logger
	server *http.Server

	hub      *ws.Hub
	journal  *storage.Journal
	redis    *redis.Client
	embedded *bus.EmbeddedServer
	busConn  *bus.Client
	bridge   *bus.Bridge

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New loads configPath and builds every component. Nothing listens until Run.
func New(configPath string) (*Server, error) {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load streamer config: %w", err)
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("streamer logger configured",
		zap.String("level", cfg.Log.Level),
		zap.Bool("stdout", cfg.Log.Stdout),
		zap.Bool("file_enabled", cfg.Log.File.Enabled),
		zap.String("file_path", cfg.Log.File.Path),
	)
	logger.Info("streamer config loaded",
		zap.String("config_path", configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("http_addr", cfg.HTTPAddr),
	)

	s := &Server{cfg: cfg, logger: logger}
	if err := s.build(context.Background()); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg

	reg, err := s.buildRegistry(ctx)
	if err != nil {
		return err
	}

	journalPath := ""
	if cfg.Journal.Enabled {
		journalPath = cfg.Journal.Path
	}
	s.journal, err = storage.Open(ctx, journalPath, s.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	device, err := deviceFormat(cfg.Audio)
	if err != nil {
		return err
	}
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return fmt.Errorf("build synthesizer: %w", err)
	}
	speaker := tts.NewSpeaker(synth, tts.SpeakerOptions{
		Device:  device,
		Opus:    cfg.Audio.Opus,
		Timeout: cfg.TTS.Timeout,
		OnError: func(deviceID string, err error) {
			s.logger.Warn("reply aborted", zap.String("device_id", deviceID), zap.Error(err))
		},
	}, s.logger)

	profiles := appconfig.ScanDeviceProfiles(cfg.DeviceProfilesDir)
	s.logger.Info("device profiles loaded",
		zap.String("dir", cfg.DeviceProfilesDir),
		zap.Int("count", len(profiles)),
	)

	s.hub = ws.NewHub(ws.HubOptions{
		Stream:   cfg.Stream,
		Profiles: profiles,
		Registry: reg,
		Speaker:  speaker,
		Journal:  s.journal,
		Metrics:  m,
		Voice:    cfg.TTS.Voice,
	}, s.logger)

	router := apphttp.NewRouter(cfg, apphttp.Options{
		WSHandler: ws.NewHandler(s.logger, cfg, s.hub),
		Hub:       s.hub,
		Journal:   s.journal,
		Metrics:   m,
	}, s.logger)
	s.server = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	if cfg.Bus.Enabled {
		if err := s.buildBus(ctx, device); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) buildRegistry(ctx context.Context) (registry.Registry, error) {
	cfg := s.cfg.Registry
	switch cfg.Backend {
	case "", "memory":
		return registry.NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		s.redis = client
		s.logger.Info("redis registry connected", zap.String("addr", cfg.RedisAddr))
		return registry.NewRedis(client, registry.WithTTL(cfg.TTL), registry.WithPrefix(cfg.Prefix)), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}

func (s *Server) buildBus(ctx context.Context, device audio.Format) error {
	busCfg := s.cfg.Bus
	embedded, err := bus.StartEmbedded(busCfg, s.logger)
	if err != nil {
		return err
	}
	s.embedded = embedded
	if len(busCfg.Servers) == 0 && embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	s.busConn, err = bus.Connect(ctx, busCfg, s.logger)
	if err != nil {
		return err
	}
	s.bridge = bus.NewBridge(context.Background(), s.busConn, s.hub, bus.BridgeOptions{
		Subject: busCfg.Subject,
		Device:  device,
		Opus:    s.cfg.Audio.Opus,
	}, s.logger)
	return s.bridge.Start()
}

func deviceFormat(cfg appconfig.AudioConfig) (audio.Format, error) {
	encoding, err := audio.ParseEncoding(cfg.Format)
	if err != nil {
		return audio.Format{}, fmt.Errorf("audio.format: %w", err)
	}
	return audio.Format{
		Encoding:      encoding,
		SampleRate:    cfg.SampleRate,
		Channels:      cfg.Channels,
		FrameDuration: cfg.FrameDuration,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := serve(s.server, ln, s.cfg, s.logger)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr returns the bound address once Run is listening, else the configured one.
func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Hub exposes the device hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Shutdown stops accepting producers and devices, then drains the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.bridge != nil {
		s.bridge.Close()
	}
	var err error
	if s.server != nil {
		err = ignoreServerClosed(s.server.Shutdown(ctx))
	}
	s.release()
	s.logger.Info("streamer stopped")
	return err
}

// release closes whatever build managed to open.
func (s *Server) release() {
	if s.busConn != nil {
		s.busConn.Close()
	}
	s.embedded.Shutdown()
	if s.hub != nil {
		s.hub.Close()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("journal close failed", zap.Error(err))
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func ignoreServerClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
