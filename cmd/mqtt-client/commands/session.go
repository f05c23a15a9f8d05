package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/metrics"
)

const clientIDPrefix = "lsmc-"

// session 一次命令执行所需的全部运行时对象
type session struct {
	cfg      config.Config
	client   *client.Client
	cleaner  *event.Cleaner
	registry *prometheus.Registry
}

func loadConfig(flags *globalFlags) (config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config.Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.ReadConfig(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if flags.debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

func newClientID(cfg config.ClientConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return clientIDPrefix + uuid.NewString()
}

func newSession(flags *globalFlags) (*session, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	cleaner := event.NewCleaner()
	cleaner.Init(logger.Init(logger.Options{Debug: cfg.Log.Debug, Dir: cfg.Log.Directory}))
	logger.Debug("Application initializing...")

	reg := prometheus.NewRegistry()
	c := client.New(client.Options{
		ClientID:       newClientID(cfg.Client),
		CleanSession:   cfg.Client.CleanSession,
		PollInterval:   cfg.Client.PollIntervalDuration(),
		CommandTimeout: cfg.Client.CommandTimeoutDuration(),
		MaxHandlers:    cfg.Client.MaxHandlers,
		MailboxSize:    cfg.Client.MailboxSize,
		MaxPacketSize:  cfg.Client.MaxPacketSize,
		Metrics:        metrics.New(reg, ""),
	})
	if cfg.Auth.Username != "" {
		c.SetCredentials(cfg.Auth.Username, cfg.Auth.Password)
	}
	if cfg.Will.Topic != "" {
		if err := c.SetWill(cfg.Will.Topic, []byte(cfg.Will.Payload), cfg.Will.QoS, cfg.Will.Retain); err != nil {
			_ = cleaner.Clean()
			return nil, err
		}
	}

	return &session{cfg: cfg, client: c, cleaner: cleaner, registry: reg}, nil
}

// connect 建立 TCP 连接并完成 MQTT 握手, 断开回调注册到 cleaner
func (s *session) connect() error {
	addr := s.cfg.Broker.Address()
	conn, err := net.DialTimeout("tcp", addr, s.cfg.Broker.ConnectTimeoutDuration())
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sessionPresent, err := s.client.Connect(conn, s.cfg.Client.KeepAliveSeconds())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	logger.InfoF("[%s] Connected to %s, session present: %v", s.client.ClientID(), addr, sessionPresent)

	s.cleaner.Add(event.CallableFunc(func(context.Context) error {
		if err := s.client.Disconnect(); err != nil && !errors.Is(err, client.ErrNotConnected) {
			return err
		}
		return nil
	}))
	return nil
}

// serveMetrics 在 errgroup 中运行 /metrics, ctx 结束时关闭
func (s *session) serveMetrics(ctx context.Context, g *errgroup.Group) {
	if !s.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:         s.cfg.Metrics.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.InfoF("Starting metrics server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
