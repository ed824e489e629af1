package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/iamxvbaba/userproxy"
	"github.com/iamxvbaba/userproxy/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	level, _ := cfg.Level()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Logger()
	}

	server := userproxy.NewServer(&userproxy.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteTimeout:      cfg.WriteTimeout,
		ReadLimit:         cfg.ReadLimit,
		Logger:            &logger,
	})

	// 连接/断开钩子
	server.OnConnect(func(c *userproxy.Conn, clientID string) {
		logger.Debug().Str("client_id", clientID).Str("session", c.Session()).Msg("connect hook")
	})
	server.OnDisconnect(func(c *userproxy.Conn, clientID string) {
		logger.Debug().Str("client_id", clientID).Str("session", c.Session()).Msg("disconnect hook")
	})

	go func() {
		logger.Info().
			Str("addr", cfg.Addr()).
			Str("mode", cfg.Mode).
			Msg("starting userproxy hub")
		if err := server.Serve(cfg.Addr()); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// 监听系统信号并优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down hub...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("hub stopped")
}
