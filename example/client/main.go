package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/iamxvbaba/userproxy"
)

func main() {
	hubURL := flag.String("url", "ws://localhost:8000/ws", "hub websocket endpoint")
	id := flag.String("id", "", "identity to reconnect with (empty for a fresh one)")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	opts := userproxy.DefaultOptions()
	opts.ReconnectEnabled = true
	opts.ReconnectBackoff = time.Second
	opts.ReconnectMaxBackoff = 10 * time.Second
	opts.Logger = &logger

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := userproxy.Dial(ctx, *hubURL, *id, &opts)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect failed")
	}
	logger.Info().Str("client_id", client.ID()).Msg("connected")

	// 收到 echo 命令时将 data 原样作为结果返回
	client.On(userproxy.KindCommand, func(data []byte) {
		frame := userproxy.DecodeFrame(data)
		if frame.Has("success") {
			logger.Info().RawJSON("result", data).Msg("result received")
			return
		}
		cmd, err := userproxy.ParseCommand(frame)
		if err != nil {
			logger.Warn().Err(err).Msg("bad command")
			return
		}
		if cmd.Command != "echo" {
			_ = client.Result(cmd.ClientID, cmd.RequestID, false, nil, "unsupported command "+cmd.Command)
			return
		}
		if err := client.Result(cmd.ClientID, cmd.RequestID, true, cmd.Data, ""); err != nil {
			logger.Warn().Err(err).Msg("result not sent")
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-client.Done():
	}
	_ = client.Close()
}
