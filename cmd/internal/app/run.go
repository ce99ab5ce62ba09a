package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve runs the relay with an already-resolved cfg until ctx is cancelled
// or the process is signalled.
func Serve(parent context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
