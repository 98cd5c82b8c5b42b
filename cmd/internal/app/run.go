package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/secureapi. dotenvPath may be empty.
// It returns an error instead of calling os.Exit so deferred cleanup runs.
func Run(dotenvPath string) error {
	s, err := LoadSettings(dotenvPath)
	if err != nil {
		return err
	}
	log := NewLogger(s.App.LogLevel, s.App.LogFormat, s.App.LogColor)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, s, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
