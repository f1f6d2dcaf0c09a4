// Package cmd holds the startup sequence shared by wayfarer commands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/louisbranch/wayfarer/internal/platform/config"
	"github.com/louisbranch/wayfarer/internal/platform/otel"
)

const defaultTelemetryShutdownTimeout = 5 * time.Second

// Service names used for telemetry resources and log prefixes.
const (
	ServiceChat       = "chat"
	ServiceChatClient = "chatclient"
)

// RunOptions tunes RunWithTelemetryAndOptions.
type RunOptions struct {
	ShutdownTimeout time.Duration
}

// ParseConfig fills cfg from the environment.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses flags registered on fs. Flags override env values that
// were loaded into the same destinations.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// ParseConfigFromArgs runs ParseConfig followed by ParseArgs.
func ParseConfigFromArgs[T any](cfg *T, fs *flag.FlagSet, args []string) error {
	if err := ParseConfig(cfg); err != nil {
		return err
	}
	return ParseArgs(fs, args)
}

// RunWithTelemetry installs tracing for service and then calls run.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	return RunWithTelemetryAndOptions(ctx, service, RunOptions{}, run)
}

// RunWithTelemetryAndOptions is RunWithTelemetry with explicit options.
func RunWithTelemetryAndOptions(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		timeout := options.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultTelemetryShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s: telemetry shutdown: %v", service, err)
		}
	}()
	return run(ctx)
}

// LogPrefix returns the bracketed log prefix for a service name.
func LogPrefix(service string) string {
	return "[" + strings.ToUpper(strings.TrimSpace(service)) + "] "
}

// Main parses configuration, installs the service log prefix, and runs until
// SIGINT or SIGTERM. Failures terminate the process.
func Main[T any](service string, parse func(*flag.FlagSet, []string) (T, error), run func(context.Context, T) error) {
	cfg, err := parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix(LogPrefix(service))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		config.Exitf("%s: %v", service, err)
	}
}
