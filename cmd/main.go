package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	harness "github.com/ci-harness/ci-harness"
	"github.com/ci-harness/ci-harness/exitcodes"
	"github.com/ci-harness/ci-harness/flags"
	"github.com/ci-harness/ci-harness/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "ci-harness"
	app.Usage = "Test orchestration and coverage reporting harness"
	app.Description = "ci-harness provisions an isolated environment, installs the package under test, runs its test suite with coverage capture and publishes the results"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if harness.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
			} else if harness.IsTestFailureError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			} else {
				// Other unspecified errors default to a test failure exit
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		// The exit error handler has already mapped the code; reaching this
		// point means it declined to exit.
		fmt.Fprintf(os.Stderr, "application failed: %v\n", err)
		os.Exit(exitcodes.RuntimeErr)
	}
}

func run(cliCtx *cli.Context) error {
	log, err := newLogger(cliCtx.String(flags.LogLevel.Name))
	if err != nil {
		return harness.NewRuntimeError(fmt.Errorf("failed to create logger: %w", err))
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := harness.NewConfig(cliCtx, log)
	if err != nil {
		return harness.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	appCtx, cancelCause := context.WithCancelCause(cliCtx.Context)
	defer cancelCause(nil)

	h, err := harness.New(appCtx, cfg, Version, func(err error) {
		cancelCause(err)
	})
	if err != nil {
		return harness.NewRuntimeError(fmt.Errorf("failed to create harness: %w", err))
	}

	svc := service.New(log)
	svc.Start(appCtx)
	defer svc.Shutdown()

	if err := h.Start(appCtx); err != nil {
		return err
	}

	// Block until the run completes (run-once mode cancels via the shutdown
	// callback) or a signal arrives.
	<-appCtx.Done()

	if err := h.Stop(context.Background()); err != nil {
		log.Warnw("Error stopping harness", "error", err)
	}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWait()
	if err := h.WaitForShutdown(waitCtx); err != nil {
		log.Warnw("Harness did not shut down cleanly", "error", err)
	}

	if cause := context.Cause(appCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}
