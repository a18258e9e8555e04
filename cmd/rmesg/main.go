package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"go.uber.org/fx"

	"github.com/archisgore/rmesg"
	"github.com/archisgore/rmesg/config"
)

type options struct {
	follow  bool
	clear   bool
	raw     bool
	backend rmesg.Backend
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var wg sync.WaitGroup
	exitCode := 0

	app := fx.New(
		fx.NopLogger,
		fx.Provide(config.NewConfig),
		fx.Supply(opts),
		fx.Invoke(func(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, opts options) {
			setupLogging(cfg)
			runCtx, cancel := context.WithCancel(context.Background())
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := run(runCtx, cfg, opts); err != nil {
							exitCode = 1
						}
						_ = shutdowner.Shutdown()
					}()
					return nil
				},
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
		}),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	// Done fires on the run goroutine's Shutdown call or on SIGINT/SIGTERM.
	<-app.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown due to error or timeout")
	}
	wg.Wait()
	os.Exit(exitCode)
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("rmesg", flag.ContinueOnError)
	follow := fs.BoolP("follow", "f", false, "When specified, follows logs (like tail -f)")
	clear := fs.BoolP("clear", "c", false, "Clear ring buffer after printing")
	raw := fs.BoolP("raw", "r", false, "Print raw data as it came from the source backend")
	backendName := fs.StringP("backend", "b", "", "Backend to read logs from: klogctl (syslog system call) or devkmsg (/dev/kmsg file); default probes devkmsg with klogctl fallback")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	bk, err := rmesg.ParseBackend(*backendName)
	if err != nil {
		return options{}, err
	}
	return options{follow: *follow, clear: *clear, raw: *raw, backend: bk}, nil
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.WarnLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	libOpts := rmesg.Options{
		Backend:      opts.backend,
		Clear:        opts.clear,
		Raw:          opts.raw,
		KMsgPath:     cfg.KMsg.Path,
		PollInterval: cfg.Follow.PollInterval,
	}
	if opts.follow {
		return runFollow(ctx, libOpts)
	}
	return runOnce(libOpts)
}

func runOnce(opts rmesg.Options) error {
	if opts.Raw {
		raw, err := rmesg.Raw(opts)
		if err != nil {
			return reportErr("Unable to get raw logs", err)
		}
		fmt.Print(raw)
		return nil
	}

	entries, err := rmesg.Entries(opts)
	if err != nil {
		return reportErr("Unable to get log entries", err)
	}
	for i := range entries {
		fmt.Println(entries[i].String())
	}
	return nil
}

func runFollow(ctx context.Context, opts rmesg.Options) error {
	items, err := rmesg.Stream(ctx, opts)
	if err != nil {
		return reportErr("Unable to get logs stream", err)
	}
	for item := range items {
		switch {
		case item.Err != nil && errors.Is(item.Err, rmesg.ErrMalformedRecord):
			log.Warn().Err(item.Err).Str("record", item.Raw).Msg("Skipping malformed record")
		case item.Err != nil:
			return reportErr("Unable to get logs stream", item.Err)
		case opts.Raw:
			fmt.Println(item.Raw)
		default:
			fmt.Println(item.Entry.String())
		}
	}
	return nil
}

// reportErr prints the diagnostic the way the CLI contract wants it: the
// failure itself, plus an actionable hint when privilege was the problem.
func reportErr(msg string, err error) error {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	if errors.Is(err, rmesg.ErrOperationNotPermitted) {
		fmt.Fprintln(os.Stderr, "\nHint: Try using 'sudo' or run the program as root/superuser.")
	}
	return err
}
