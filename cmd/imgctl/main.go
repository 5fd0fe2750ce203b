// imgctl runs maintenance operations against the image server's storage
// tiers and queue. It reads the same environment and dotenv files as the
// server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/withDustin/targeek-image-server/internal/auth"
	"github.com/withDustin/targeek-image-server/internal/config"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/maintenance"
	"github.com/withDustin/targeek-image-server/internal/pipeline"
	"github.com/withDustin/targeek-image-server/internal/queue"
	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/storage/local"
	"github.com/withDustin/targeek-image-server/internal/sweep"
)

var commands = map[string]bool{
	"reprocess-local": true,
	"reupload":        true,
	"repair-acl":      true,
	"sweep":           true,
	"stats":           true,
	"token":           true,
}

// errIncomplete signals that an operation left failed items behind.
var errIncomplete = errors.New("operation finished with failed items")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}
	command, args := args[0], args[1:]
	if !commands[command] {
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}

	var (
		pageSize  int
		maxRounds int
		acl       string
		subject   string
		ttl       time.Duration
		verbose   bool
	)
	flagSet := pflag.NewFlagSet("imgctl "+command, pflag.ContinueOnError)
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	switch command {
	case "reupload", "repair-acl", "stats":
		flagSet.IntVar(&pageSize, "page-size", 1000, "remote keys listed per request")
	}
	switch command {
	case "reprocess-local", "reupload", "repair-acl":
		flagSet.IntVar(&maxRounds, "max-rounds", 0, "retry rounds over failed items (0: until no progress)")
	}
	switch command {
	case "repair-acl":
		flagSet.StringVar(&acl, "acl", "", "canned ACL to apply (default: S3_OBJECT_ACL)")
	case "token":
		flagSet.StringVar(&subject, "subject", "imgctl", "token subject")
		flagSet.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if command == "token" {
		return issueToken(cfg, subject, ttl)
	}

	resolver, err := openTiers(ctx, cfg)
	if err != nil {
		return err
	}
	defer resolver.Remote().Close()
	if acl != "" {
		resolver = storage.NewResolver(resolver.Local(), resolver.Remote(), acl)
	}

	pipe := pipeline.New(resolver, pipeline.Config{Format: cfg.CanonicalFormat, Quality: cfg.DefaultQuality})
	runner := maintenance.New(resolver, pipe, maintenance.Config{PageSize: pageSize, MaxRounds: maxRounds})

	switch command {
	case "reprocess-local":
		return printReport(runner.ReprocessLocal(ctx))
	case "reupload":
		return printReport(runner.ReuploadAll(ctx))
	case "repair-acl":
		return printReport(runner.RepairACLs(ctx))
	case "sweep":
		return runSweep(ctx, cfg, resolver, pipe)
	default:
		return printStats(ctx, cfg, runner)
	}
}

func openTiers(ctx context.Context, cfg *config.Config) (*storage.Resolver, error) {
	localTier, err := local.New(local.Config{RootPath: cfg.UploadDir, CreateDirs: true})
	if err != nil {
		return nil, fmt.Errorf("local tier: %w", err)
	}
	remoteTier, err := storage.NewRemoteFromConfig(ctx, cfg.RemoteBackend, cfg.RemoteConfig())
	if err != nil {
		return nil, fmt.Errorf("remote tier: %w", err)
	}
	if err := remoteTier.Ping(ctx); err != nil {
		remoteTier.Close()
		return nil, fmt.Errorf("remote tier unreachable: %w", err)
	}
	return storage.NewResolver(localTier, remoteTier, cfg.S3ObjectACL), nil
}

func openQueue(ctx context.Context, cfg *config.Config) (*queue.Queue, queue.Broker, error) {
	broker, err := queue.NewBrokerFromConfig(ctx, queue.BrokerConfig{
		Backend:  cfg.QueueBackend,
		Name:     cfg.QueueName,
		RedisURL: cfg.RedisURL,
		AMQPURL:  cfg.AMQPURL,
		Prefetch: 1,
	})
	if err != nil {
		return nil, nil, err
	}
	// Producer only: workers run in the server.
	q := queue.New(broker, nil, nil, queue.Config{MaxAttempts: cfg.QueueMaxAttempts})
	return q, broker, nil
}

// runSweep enqueues the local tier once. With the queue disabled, or with the
// in-process memory broker that no server can see, keys are processed here.
func runSweep(ctx context.Context, cfg *config.Config, resolver *storage.Resolver, pipe *pipeline.Pipeline) error {
	var target sweep.Queue = pipeline.Inline{P: pipe}
	if cfg.EnableQueue && cfg.QueueBackend != "memory" {
		q, broker, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer broker.Close()
		target = q
	}

	sweeper, err := sweep.New(resolver.Local(), target, sweep.Config{})
	if err != nil {
		return err
	}
	res, err := sweeper.Run(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printStats(ctx context.Context, cfg *config.Config, runner *maintenance.Runner) error {
	inv, err := runner.Inventory(ctx)
	if err != nil {
		return err
	}
	out := map[string]any{"tiers": inv}

	if cfg.EnableQueue && cfg.QueueBackend != "memory" {
		q, broker, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer broker.Close()
		stats, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		out["queue"] = stats
	}
	return printJSON(out)
}

func issueToken(cfg *config.Config, subject string, ttl time.Duration) error {
	if cfg.UploadJWTSecret == "" {
		return fmt.Errorf("UPLOAD_JWT_SECRET is not set")
	}
	token, expires, err := auth.New(cfg.UploadJWTSecret).IssueToken(subject, ttl)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"token": token, "expires_at": expires})
}

func printReport(rep maintenance.Report, err error) error {
	if perr := printJSON(rep); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if len(rep.Failed) > 0 {
		logging.Warn("items still failing", zap.Int("count", len(rep.Failed)))
		return errIncomplete
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `imgctl: maintenance for the image server storage tiers.

Usage:
  imgctl <command> [flags]

Commands:
  reprocess-local   run the derivative pipeline for every file left in UPLOAD_DIR
  reupload          download and upload every remote object again with its
                    detected content type and the configured ACL
  repair-acl        apply the configured ACL to every remote object
  sweep             enqueue the local tier once (processes inline when the
                    queue is disabled)
  stats             count objects in both tiers and jobs in the queue
  token             issue an upload token signed with UPLOAD_JWT_SECRET

Bulk commands retry failed items in rounds until none remain or a round
fixes nothing, and exit non-zero if anything is still failing.

Run "imgctl <command> --help" for the flags of a command.
`)
}
