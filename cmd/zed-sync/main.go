package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lex00/zed/buffer"
	mbp "github.com/lex00/zed/mainboilerplate"
	"github.com/lex00/zed/scanner"
	"github.com/lex00/zed/storage"
	"github.com/lex00/zed/watch"
)

const configName = "zed-sync"

// Config is the top-level configuration object of zed-sync.
var Config = new(struct {
	Mirror struct {
		Root       string        `long:"root" env:"ROOT" default:"." description:"Directory tree to mirror"`
		Ignore     []string      `long:"ignore" env:"IGNORE" env-delim:"," description:"Glob pattern of relative paths to ignore. May be repeated"`
		ApplyDelay time.Duration `long:"apply-delay" env:"APPLY_DELAY" default:"50ms" description:"Duration over which notified paths are gathered into a single scan batch"`
		Latency    time.Duration `long:"latency" env:"LATENCY" default:"25ms" description:"Duration over which filesystem notifications are gathered"`
		NeverReuse bool          `long:"never-reuse-removed" env:"NEVER_REUSE_REMOVED" description:"Never carry a removed path's identity to a path re-created in the same batch"`
	} `group:"Mirror" namespace:"mirror" env-namespace:"MIRROR"`

	Buffers struct {
		Concurrency       int64         `long:"concurrency" env:"CONCURRENCY" default:"8" description:"Maximum number of concurrent document reloads"`
		VerifyDelay       time.Duration `long:"verify-delay" env:"VERIFY_DELAY" default:"50ms" description:"Initial delay before re-checking a load which disagreed with the snapshot"`
		MaxVerifyAttempts int           `long:"max-verify-attempts" env:"MAX_VERIFY_ATTEMPTS" default:"4" description:"Maximum consecutive re-checks of a load which disagreed with the snapshot"`
	} `group:"Buffers" namespace:"buffers" env-namespace:"BUFFERS"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

// mustScanner builds a Scanner of the configured, absolute Root.
func mustScanner(store storage.Storage) *scanner.Scanner {
	var root, err = filepath.Abs(Config.Mirror.Root)
	mbp.Must(err, "failed to resolve root", "root", Config.Mirror.Root)

	var policy = scanner.ReuseRemoved
	if Config.Mirror.NeverReuse {
		policy = scanner.NeverReuseRemoved
	}
	sc, err := scanner.New(scanner.Config{
		Root:       root,
		Ignore:     Config.Mirror.Ignore,
		ApplyDelay: Config.Mirror.ApplyDelay,
		Policy:     policy,
	}, store)
	mbp.Must(err, "failed to build scanner")

	return sc
}

func bufferConfig() buffer.Config {
	return buffer.Config{
		Concurrency:       Config.Buffers.Concurrency,
		VerifyDelay:       Config.Buffers.VerifyDelay,
		MaxVerifyAttempts: Config.Buffers.MaxVerifyAttempts,
	}
}

type cmdServe struct {
	Open []string `long:"open" description:"Path, relative to the root, to bind to a document. May be repeated"`
}

func (cmd cmdServe) Execute([]string) error {
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	defer mbp.InitDiagnosticsAndRecover(ctx, Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithField("config", Config).Info("starting zed-sync")

	var store = storage.NewOSStorage()
	var sc = mustScanner(store)

	var buffers = buffer.NewStore(ctx, bufferConfig(), sc.Root(), store)
	buffers.Attach(sc)

	// Establish watches before the initial scan, so that no change is missed.
	var watcher, err = watch.New(watch.Config{
		Root:    sc.Root(),
		Latency: Config.Mirror.Latency,
		Ignored: sc.Ignored,
	}, store)
	mbp.Must(err, "failed to watch root")
	mbp.Must(sc.Load(ctx), "initial scan failed")

	var sub = buffers.Subscribe()
	var docs = make(map[buffer.Handle]*document)

	for _, p := range cmd.Open {
		var doc = new(document)
		var h, err = buffers.Bind(p, doc)
		mbp.Must(err, "failed to bind document", "path", p)

		docs[h] = doc
		log.WithFields(log.Fields{"path": p, "handle": h}).Info("bound document")
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Serve(groupCtx) })
	group.Go(func() error { return sc.Serve(groupCtx, watcher.Batches()) })
	group.Go(func() error { return logEvents(groupCtx, sub, buffers, docs) })

	if err = group.Wait(); err != nil && err != context.Canceled {
		mbp.Must(err, "zed-sync task failed")
	}
	mbp.Must(watcher.Close(), "failed to close watcher")
	buffers.Wait()

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Mirror a directory tree and keep documents in sync", `
Serve loads a snapshot of the root directory, watches it for changes, and
keeps each --open document consistent with its file on disk until signaled
to exit (via SIGTERM or SIGINT). Reloads, deletions, renames, and conflicts
are logged as they occur.
`, &cmdServe{})

	_, _ = parser.AddCommand("snapshot", "Scan the root directory and print its snapshot", `
Snapshot performs a one-shot scan of the root directory and prints each entry
with its assigned identity.
`, &cmdSnapshot{})

	mbp.AddPrintConfigCmd(parser, configName)
	mbp.MustParseConfig(parser, configName)
}
