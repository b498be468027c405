// Command feedctl is the client side of projectfeed: it keeps a local SQLite cache of a project in
// sync with the daemon's change stream and searches it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/config"
	"github.com/yourorg/projectfeed/internal/fileapi"
	"github.com/yourorg/projectfeed/internal/filecache"
	"github.com/yourorg/projectfeed/internal/logging"
	"github.com/yourorg/projectfeed/internal/rpc"
	"github.com/yourorg/projectfeed/internal/search"
	"github.com/yourorg/projectfeed/internal/subscriber"
	"github.com/yourorg/projectfeed/internal/version"
)

const usage = `usage: feedctl [global flags] <command> [args]

commands:
  watch <project>                         follow the change stream and keep the cache fresh
  search [-regex] [-context N] [-max N] <project> <query>
  refresh <project>                       re-download the project into the cache
  clear [project]                         drop one project, or everything, from the cache
  info                                    cache statistics
  publish [-rpc] <project> <changed|deleted> <path>...
  version
`

type app struct {
	cfg    *config.Config
	logger *logging.Logger
	client *fileapi.Client
}

func main() {
	settings := flag.String("config", "", "Settings file (defaults to ~/.projectfeed/settings.toml)")
	server := flag.String("server", "", "Daemon base URL")
	cachePath := flag.String("cache", "", "SQLite cache path")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*settings)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *server != "" {
		cfg.ServerURL = *server
	}
	if *cachePath != "" {
		cfg.CachePath = *cachePath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	a := &app{
		cfg:    cfg,
		logger: logger,
		client: fileapi.NewClient(cfg.ServerURL, cfg.HTTPToken, 60*time.Second),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, args[0], args[1:]); err != nil {
		logger.Error("command failed", logging.String("command", args[0]), logging.Error(err))
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "watch":
		return a.watch(ctx, args)
	case "search":
		return a.search(ctx, args)
	case "refresh":
		return a.withService(func(svc *search.Service, _ *filecache.Cache) error {
			if len(args) != 1 {
				return errors.New("refresh requires a project")
			}
			return svc.ForceRefreshCache(ctx, args[0])
		})
	case "clear":
		return a.withService(func(svc *search.Service, cache *filecache.Cache) error {
			if len(args) == 1 {
				return svc.ClearProjectCache(ctx, args[0])
			}
			return cache.ClearAllCache(ctx)
		})
	case "info":
		return a.withService(func(_ *search.Service, cache *filecache.Cache) error {
			info, err := cache.GetStorageInfo(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"path": cache.Path(), "storage": info})
		})
	case "publish":
		return a.publish(ctx, args)
	case "version":
		fmt.Println(version.Info().String())
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) withService(fn func(*search.Service, *filecache.Cache) error) error {
	cache, err := filecache.Open(a.cfg.CachePath, a.logger.Named("cache"))
	if err != nil {
		return err
	}
	defer cache.Close()
	svc := search.New(cache, a.client, a.logger,
		search.WithBulkThreshold(a.cfg.BulkRefreshThreshold),
		search.WithMaxResults(a.cfg.MaxResults),
	)
	return fn(svc, cache)
}

func (a *app) watch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("watch requires a project")
	}
	projectID := args[0]

	return a.withService(func(svc *search.Service, _ *filecache.Cache) error {
		if err := svc.CacheProjectFiles(ctx, projectID, false); err != nil {
			a.logger.Warn("initial cache load failed", logging.String("project", projectID), logging.Error(err))
		}

		apply := svc.HandleBatch(ctx, projectID)
		sub := subscriber.New(subscriber.Options{
			ServerURL:  a.cfg.ServerURL,
			ProjectID:  projectID,
			Token:      a.cfg.HTTPToken,
			Debounce:   a.cfg.Debounce,
			MaxRetries: a.cfg.MaxReconnectAttempts,
			OnStateChange: func(s subscriber.State) {
				a.logger.Info("stream state", logging.String("project", projectID), logging.String("state", string(s)))
			},
		}, func(changes []changefeed.Change) {
			for _, ch := range changes {
				fmt.Printf("%s\t%s\n", ch.Type, ch.Path)
			}
			apply(changes)
		}, a.logger)

		if err := sub.Connect(ctx); err != nil {
			return err
		}
		defer sub.Close()

		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			if sub.State() == subscriber.StateFailed {
				return fmt.Errorf("change stream for %s failed after %d attempts", projectID, sub.Attempts())
			}
			return nil
		}
	})
}

func (a *app) search(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	isRegex := fs.Bool("regex", false, "Treat the query as a regular expression")
	contextLines := fs.Int("context", search.DefaultContextLines, "Lines of context around each match")
	maxResults := fs.Int("max", 0, "Maximum number of results (default from config)")
	asJSON := fs.Bool("json", false, "Print matches as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("search requires a project and a query")
	}
	projectID, query := fs.Arg(0), strings.Join(fs.Args()[1:], " ")

	return a.withService(func(svc *search.Service, _ *filecache.Cache) error {
		matches, err := svc.SearchInProject(ctx, projectID, query, search.SearchOptions{
			IsRegex:      *isRegex,
			ContextLines: *contextLines,
			MaxResults:   *maxResults,
		})
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(matches)
		}
		for _, m := range matches {
			fmt.Printf("%s:%d:%d: %s\n", m.FilePath, m.LineNumber, m.ColumnStart+1, m.LineContent)
		}
		return nil
	})
}

func (a *app) publish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	viaRPC := fs.Bool("rpc", false, "Publish through the daemon's JSON-RPC listener instead of HTTP")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 3 {
		return errors.New("publish requires a project, a kind and at least one path")
	}

	var typ changefeed.EventType
	switch fs.Arg(1) {
	case "changed":
		typ = changefeed.EventFileChanged
	case "deleted":
		typ = changefeed.EventFileDeleted
	default:
		return fmt.Errorf("unknown change kind %q", fs.Arg(1))
	}
	ev := changefeed.NewChange(fs.Arg(0), typ, fs.Args()[2:])

	if *viaRPC {
		c, err := rpc.Dial(ctx, a.cfg.Listen)
		if err != nil {
			return err
		}
		defer c.Close()
		var res map[string]any
		if err := c.Call(ctx, "BroadcastFileChange", ev, &res); err != nil {
			return err
		}
		return printJSON(res)
	}

	res, err := a.client.Publish(ctx, ev.ProjectID, ev)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
