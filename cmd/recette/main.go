// Command recette runs the recipe ingestion service and its operator CLI.
//
//	recette serve                    # worker, HTTP API and background loops
//	recette serve --mcp              # same, plus MCP over stdio
//	recette submit --url https://cook.example/tart --run
//	recette status tsk_...
//	recette commit tsk_... --version 4 --actor ana
//	recette --trace-sql store serve  # persist SQL statements to sql_traces
//	recette slow-queries --window 1h
//
// Configuration is a YAML file (--config) plus environment variables, read
// from .env when present: REDIS_ADDR moves task states and recipes to
// Redis, S3_BUCKET moves artifacts to S3, KAFKA_BROKERS mirrors progress
// events to Kafka.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/recette/dbopen"
	"github.com/hazyhaar/recette/ingest"
	"github.com/hazyhaar/recette/shield"
	"github.com/hazyhaar/recette/trace"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "recette",
		Usage: "ingest recipes from the web into reviewable drafts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"RECETTE_CONFIG"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "db", Value: "data/recette.db", EnvVars: []string{"RECETTE_DB"}, Usage: "SQLite database path"},
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"LOG_LEVEL"}},
			&cli.StringFlag{Name: "trace-sql", Value: "off", EnvVars: []string{"SQL_TRACE"}, Usage: "SQL tracing: off, log or store"},
			&cli.DurationFlag{Name: "trace-min", EnvVars: []string{"SQL_TRACE_MIN"}, Usage: "shortest statement persisted by --trace-sql store"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the worker, the HTTP API and the background loops",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: ":" + env("PORT", "8087"), Usage: "HTTP listen address"},
					&cli.BoolFlag{Name: "mcp", EnvVars: []string{"MCP_STDIO"}, Usage: "serve MCP tools over stdio"},
				},
				Action: serveAction,
			},
			{
				Name:  "submit",
				Usage: "queue a task",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "idempotency id"},
					&cli.StringFlag{Name: "url"},
					&cli.StringFlag{Name: "query"},
					&cli.StringFlag{Name: "provider", Usage: "search provider id (query mode)"},
					&cli.StringFlag{Name: "recipe", Usage: "recipe id (normalize mode)"},
					&cli.StringSliceFlag{Name: "focus", Usage: "normalize focus area"},
					&cli.BoolFlag{Name: "run", Usage: "process the queue in-process before printing the state"},
				},
				Action: submitAction,
			},
			{
				Name:      "status",
				Usage:     "print a task state",
				ArgsUsage: "TASK_ID",
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *ingest.Service) error {
						st, err := svc.Status(ctx, c.Args().First())
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, st)
					})
				},
			},
			{
				Name:      "commit",
				Usage:     "commit a review_ready task",
				ArgsUsage: "TASK_ID",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "version", Required: true},
					&cli.StringFlag{Name: "actor", Value: env("USER", "cli")},
					&cli.IntSliceFlag{Name: "approve", Usage: "approved patch index (normalize proposals)"},
				},
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *ingest.Service) error {
						res, err := svc.Commit(ctx, ingest.CommitRequest{
							TaskID:   c.Args().First(),
							Version:  c.Int64("version"),
							Actor:    c.String("actor"),
							Approved: c.IntSlice("approve"),
						})
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, res)
					})
				},
			},
			{
				Name:      "reject",
				Usage:     "reject a review_ready task",
				ArgsUsage: "TASK_ID",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "version", Required: true},
					&cli.StringFlag{Name: "actor", Value: env("USER", "cli")},
					&cli.StringFlag{Name: "reason"},
				},
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *ingest.Service) error {
						st, err := svc.Reject(ctx, ingest.RejectRequest{
							TaskID:  c.Args().First(),
							Version: c.Int64("version"),
							Actor:   c.String("actor"),
							Reason:  c.String("reason"),
						})
						if err != nil {
							return err
						}
						return printJSON(c.App.Writer, st)
					})
				},
			},
			{
				Name:  "sweep",
				Usage: "expire stale review_ready drafts now",
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *ingest.Service) error {
						n, err := svc.Sweep(ctx)
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "expired %d drafts\n", n)
						return nil
					})
				},
			},
			{
				Name:  "slow-queries",
				Usage: "list the slowest statements recorded by --trace-sql store",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "window", Value: 24 * time.Hour},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.DurationFlag{Name: "prune", Usage: "first delete entries older than this"},
				},
				Action: slowQueriesAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("recette", "code", ingest.ErrorCode(err), "error", err)
		os.Exit(1)
	}
}

func serveAction(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// stdout carries the MCP stream.
	logOut := io.Writer(os.Stdout)
	if c.Bool("mcp") {
		logOut = os.Stderr
	}
	svc, db, closeAll, err := openService(ctx, c, logOut)
	if err != nil {
		return err
	}
	defer closeAll()

	if err := shield.Init(db); err != nil {
		return fmt.Errorf("shield init: %w", err)
	}
	rl := shield.NewRateLimiter(db, "/health")
	rl.StartReloader(ctx.Done())

	srv := &http.Server{
		Addr:              c.String("addr"),
		Handler:           newRouter(svc, rl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		slog.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return srv.Shutdown(shutdown)
	})
	if c.Bool("mcp") {
		g.Go(func() error {
			mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "recette", Version: "1.0.0"}, nil)
			svc.RegisterMCP(mcpSrv)
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func submitAction(c *cli.Context) error {
	task := &ingest.Task{ID: c.String("id")}
	switch {
	case c.String("url") != "":
		task.Mode, task.URL = ingest.ModeURL, c.String("url")
	case c.String("query") != "":
		task.Mode, task.Query = ingest.ModeQuery, c.String("query")
		task.Constraints = ingest.SearchConstraints{ProviderID: c.String("provider"), Fallback: c.String("provider") == ""}
	case c.String("recipe") != "":
		task.Mode, task.RecipeID = ingest.ModeNormalize, c.String("recipe")
		task.FocusAreas = c.StringSlice("focus")
	default:
		return cli.Exit("one of --url, --query or --recipe is required", 2)
	}
	return withService(c, func(ctx context.Context, svc *ingest.Service) error {
		st, err := svc.Submit(ctx, task)
		if err != nil {
			return err
		}
		if c.Bool("run") {
			for {
				ok, err := svc.ProcessNext(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
			}
			if st, err = svc.Status(ctx, st.TaskID); err != nil {
				return err
			}
		}
		return printJSON(c.App.Writer, st)
	})
}

// withService opens the service for one CLI command.
func withService(c *cli.Context, fn func(context.Context, *ingest.Service) error) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	svc, _, closeAll, err := openService(ctx, c, os.Stderr)
	if err != nil {
		return err
	}
	defer closeAll()
	return fn(ctx, svc)
}

func slowQueriesAction(c *cli.Context) error {
	db, err := dbopen.Open(c.String("db"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	store, err := trace.NewStore(db)
	if err != nil {
		return err
	}
	defer store.Close()

	if d := c.Duration("prune"); d > 0 {
		n, err := store.Prune(c.Context, time.Now().Add(-d))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.ErrWriter, "pruned %d entries\n", n)
	}
	entries, err := store.Slowest(c.Context, time.Now().Add(-c.Duration("window")), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, entries)
}

// openService builds the service and returns a func that releases it, the
// trace store and the databases in order.
func openService(ctx context.Context, c *cli.Context, logOut io.Writer) (*ingest.Service, *sql.DB, func(), error) {
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: parseLevel(c.String("log-level"))}))
	slog.SetDefault(logger)

	cfg, err := ingest.LoadConfigFile(c.String("config"))
	if err != nil {
		return nil, nil, nil, err
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close", "error", err)
			}
		}
	}
	fail := func(err error) (*ingest.Service, *sql.DB, func(), error) {
		closeAll()
		return nil, nil, nil, err
	}

	dbOpts := []dbopen.Option{dbopen.WithMkdirAll()}
	switch mode := c.String("trace-sql"); mode {
	case "", "off":
	case "log", "store":
		dbOpts = append(dbOpts, dbopen.WithTrace())
		if mode == "store" {
			raw, err := dbopen.Open(c.String("db"), dbopen.WithMkdirAll())
			if err != nil {
				return fail(fmt.Errorf("open trace db: %w", err))
			}
			closers = append(closers, raw.Close)
			store, err := trace.NewStore(raw, trace.WithMinDuration(c.Duration("trace-min")), trace.WithStoreLogger(logger))
			if err != nil {
				return fail(err)
			}
			trace.SetRecorder(store)
			closers = append(closers, func() error {
				trace.SetRecorder(nil)
				return store.Close()
			})
		}
		logger.Info("sql tracing enabled", "mode", mode, "slow_threshold", trace.SlowThreshold())
	default:
		return fail(cli.Exit("--trace-sql must be off, log or store", 2))
	}

	db, err := dbopen.Open(c.String("db"), dbOpts...)
	if err != nil {
		return fail(fmt.Errorf("open db: %w", err))
	}
	closers = append(closers, db.Close)

	opts := []ingest.Option{ingest.WithLogger(logger)}
	if addr := env("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis %s: %w", addr, err))
		}
		opts = append(opts, ingest.WithDocStore(ingest.NewRedisDocs(rdb, env("REDIS_NAMESPACE", "recette:"))))
		logger.Info("document store: redis", "addr", addr)
	}
	if bucket := env("S3_BUCKET", ""); bucket != "" {
		blobs, err := ingest.NewS3Blobs(ctx, ingest.S3Config{
			Bucket:       bucket,
			Prefix:       env("S3_PREFIX", ""),
			Region:       os.Getenv("AWS_REGION"),
			Endpoint:     os.Getenv("S3_ENDPOINT"),
			UsePathStyle: os.Getenv("S3_PATH_STYLE") == "true",
		})
		if err != nil {
			return fail(err)
		}
		opts = append(opts, ingest.WithBlobStore(blobs))
		logger.Info("blob store: s3", "bucket", bucket)
	}

	svc, err := ingest.New(db, cfg, opts...)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, svc.Close)
	return svc, db, closeAll, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
