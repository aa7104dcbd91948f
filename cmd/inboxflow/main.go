package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inboxflow/inboxflow/api"
	"github.com/inboxflow/inboxflow/config"
	"github.com/inboxflow/inboxflow/gateway"
	"github.com/inboxflow/inboxflow/gateway/openai"
	"github.com/inboxflow/inboxflow/memory"
	memsqlite "github.com/inboxflow/inboxflow/memory/sqlite"
	"github.com/inboxflow/inboxflow/nodes"
	"github.com/inboxflow/inboxflow/observe"
	"github.com/inboxflow/inboxflow/runtime"
	"github.com/inboxflow/inboxflow/state"
	statredis "github.com/inboxflow/inboxflow/state/redis"
	statsqlite "github.com/inboxflow/inboxflow/state/sqlite"
	"github.com/inboxflow/inboxflow/toolexec"
	"github.com/inboxflow/inboxflow/types"
	"github.com/inboxflow/inboxflow/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "inboxflow",
		Short:         "Email assistant workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newProcessCmd(&configPath))
	root.AddCommand(newMemoryCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			app, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			server, err := api.NewServer(app.orchestrator, app.store, app.memory,
				api.WithAuthToken(cfg.Server.AuthToken),
				api.WithLogger(app.logger),
			)
			if err != nil {
				return err
			}
			sweeper, err := runtime.NewSweeper(app.store, app.orchestrator,
				runtime.SweeperWithInterval(cfg.SweepInterval()),
				runtime.SweeperWithLogger(app.logger),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			httpServer := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				app.logger.Info("http server listening", "addr", cfg.Server.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				err := sweeper.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func newProcessCmd(configPath *string) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "process [messages.json]",
		Short: "Run a batch of messages from a JSON file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			app, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			var raw []byte
			if len(args) == 1 {
				raw, err = os.ReadFile(args[0])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read messages: %w", err)
			}

			var messages []types.Message
			if err := json.Unmarshal(raw, &messages); err != nil {
				return fmt.Errorf("failed to decode messages: %w", err)
			}
			items := make([]runtime.IntakeItem, 0, len(messages))
			for _, msg := range messages {
				items = append(items, runtime.IntakeItem{Owner: owner, Message: msg})
			}

			pool, err := runtime.NewPool(app.orchestrator,
				runtime.PoolWithConcurrency(cfg.Runtime.Concurrency),
				runtime.PoolWithLogger(app.logger),
			)
			if err != nil {
				return err
			}
			results, err := pool.Process(cmd.Context(), items)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner the messages belong to")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newMemoryCmd(configPath *string) *cobra.Command {
	var (
		owner    string
		category string
	)

	cmd := &cobra.Command{
		Use:   "memory",
		Short: "List learned preference records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			mem, err := memsqlite.New(cfg.Memory.Path)
			if err != nil {
				return err
			}
			defer mem.Close()

			records, err := mem.List(cmd.Context(), owner, memory.Category(category))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner to list records for")
	cmd.Flags().StringVar(&category, "category", "", "restrict to one category")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

type app struct {
	orchestrator *workflow.Orchestrator
	store        state.Store
	memory       memory.Store
	logger       *slog.Logger
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.memory.Close()
}

func buildApp(cfg config.Config) (*app, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	sink := observe.NewMultiSink(observe.NewSlogSink(logger))

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	mem, err := memsqlite.New(cfg.Memory.Path)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gwOpts := []openai.Option{}
	if cfg.Model.Model != "" {
		gwOpts = append(gwOpts, openai.WithModel(cfg.Model.Model))
	}
	if cfg.Model.BaseURL != "" {
		gwOpts = append(gwOpts, openai.WithBaseURL(cfg.Model.BaseURL))
	}
	gw, err := openai.New(cfg.Model.APIKey, gwOpts...)
	if err != nil {
		_ = store.Close()
		_ = mem.Close()
		return nil, err
	}

	transport := toolexec.NewLogTransport(logger)
	registry := toolexec.NewRegistry(
		toolexec.NewSendReplyTool(transport),
		toolexec.NewMarkReadTool(transport),
		toolexec.NewCreateEventTool(transport),
	)
	executor := toolexec.NewExecutor(registry, toolexec.WithSink(sink))

	retry := gateway.DefaultRetryPolicy()
	triager := nodes.NewTriageNode(gw, mem, nodes.TriageWithRetry(retry), nodes.TriageWithSink(sink))
	drafter := nodes.NewResponseNode(gw, executor, mem,
		nodes.ResponseWithRetry(retry),
		nodes.ResponseWithMaxIterations(cfg.Workflow.MaxIterations),
	)
	memoryWriter := nodes.NewMemoryUpdateNode(mem)

	orchestrator, err := workflow.New(store, triager, drafter, memoryWriter, executor,
		workflow.WithSink(sink),
		workflow.WithSuspendTTL(cfg.SuspendTTL()),
		workflow.WithExpireAction(types.Category(cfg.Workflow.ExpireAction)),
	)
	if err != nil {
		_ = store.Close()
		_ = mem.Close()
		return nil, err
	}

	return &app{
		orchestrator: orchestrator,
		store:        store,
		memory:       mem,
		logger:       logger,
	}, nil
}

func buildStore(cfg config.Config) (state.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		redisOpts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return statredis.New(redisOpts.Addr, statredis.WithClient(redis.NewClient(redisOpts)))
	default:
		return statsqlite.New(cfg.Store.Path)
	}
}
