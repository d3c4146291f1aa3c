package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragchat-go/internal/chat"
	"github.com/54b3r/ragchat-go/internal/config"
	"github.com/54b3r/ragchat-go/internal/jobs"
	"github.com/54b3r/ragchat-go/internal/logging"
	"github.com/54b3r/ragchat-go/internal/provider"
	"github.com/54b3r/ragchat-go/internal/ratelimit"
	"github.com/54b3r/ragchat-go/internal/server"
	"github.com/54b3r/ragchat-go/internal/tracing"
)

// NewServeCmd constructs the `ragchat serve` command, which starts the HTTP
// API and the background processing workers.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragchat HTTP API and processing workers",
		Long: `Start the ragchat HTTP API.

The server accepts document uploads into collections, processes them in a
pool of background workers, and answers grounded chat questions as a
server-sent event stream.

Examples:
  ragchat serve
  ragchat serve --port 9090
  CHUNK_STORE=qdrant MODEL_PROVIDER=openai ragchat serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Setup Langfuse tracing: opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			a, err := buildApp(ctx, log, prometheus.DefaultRegisterer)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.close(log)
			s := a.settings

			if cmd.Flags().Changed("host") {
				s.Host = host
			}
			if cmd.Flags().Changed("port") {
				s.Port = port
			}

			providerCfg := provider.ConfigFromEnv()
			completer, err := provider.NewCompleter(providerCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised", slog.String("provider", string(providerCfg.Backend)))

			orch, err := chat.New(chat.Config{
				Store:            a.store,
				Retriever:        a.retriever,
				Completer:        completer,
				HistoryDepth:     s.HistoryDepth,
				MaxContextTokens: s.MaxContextTokens,
				StreamTimeout:    s.StreamTimeout,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pool, err := jobs.New(jobs.Config{
				Queue:       a.store,
				Processor:   a.processor,
				Concurrency: s.WorkerConcurrency,
				MaxAttempts: s.JobMaxAttempts,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			counter, closeCounter, err := buildCounter(ctx, s, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer closeCounter()

			apiKeys, err := server.ParseAPIKeys(s.APIKeys)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if len(apiKeys) == 0 {
				log.Warn("authentication disabled: RAGCHAT_API_KEYS is not set; every caller is the local account")
			}

			pingers := append([]server.Pinger(nil), a.pingers...)
			if pp := server.NewProviderPinger(providerCfg); pp != nil {
				pingers = append(pingers, pp)
			}
			if p, ok := counter.(server.Pinger); ok {
				pingers = append(pingers, p)
			}

			srv, err := server.New(server.Deps{
				Store:     a.store,
				Blobs:     a.blobs,
				Chunks:    a.chunks,
				Processor: a.processor,
				Queue:     pool,
				Chat:      orch,
				Cache:     a.retriever,
			}, &server.Config{
				Host:              s.Host,
				Port:              s.Port,
				Logger:            log,
				Pingers:           pingers,
				APIKeys:           apiKeys,
				UploadMaxBytes:    s.UploadMaxBytes,
				AllowedExtensions: s.AllowedExtensions,
				ChatLimit:         ratelimit.New("chat", ratelimit.Rule{Limit: s.ChatLimit, Window: s.ChatWindow}, counter),
				UploadLimit:       ratelimit.New("upload", ratelimit.Rule{Limit: s.UploadLimit, Window: s.UploadWindow}, counter),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return pool.Run(gctx) })
			g.Go(func() error { return srv.Start(gctx) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "Host address to bind to (overrides RAGCHAT_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "TCP port to listen on (overrides RAGCHAT_PORT)")

	return cmd
}

// buildCounter returns the rate-limit counter backend and its close func.
func buildCounter(ctx context.Context, s *config.Settings, log *slog.Logger) (ratelimit.Counter, func(), error) {
	if s.RateLimitBackend == config.RateLimitRedis {
		rc, err := ratelimit.NewRedisCounter(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		log.Info("rate limit counters: redis", slog.String("addr", s.RedisAddr))
		return rc, func() { _ = rc.Close() }, nil
	}
	mc, stop := ratelimit.NewMemoryCounter()
	log.Info("rate limit counters: in-process")
	return mc, stop, nil
}
