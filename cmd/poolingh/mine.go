package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/poolingh/poolingh/internal/api"
	"github.com/poolingh/poolingh/internal/config"
	"github.com/poolingh/poolingh/internal/ghpool"
	"github.com/poolingh/poolingh/internal/observability"
	"github.com/poolingh/poolingh/internal/storage"
	"github.com/poolingh/poolingh/internal/transport"
)

var (
	tokensFlag   string
	tokensFile   string
	queriesFlag  string
	queriesFile  string
	endpointTmpl string
	outputPath   string
	outputType   string
	useTUI       bool
)

func mineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Start mining a search API across a pool of credentials",
		Long:  "Dispatch a backlog of search queries across a pool of authenticated credentials, honoring each credential's own rate-limit state.",
		RunE:  runMine,
	}

	cmd.Flags().StringVar(&tokensFlag, "tokens", "", "comma-separated credential tokens")
	cmd.Flags().StringVar(&tokensFile, "tokens-file", "", "file with one credential token per line")
	cmd.Flags().StringVar(&queriesFlag, "queries", "", "comma-separated search queries")
	cmd.Flags().StringVar(&queriesFile, "queries-file", "", "file with one search query per line")
	cmd.Flags().StringVar(&endpointTmpl, "endpoint", "", "search endpoint URL template, with %s for the query")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output directory or DSN")
	cmd.Flags().StringVarP(&outputType, "format", "f", "", "result sink: jsonl, csv, mongo, postgres")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show a live dashboard instead of log output")

	return cmd
}

func runMine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyMineOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closeLog := setupLogger(cfg)
	defer closeLog()

	tokens, err := resolveTokens()
	if err != nil {
		return err
	}
	queries, err := resolveQueries()
	if err != nil {
		return err
	}
	if endpointTmpl == "" {
		return fmt.Errorf("--endpoint is required, e.g. --endpoint='https://api.example.com/search?q=%%s'")
	}

	executor := transport.New(cfg.Transport.RequestTimeout,
		transport.WithUserAgent(cfg.Transport.UserAgent),
		transport.WithMaxBodySize(cfg.Transport.MaxBodySize),
		transport.WithLogger(logger),
	)

	metrics := observability.NewMetrics(logger)
	if cfg.Metrics.Enabled {
		if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	clients := make([]*ghpool.Client, len(tokens))
	for i, tok := range tokens {
		clients[i] = ghpool.NewClient(tok, executor,
			ghpool.WithSafetyMargin(cfg.Client.SafetyMargin),
			ghpool.WithResumeBuffer(cfg.Client.ResumeBuffer),
			ghpool.WithClientLogger(logger),
			ghpool.WithClientMetrics(metrics),
		)
	}

	sink, err := buildSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("build storage sink: %w", err)
	}
	if sink != nil {
		defer sink.Close()
	}

	queueOpts := []ghpool.QueueOption{
		ghpool.WithMaxPerRequest(cfg.Pool.MaxPerRequest),
		ghpool.WithMaxTotal(cfg.Pool.MaxTotal),
		ghpool.WithQueueLogger(logger),
		ghpool.WithMetrics(metrics),
	}
	if cfg.Pool.GlobalQPS > 0 {
		queueOpts = append(queueOpts, ghpool.WithGlobalLimiter(
			rate.NewLimiter(rate.Limit(cfg.Pool.GlobalQPS), int(cfg.Pool.GlobalQPS)+1)))
	}
	if cfg.Pool.IdleWait > 0 {
		queueOpts = append(queueOpts, ghpool.WithIdleWait(cfg.Pool.IdleWait))
	}
	queue := ghpool.NewQueue(clients, queueOpts...)

	if cfg.API.Enabled {
		server := api.NewServer(cfg.API.Addr, queue, logger)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.Error("API server error", "error", err)
			}
		}()
	}

	start := time.Now()
	for _, q := range queries {
		url := fmt.Sprintf(endpointTmpl, q)
		req, err := ghpool.NewRequest(url, ghpool.Params{}, resultCallback(q, sink, metrics, logger))
		if err != nil {
			return fmt.Errorf("build request for query %q: %w", q, err)
		}
		queue.Push(req)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		queue.Stop()
	}()

	if err := queue.Start(); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	if useTUI {
		return runDashboard(queue, metrics)
	}

	queue.Wait()
	elapsed := time.Since(start)
	logger.Info("mining complete",
		"elapsed", elapsed,
		"queue_length", queue.GetQueueLength(),
		"fail_count", queue.GetRequestFailCount(),
	)
	fmt.Printf("\nMining complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Remaining backlog: %d\n", queue.GetQueueLength())
	fmt.Printf("  URLs at failure budget: %d\n", queue.GetRequestFailCount())
	return nil
}

func resultCallback(query string, sink storage.Sink, metrics *observability.Metrics, logger *slog.Logger) ghpool.Callback {
	return func(res ghpool.Result) any {
		metrics.BytesDownloaded.Add(int64(len(res.Body)))

		// Peek at the conventional total_count field without the core (or
		// this CLI) committing to the API's response schema.
		if total := gjson.GetBytes(res.Body, "total_count"); total.Exists() {
			logger.Info("query result", "query", query, "total_count", total.Int())
		}

		if sink == nil {
			return nil
		}

		var fields map[string]any
		if err := json.Unmarshal(res.Body, &fields); err != nil {
			logger.Warn("response body is not JSON, storing raw", "query", query, "error", err)
			fields = map[string]any{"raw": string(res.Body)}
		}

		result := &storage.MinedResult{
			Query:     query,
			Timestamp: time.Now().UTC(),
			Fields:    fields,
		}
		if err := sink.Store([]*storage.MinedResult{result}); err != nil {
			logger.Error("store result failed", "query", query, "error", err)
		}
		return nil
	}
}

func buildSink(cfg *config.Config, logger *slog.Logger) (storage.Sink, error) {
	switch cfg.Storage.Type {
	case "", "none":
		return nil, nil
	case "jsonl", "csv":
		return storage.NewFileSink(cfg.Storage.Type, cfg.Storage.OutputPath, logger)
	case "mongo":
		return storage.NewMongoSink(cfg.Storage.DSN, cfg.Storage.Database, cfg.Storage.Collection, logger)
	case "postgres":
		return storage.NewPostgresSink(context.Background(), cfg.Storage.DSN, cfg.Storage.Collection, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

func applyMineOverrides(cfg *config.Config) {
	if outputPath != "" {
		cfg.Storage.OutputPath = outputPath
		cfg.Storage.DSN = outputPath
	}
	if outputType != "" {
		cfg.Storage.Type = strings.ToLower(outputType)
	}
}

func resolveTokens() ([]string, error) {
	tokens, err := resolveList(tokensFlag, tokensFile)
	if err != nil {
		return nil, fmt.Errorf("resolve tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("at least one credential token is required (--tokens or --tokens-file)")
	}
	return tokens, nil
}

func resolveQueries() ([]string, error) {
	queries, err := resolveList(queriesFlag, queriesFile)
	if err != nil {
		return nil, fmt.Errorf("resolve queries: %w", err)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("at least one search query is required (--queries or --queries-file)")
	}
	return queries, nil
}

func resolveList(flagValue, filePath string) ([]string, error) {
	var items []string

	if flagValue != "" {
		for _, v := range strings.Split(flagValue, ",") {
			if v = strings.TrimSpace(v); v != "" {
				items = append(items, v)
			}
		}
	}

	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", filePath, err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				items = append(items, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read %s: %w", filePath, err)
		}
	}

	return items, nil
}
