package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docqa/internal/apperr"
	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/corpus"
	"docqa/internal/db"
	"docqa/internal/embedding"
	"docqa/internal/helper"
	"docqa/internal/ingest"
	"docqa/internal/llmservice"
	"docqa/internal/parser"
	"docqa/internal/rag"
	"docqa/internal/server"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", defaultConfigPath, "Path to the YAML config file")
	doIngest := flag.Bool("ingest", false, "Ingest the documents directory and exit")
	serve := flag.Bool("serve", false, "Run the HTTP service (default when no other mode is given, combine with -ingest to serve after ingesting)")
	query := flag.String("query", "", "Query to be answered")
	topK := flag.Int("top-k", 0, "Number of chunks to retrieve for -query (0 uses rag.top_k)")
	dryRun := flag.Bool("dry-run", false, "With -ingest: read and chunk documents without embedding or saving")
	flag.Parse()

	if *doIngest && *query != "" {
		log.Fatal().Msg("Please provide either -ingest or -query, but not both")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	setupLogger(&cfg.Log)
	log.Debug().Interface("rag", cfg.RAG).Interface("storage", cfg.Storage).Msg("Loaded config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chk, err := chunker.New(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid chunking parameters")
	}

	if *doIngest && *dryRun {
		pipeline := ingest.NewPipeline(chk, nil, nil, corpus.NewHandle(nil), parser.NewReader())
		summary, err := pipeline.DryRun(cfg.RAG.DocumentsDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Error during dry run")
		}
		helper.PrettyPrint(summary)
		return
	}

	a, err := newApp(ctx, cfg, chk)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing application")
	}
	defer a.Close()

	if *doIngest {
		summary, err := a.pipeline.IngestDir(ctx, cfg.RAG.DocumentsDir)
		if err != nil {
			log.Fatal().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("Error ingesting documents")
		}
		helper.PrettyPrint(summary)
		if !*serve {
			return
		}
	}

	if *query != "" {
		performRAG(ctx, a, *query, *topK)
		return
	}

	if err := runServer(ctx, cfg, a); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}

func setupLogger(cfg *config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	}
}

type app struct {
	handle    *corpus.Handle
	store     corpus.Store
	pipeline  *ingest.Pipeline
	retriever *rag.Retriever
	service   *rag.Service
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config, chk *chunker.Chunker) (*app, error) {
	a := &app{}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		dbClient, err := db.ConnectDB(&cfg.Database)
		if err != nil {
			return nil, err
		}
		dbInstance := db.NewDB(dbClient, cfg.Database.Debug)
		a.closers = append(a.closers, dbInstance.Close)
		if err := db.InitDB(ctx, dbInstance); err != nil {
			a.Close()
			return nil, err
		}
		a.store = db.NewStore(dbInstance, cfg.Storage.KeepGenerations)
	default:
		if err := helper.CreateFolder(cfg.Storage.DataDir); err != nil {
			return nil, err
		}
		a.store = corpus.NewFileStore(cfg.Storage.DataDir, cfg.Storage.KeepGenerations)
	}

	a.handle = corpus.NewHandle(nil)
	loaded, err := a.store.Load(ctx)
	switch {
	case err == nil:
		a.handle.Swap(loaded)
	case apperr.Is(err, apperr.KindNotReady):
		log.Warn().Err(err).Msg("No corpus loaded, run ingestion first")
	default:
		a.Close()
		return nil, err
	}

	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM, cfg.RAG.BatchSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	gateway := embedding.NewGateway(embedder, embedding.Options{
		BatchSize:  cfg.RAG.BatchSize,
		Timeout:    cfg.EmbedLLM.Timeout,
		MaxRetries: cfg.EmbedLLM.MaxRetries,
		RetryDelay: cfg.EmbedLLM.RetryDelay,
	})

	model, err := llmservice.NewModel(&cfg.InferenceLLM)
	if err != nil {
		a.Close()
		return nil, err
	}
	generator := llmservice.NewGenerator(model, &cfg.InferenceLLM)

	a.pipeline = ingest.NewPipeline(chk, gateway, a.store, a.handle, parser.NewReader())
	a.retriever = rag.NewRetriever(a.handle, gateway, cfg.RAG.TopK)
	a.service = rag.NewService(a.retriever, generator)
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("Error closing resource")
		}
	}
	a.closers = nil
}

func performRAG(ctx context.Context, a *app, query string, k int) {
	response, err := a.service.Query(ctx, query, k)
	if err != nil {
		log.Fatal().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("Error querying")
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", query)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	for i, c := range response.Citations {
		fmt.Printf("[%d] %s (distance %.4f)\n%s\n\n", i+1, c.Source, c.Distance, c.Text)
	}

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Answer)
}

func runServer(ctx context.Context, cfg *config.Config, a *app) error {
	srv := server.New(server.Deps{
		Query:        a.service,
		Ingest:       a.pipeline,
		Handle:       a.handle,
		DocumentsDir: cfg.RAG.DocumentsDir,

		QueryTimeout:  cfg.Server.QueryTimeout,
		IngestTimeout: cfg.Server.IngestTimeout,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
