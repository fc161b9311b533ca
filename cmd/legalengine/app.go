package main

import (
	"fmt"
	"log/slog"

	"github.com/gomaslegal/legalengine/internal/adapters/classifier"
	"github.com/gomaslegal/legalengine/internal/adapters/contentstore"
	"github.com/gomaslegal/legalengine/internal/adapters/filewatcher"
	"github.com/gomaslegal/legalengine/internal/adapters/indexer"
	"github.com/gomaslegal/legalengine/internal/adapters/llm"
	"github.com/gomaslegal/legalengine/internal/adapters/normalizer"
	"github.com/gomaslegal/legalengine/internal/adapters/ocr"
	"github.com/gomaslegal/legalengine/internal/adapters/registry"
	"github.com/gomaslegal/legalengine/internal/config"
	"github.com/gomaslegal/legalengine/internal/domain/usecases"
	httpinfra "github.com/gomaslegal/legalengine/internal/infrastructure/http"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg     *config.Config
	store   *registry.SQLiteStore
	files   *contentstore.Store
	hub     *httpinfra.EventHub
	ingest  *usecases.IngestUseCase
	query   *usecases.QueryUseCase
	watcher *filewatcher.FSNotifyWatcher
	log     *slog.Logger
}

// buildApp wires every adapter behind the usecases.
func buildApp(cfg *config.Config, log *slog.Logger, withWatcher bool) (*app, error) {
	store, err := registry.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	files, err := contentstore.New(
		contentstore.DefaultLayout(cfg.BaseDir),
		cfg.Pipeline.QuietPeriod,
		cfg.Pipeline.MaxStabilize,
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("preparing content store: %w", err)
	}

	model := llm.NewAnthropicAdapter(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.Pipeline.MaxRetries, log)
	recognizer := ocr.NewMistralAdapter(cfg.OCR.BaseURL, cfg.OCR.APIKey, cfg.OCR.Model, cfg.Pipeline.MaxRetries, log)
	rules := classifier.NewRuleClassifier(cfg.RulesPath, log)
	trees := indexer.NewTreeBuilder(model, cfg.Pipeline.Summaries, log)
	hub := httpinfra.NewEventHub()

	var watcher *filewatcher.FSNotifyWatcher
	if withWatcher {
		watcher, err = filewatcher.NewFSNotifyWatcher(nil, log)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("creating watcher: %w", err)
		}
	}

	ingest := usecases.NewIngestUseCase(
		store, store, files,
		recognizer, normalizer.NewCleaner(), rules, trees, watcher, hub,
		usecases.IngestConfig{
			MaxRetries:    cfg.Pipeline.MaxRetries,
			Workers:       cfg.Pipeline.Workers,
			ForceIndexing: cfg.Pipeline.ForceIndexing,
		},
		log,
	)
	query := usecases.NewQueryUseCase(
		store, store, files, model,
		usecases.ContextStrategy(cfg.Retrieval.Strategy),
		cfg.Retrieval.TopK,
		cfg.Retrieval.MaxContextChars,
		log,
	)

	return &app{
		cfg:     cfg,
		store:   store,
		files:   files,
		hub:     hub,
		ingest:  ingest,
		query:   query,
		watcher: watcher,
		log:     log,
	}, nil
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.store.Close()
}

func (a *app) server() *httpinfra.Server {
	return httpinfra.NewServer(
		a.ingest, a.query, a.store, a.store, a.hub,
		contentstore.DefaultLayout(a.cfg.BaseDir).Input,
		a.cfg.Server.Token, a.cfg.Server.Addr, a.log,
	)
}
