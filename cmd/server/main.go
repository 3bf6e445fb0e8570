// Command server is the StableYield Index Engine's long-running process:
// it loads configuration, wires every pipeline stage, and drives the
// scheduler until an interrupt asks it to shut down.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ecaradonna/stableyield/internal/adapters"
	"github.com/ecaradonna/stableyield/internal/adapters/cefi"
	"github.com/ecaradonna/stableyield/internal/adapters/defi"
	"github.com/ecaradonna/stableyield/internal/adapters/marketcap"
	"github.com/ecaradonna/stableyield/internal/adapters/tbill"
	"github.com/ecaradonna/stableyield/internal/app"
	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/events"
	"github.com/ecaradonna/stableyield/internal/scheduler"
	"github.com/ecaradonna/stableyield/internal/store"
	"github.com/ecaradonna/stableyield/internal/store/archive"
	"github.com/ecaradonna/stableyield/internal/store/snapshot"
	"github.com/ecaradonna/stableyield/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting stableyield index engine")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	registry := adapters.New(buildAdapters(log), cfg.Scheduler.PerSourceConcurrency, cfg.Scheduler.PerSourceTimeout)

	memStore := store.New()
	var storer app.Storer = memStore
	var writer *snapshot.Writer
	if cfg.Store.SnapshotEnabled {
		writer, err = snapshot.Open(cfg.Store.SnapshotPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open snapshot store")
		}
		defer writer.Close()

		if err := snapshot.RestoreIndexValues(context.Background(), writer, memStore, decodeIndexValue); err != nil {
			log.Error().Err(err).Msg("failed to restore index values from snapshot")
		}
		storer = snapshot.NewMirroredStore(memStore, writer)
	}

	var arch *archive.Archiver
	if cfg.Store.SnapshotEnabled && cfg.Store.ArchiveEnabled {
		arch, err = archive.New(context.Background(), archive.Config{
			Enabled: cfg.Store.ArchiveEnabled,
			Bucket:  cfg.Store.ArchiveBucket,
			Region:  cfg.Store.ArchiveRegion,
		}, cfg.Store.SnapshotPath, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to initialize snapshot archiver")
		}
	}

	evts := events.NewManager(log)
	evts.Subscribe(func(e events.Event) {
		log.Debug().Str("type", string(e.Type)).Str("module", e.Module).Interface("data", e.Data).Msg("event")
	})

	application := app.New(app.Deps{
		Config:    cfg,
		Registry:  registry,
		TBill:     tbillAdapter(log),
		MarketCap: marketcapAdapter(log),
		Store:     storer,
		Events:    evts,
		Log:       log,
	})

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.Scheduler.CycleCadence, scheduler.JobFunc{
		JobName: "syi_cycle",
		Fn:      func() error { return application.RunCycle(context.Background()) },
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register pipeline cycle job")
	}
	if err := sched.AddJob(cfg.Scheduler.RegimeCadence, scheduler.JobFunc{
		JobName: "regime_evaluation",
		Fn:      func() error { return application.RunRegime(context.Background(), time.Now().UTC()) },
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register regime job")
	}
	if arch != nil {
		if err := sched.AddJob("5 1 * * *", scheduler.JobFunc{JobName: arch.Name(), Fn: arch.Run}); err != nil {
			log.Fatal().Err(err).Msg("failed to register archive job")
		}
	}

	sched.Start()
	defer sched.Stop()

	log.Info().Msg("scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
}

// buildAdapters assembles the enabled Source Adapters from plain
// environment variables. Adapter credentials are source-specific (§6.1:
// "each adapter is responsible for source-specific authentication"), so
// they live outside the SYI_-prefixed pipeline-parameter allow-list, and
// config's unknown-key check exempts their SYI_CEFI_/SYI_DEFI_/SYI_TBILL_/
// SYI_MARKETCAP_ prefixes.
func buildAdapters(log zerolog.Logger) []adapters.Adapter {
	var list []adapters.Adapter

	for _, sourceID := range splitCSV(os.Getenv("SYI_CEFI_SOURCES")) {
		prefix := "SYI_CEFI_" + strings.ToUpper(sourceID) + "_"
		list = append(list, cefi.New(cefi.Config{
			SourceID: sourceID,
			BaseURL:  os.Getenv(prefix + "BASE_URL"),
			WSURL:    os.Getenv(prefix + "WS_URL"),
			APIKey:   os.Getenv(prefix + "API_KEY"),
			Symbols:  splitCSV(os.Getenv(prefix + "SYMBOLS")),
		}, log))
	}

	for _, sourceID := range splitCSV(os.Getenv("SYI_DEFI_SOURCES")) {
		prefix := "SYI_DEFI_" + strings.ToUpper(sourceID) + "_"
		list = append(list, defi.New(defi.Config{
			SourceID: sourceID,
			BaseURL:  os.Getenv(prefix + "BASE_URL"),
			APIKey:   os.Getenv(prefix + "API_KEY"),
			Chain:    os.Getenv(prefix + "CHAIN"),
		}, log))
	}

	return list
}

// tbillAdapter returns nil (the untyped interface nil, not a typed nil
// pointer) when no provider is configured, so app.App's "a.tbill != nil"
// guard behaves correctly.
func tbillAdapter(log zerolog.Logger) app.RateSource {
	baseURL := os.Getenv("SYI_TBILL_BASE_URL")
	if baseURL == "" {
		return nil
	}
	return tbill.New(tbill.Config{
		SourceID: "tbill",
		BaseURL:  baseURL,
		APIKey:   os.Getenv("SYI_TBILL_API_KEY"),
	}, log)
}

func marketcapAdapter(log zerolog.Logger) app.CapSource {
	baseURL := os.Getenv("SYI_MARKETCAP_BASE_URL")
	if baseURL == "" {
		return nil
	}
	return marketcap.New(marketcap.Config{
		SourceID: "marketcap",
		BaseURL:  baseURL,
		APIKey:   os.Getenv("SYI_MARKETCAP_API_KEY"),
	}, log)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeIndexValue(payload []byte) (domain.IndexValue, error) {
	var v domain.IndexValue
	err := msgpack.Unmarshal(payload, &v)
	return v, err
}
