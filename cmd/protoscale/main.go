package main

import (
	"log"
	"os"

	"github.com/LyKhan77/protoscale/internal/api"
	"github.com/LyKhan77/protoscale/internal/config"
	"github.com/LyKhan77/protoscale/internal/events"
	"github.com/LyKhan77/protoscale/internal/meshy"
	"github.com/LyKhan77/protoscale/internal/poller"
	"github.com/LyKhan77/protoscale/internal/rembg"
	"github.com/LyKhan77/protoscale/internal/retexture"
	"github.com/LyKhan77/protoscale/internal/slots"
	"github.com/LyKhan77/protoscale/internal/store"
	"github.com/LyKhan77/protoscale/internal/thumbs"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("protoscale: starting",
		"listen_addr", cfg.ListenAddr,
		"storage_dir", cfg.StorageDir,
		"db_path", cfg.DBPath,
	)

	client, err := meshy.NewClient(meshy.Options{
		APIKey:  cfg.MeshyAPIKey,
		BaseURL: cfg.MeshyBaseURL,
	})
	if err != nil {
		log.Fatalf("provider client: %v", err)
	}

	history, err := store.NewHistory(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open history database: %v", err)
	}
	defer history.Close()

	bus := events.NewBus()
	jobs, err := store.New(cfg.UploadsDir(), cfg.OutputsDir(), bus, history, logger)
	if err != nil {
		log.Fatalf("failed to open job store: %v", err)
	}
	restored := jobs.RestoreAll()
	logger.Info("job store restored", "jobs", restored)

	slotManager := slots.NewManager(cfg.StageDevices)
	retextureManager := retexture.NewManager(jobs, client, logger)

	var remover rembg.BackgroundRemover = rembg.Noop{}
	if cfg.RembgBin != "" {
		remover = &rembg.ExecRemover{Bin: cfg.RembgBin}
	}
	var renderer thumbs.Renderer = thumbs.Noop{}
	if cfg.ThumbsBin != "" {
		renderer = &thumbs.ExecRenderer{Bin: cfg.ThumbsBin}
	}

	p := poller.New(jobs, client, retextureManager, renderer, logger, cfg.PollInterval)
	p.Start()
	defer p.Stop()

	srv := api.NewServer(api.Options{
		Addr:        cfg.ListenAddr,
		APIKey:      cfg.APIKey,
		CORSOrigins: cfg.CORSOrigins,
		Store:       jobs,
		Slots:       slotManager,
		Client:      client,
		Retexture:   retextureManager,
		Remover:     remover,
		Renderer:    renderer,
		Logger:      logger,
	})

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
