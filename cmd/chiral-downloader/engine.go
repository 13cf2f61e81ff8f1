package main

import (
	"fmt"
	"path/filepath"

	"github.com/chiral-network/downloader/pkg/config"
	"github.com/chiral-network/downloader/pkg/dlmetrics"
	"github.com/chiral-network/downloader/pkg/dlog"
	"github.com/chiral-network/downloader/pkg/eventbus"
	"github.com/chiral-network/downloader/pkg/orchestrator"
	"github.com/chiral-network/downloader/pkg/peerselection"
	"github.com/chiral-network/downloader/pkg/persistence"
	"github.com/chiral-network/downloader/pkg/sourceadapter"
)

// engine bundles the substrate every subcommand needs to drive an
// Orchestrator: configuration, logging, persistence, metrics, the event
// bus, and the set of adapters that can be dispatched to.
type engine struct {
	cfg      config.Config
	log      dlog.Interface
	store    *persistence.Store
	bus      *eventbus.Bus
	metrics  *dlmetrics.Metrics
	registry *peerselection.Registry
	adapters []sourceadapter.Adapter
	orch     *orchestrator.Orchestrator
}

// buildEngine loads configuration from flags/env/file and wires the
// default adapter set: HTTP(S), FTP/FTPS, ed2k, and BitTorrent. WebRTC is
// omitted here since it needs an injected signaling PeerConnector that
// only a GUI/bridge collaborator (out of this core's scope) can supply.
func buildEngine() (*engine, error) {
	cfg, err := config.Load(cfgFile, nil)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if downloadsRoot != "" {
		cfg.DownloadsRoot = downloadsRoot
	}
	if cfg.DownloadsRoot == "" {
		cwd, err := filepath.Abs(".")
		if err != nil {
			return nil, err
		}
		cfg.DownloadsRoot = filepath.Join(cwd, "downloads")
	}
	cfg.Debug = cfg.Debug || debug
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var log dlog.Interface
	if cfg.Debug {
		log, err = dlog.NewDevelopment()
	} else {
		log, err = dlog.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	store := persistence.NewStore(cfg.DownloadsRoot, log)
	bus := eventbus.NewBus(256)
	metrics := dlmetrics.New()
	registry := peerselection.NewRegistry()

	btDataDir := filepath.Join(cfg.DownloadsRoot, ".bittorrent")
	bt, err := sourceadapter.NewBitTorrentAdapter(sourceadapter.BitTorrentOptions{
		DataDir:         btDataDir,
		MaxDownloadRate: cfg.Download.PerTransferBytesPerSec,
		MaxUploadRate:   cfg.Upload.PerTransferBytesPerSec,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("starting bittorrent adapter: %w", err)
	}

	adapters := []sourceadapter.Adapter{
		sourceadapter.NewHTTPAdapter(),
		sourceadapter.NewFTPAdapter(),
		sourceadapter.NewEd2kAdapter(),
		bt,
	}

	orch := orchestrator.New(cfg, store, bus, metrics, registry, adapters, nil, nil, log)

	return &engine{
		cfg:      cfg,
		log:      log,
		store:    store,
		bus:      bus,
		metrics:  metrics,
		registry: registry,
		adapters: adapters,
		orch:     orch,
	}, nil
}
