package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chiral-network/downloader/pkg/sourceadapter"
)

var seedDisplayName string

var seedCmd = &cobra.Command{
	Use:   "seed <path>",
	Short: "Seed a local file to the BitTorrent swarm",
	Long: "Seed builds a single-file torrent for path and begins serving it. " +
		"BitTorrent is the only adapter this engine ships that implements " +
		"seeding; every other adapter refuses Seed with NotSupported per the " +
		"source-adapter seed/share-from-seeder open question.",
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedDisplayName, "name", "", "display name advertised for this torrent (default: file name)")
}

func runSeed(cmd *cobra.Command, args []string) error {
	path := args[0]
	if seedDisplayName == "" {
		seedDisplayName = filepath.Base(path)
	}

	eng, err := buildEngine()
	if err != nil {
		return err
	}

	var bt *sourceadapter.BitTorrentAdapter
	for _, a := range eng.adapters {
		if b, ok := a.(*sourceadapter.BitTorrentAdapter); ok {
			bt = b
			break
		}
	}
	if bt == nil {
		return fmt.Errorf("bittorrent adapter unavailable")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info, err := bt.Seed(ctx, path, sourceadapter.SeedOptions{DisplayName: seedDisplayName})
	if err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeding %s as %s (peers: %d)\npress ctrl-c to stop seeding\n", path, info.Identifier, info.PeerCount)

	<-ctx.Done()
	return bt.StopSeeding(info.Identifier)
}
