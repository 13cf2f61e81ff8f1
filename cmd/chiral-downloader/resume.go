package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chiral-network/downloader/pkg/orchestrator"
	"github.com/chiral-network/downloader/pkg/persistence"
)

var resumeSources []string

var resumeCmd = &cobra.Command{
	Use:   "resume <identifier> <destination>",
	Short: "Resume a download left off by a prior crash or pause",
	Long: "Resume reads the destination's persisted metadata to recover the " +
		"download_id, expected size, and bytes already fsynced, then re-enters " +
		"the same state machine start does — ValidatingMetadata decides whether " +
		"the existing .part is safe to continue or must restart from zero.",
	Args: cobra.ExactArgs(2),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringArrayVar(&resumeSources, "source", nil, "additional source identifier for the same file (repeatable)")
}

func runResume(cmd *cobra.Command, args []string) error {
	identifier, dest := args[0], args[1]

	eng, err := buildEngine()
	if err != nil {
		return err
	}

	meta, err := persistence.ReadMetadata(eng.store.Fs, dest)
	if err != nil {
		return fmt.Errorf("no resumable download at %s: %w", dest, err)
	}

	sources := []orchestrator.SourceRef{{Type: sourceType(identifier), Identifier: identifier}}
	for _, s := range resumeSources {
		sources = append(sources, orchestrator.SourceRef{Type: sourceType(s), Identifier: s})
	}

	req := orchestrator.StartRequest{
		FileID:     fileIDFor(identifier),
		DownloadID: meta.DownloadID,
		Dest:       dest,
		FileSize:   meta.ExpectedSize,
		ChunkSize:  eng.cfg.ChunkSize,
		Sources:    sources,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopPrinter := printEvents(eng.bus, cmd.OutOrStdout())
	defer stopPrinter()

	dl, err := eng.orch.StartDownload(ctx, req)
	if err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "completed: %s -> %s (%d bytes)\n", identifier, dest, dl.CompletedBytes())
	return nil
}
