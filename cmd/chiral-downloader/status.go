package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiral-network/downloader/pkg/persistence"
)

var statusCmd = &cobra.Command{
	Use:   "status <destination>",
	Short: "Print the persisted state of a download",
	Long: "Status reads <destination>'s metadata and .part file directly, " +
		"without starting an orchestrator, so it works even while another " +
		"process holds the advisory lock on the .part file.",
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dest := args[0]

	eng, err := buildEngine()
	if err != nil {
		return err
	}

	meta, err := persistence.ReadMetadata(eng.store.Fs, dest)
	if err != nil {
		return fmt.Errorf("no download metadata at %s: %w", dest, err)
	}

	percent := 0.0
	if meta.ExpectedSize > 0 {
		percent = 100 * float64(meta.BytesDownloaded) / float64(meta.ExpectedSize)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "download_id:      %s\n", meta.DownloadID)
	fmt.Fprintf(w, "source_url:       %s\n", meta.SourceURL)
	fmt.Fprintf(w, "bytes_downloaded: %d / %d (%.1f%%)\n", meta.BytesDownloaded, meta.ExpectedSize, percent)
	if meta.Etag != "" {
		fmt.Fprintf(w, "etag:             %s\n", meta.Etag)
	}
	if meta.Sha256Final != "" {
		fmt.Fprintf(w, "sha256:           %s\n", meta.Sha256Final)
	}
	if meta.LeaseExp != nil {
		fmt.Fprintf(w, "lease_exp:        %d\n", *meta.LeaseExp)
	}
	return nil
}
