// Command chiral-downloader drives the multi-source download engine from
// the command line: start a new transfer, resume one left off by a prior
// crash, seed a local file over BitTorrent, or inspect a download's
// persisted state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chiral-network/downloader/pkg/version"
)

var (
	cfgFile       string
	downloadsRoot string
	debug         bool
)

var rootCmd = &cobra.Command{
	Use:     "chiral-downloader",
	Short:   "Multi-source, multi-protocol download orchestration engine",
	Long:    "chiral-downloader drives chunked, resumable transfers over BitTorrent, HTTP(S) ranges, FTP/FTPS, ed2k, and direct WebRTC peers.",
	Version: fmt.Sprintf("gitVersion=%s, gitCommit=%s", version.GitVersion, version.GitCommit),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chiral-downloader: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a config file (yaml/json/toml)")
	rootCmd.PersistentFlags().StringVar(&downloadsRoot, "downloads-root", "", "absolute path downloads are sandboxed under")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statusCmd)
}
