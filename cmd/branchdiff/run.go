package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/branchdiff/internal/service"
)

var (
	runBaseline string
	runOutDir   string
	runToken    string
)

var errDiffFailed = errors.New("diff failed")

var runCmd = &cobra.Command{
	Use:   "run <owner/name | repository-url> <candidate-ref>",
	Short: "Run one diff locally and write the screenshots to disk",
	Long: `Build the baseline and candidate refs of a repository on this machine,
screenshot both previews and write baseline.png, candidate.png and diff.png.
The baseline defaults to the repository's default branch.

Examples:
  branchdiff run acme/storefront feature/new-header
  branchdiff run https://github.com/acme/storefront fix/footer --baseline release/1.4`,
	Args: cobra.ExactArgs(2),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runBaseline, "baseline", "", "baseline ref (default: the repository's default branch)")
	runCmd.Flags().StringVarP(&runOutDir, "out", "o", ".", "directory for the PNG files")
	runCmd.Flags().StringVar(&runToken, "token", "", "git token for private repositories (or BRANCHDIFF_GIT_TOKEN env)")
}

func runOnce(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := repositoryRequest(args[0])
	req.CandidateRef = args[1]
	req.BaselineRef = runBaseline
	req.AuthToken = runToken
	req.User = "cli"

	res, err := sc.Service.Diff(ctx, req)
	if err != nil {
		return err
	}

	printSummary(os.Stdout, res)
	if !res.Success {
		return errDiffFailed
	}
	written, err := writeImages(runOutDir, res)
	if err != nil {
		return err
	}
	for _, path := range written {
		fmt.Fprintf(os.Stdout, "  wrote %s\n", path)
	}
	return nil
}

// repositoryRequest accepts either owner/name or a clone URL.
func repositoryRequest(repo string) service.DiffRequest {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") {
		return service.DiffRequest{RepoURL: repo}
	}
	owner, name, _ := strings.Cut(repo, "/")
	return service.DiffRequest{Owner: owner, Name: name}
}
