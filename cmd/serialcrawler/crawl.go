package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
)

type crawlOptions struct {
	url     string
	title   string
	count   int
	sink    string
	timeout time.Duration
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one session in-process.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a single crawl session and waits for it to finish",
		Long: `Fetches the first page at --url, starts a session seeded with it and blocks
until the session completes, fails or is interrupted. The artifact is written to
the configured storage backend under --sink.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "locator of the first page (required)")
	cmd.Flags().StringVar(&opts.title, "title", "", "artifact title (defaults to the first page title)")
	cmd.Flags().IntVar(&opts.count, "count", 100, "maximum number of fragments to collect")
	cmd.Flags().StringVar(&opts.sink, "sink", "", "destination location inside the artifact store")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "abort the session after this long (0 disables)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer shutdown(cmd.Context(), appInstance)
	logger := appInstance.Logger()

	ctx := cmd.Context()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	first, err := appInstance.FetchPage(ctx, opts.url)
	if err != nil {
		return fmt.Errorf("fetch first page: %w", err)
	}
	title := strings.TrimSpace(opts.title)
	if title == "" {
		title = first.Title
	}

	origin := "cli-" + uuid.NewString()
	events, unsubscribe := appInstance.Subscribe(origin)
	defer unsubscribe()

	id, err := appInstance.StartSession(ctx, crawler.StartRequest{
		Title:               title,
		FirstFragmentTitle:  first.Title,
		FirstFragmentBody:   first.Body,
		NextLocator:         first.NextLocator,
		TargetFragmentCount: opts.count,
		SinkLocation:        opts.sink,
		OriginRef:           origin,
	})
	if err != nil {
		return err
	}
	logger.Info("session started", zap.String("session_id", id), zap.String("title", title))

	select {
	case evt, ok := <-events:
		if !ok {
			return errors.New("event stream closed before the session finished")
		}
		return report(cmd, evt)
	case <-ctx.Done():
		if stopErr := appInstance.StopSession(id); stopErr != nil && !errors.Is(stopErr, crawler.ErrUnknownSession) {
			logger.Warn("stop session failed", zap.String("session_id", id), zap.Error(stopErr))
		}
		return fmt.Errorf("session %s interrupted: %w", id, ctx.Err())
	}
}

func report(cmd *cobra.Command, evt crawler.Completion) error {
	out := cmd.OutOrStdout()
	if evt.Status != crawler.OutcomeCompleted {
		fmt.Fprintf(out, "session %s %s after %d fragments: %s\n", evt.SessionID, evt.Status, evt.Fragments, evt.Error)
		return fmt.Errorf("session %s %s: %s", evt.SessionID, evt.Status, evt.Error)
	}
	fmt.Fprintf(out, "wrote %d fragments to %s\n", evt.Fragments, evt.DestinationPath)
	return nil
}
