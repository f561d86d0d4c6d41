package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/xhad/sift/internal/models"
	"github.com/xhad/sift/pkg/ingest"
	"github.com/xhad/sift/pkg/retrieval"
	"github.com/xhad/sift/server"
	"golang.org/x/sync/errgroup"
)

var (
	serveWithWorker bool
	submitWait      bool
	submitTimeout   time.Duration
	statusJSON      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume ingestion jobs from the queue",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

var submitCmd = &cobra.Command{
	Use:   "submit [url...]",
	Short: "Submit URLs for ingestion",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question; without arguments starts an interactive session",
	RunE:  runAsk,
}

var statusCmd = &cobra.Command{
	Use:   "status [url]",
	Short: "Show the ingestion status of a URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "worker", false, "also consume ingestion jobs in this process")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait until every document is completed or failed")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "how long --wait waits")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output the status as JSON")

	rootCmd.AddCommand(serveCmd, workerCmd, submitCmd, askCmd, statusCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(a.ingest, a.retrieval, server.Config{
		Addr:         cfg.Server.Addr,
		QueryTimeout: 2 * cfg.LLM.Timeout,
		Logger:       &logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if serveWithWorker || inProcess() {
		w := newWorker(a, nil)
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

func runWorker(cmd *cobra.Command, args []string) error {
	if inProcess() {
		return fmt.Errorf("a standalone worker needs the redis queue and postgres store; use serve --worker instead")
	}

	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	return newWorker(a, nil).Run(cmd.Context())
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	subs, err := a.ingest.Submit(ctx, args)
	if err != nil {
		return err
	}
	for _, s := range subs {
		state := color.YellowString("queued")
		if !s.Queued {
			state = color.GreenString("already %s", strings.ToLower(string(s.Status)))
		}
		fmt.Printf("%s  %s  %s\n", s.ID, s.URL, state)
	}

	// Memory backends only live as long as this process.
	if !submitWait && !inProcess() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	workerCtx, stopWorker := context.WithCancel(gctx)
	defer stopWorker()
	if inProcess() {
		w := newWorker(a, nil)
		g.Go(func() error { return w.Run(workerCtx) })
	}
	g.Go(func() error {
		defer stopWorker()
		return waitFor(gctx, a.ingest, subs)
	})
	return g.Wait()
}

// waitFor polls until every submitted document is terminal.
func waitFor(ctx context.Context, svc *ingest.Service, subs []ingest.Submission) error {
	bar := getProgressBar(len(subs), " Ingesting documents")
	defer bar.Finish()

	pending := make(map[string]bool, len(subs))
	for _, s := range subs {
		pending[s.URL] = true
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var failed []ingest.Report
	for len(pending) > 0 {
		for u := range pending {
			report, err := svc.Lookup(ctx, u)
			if err != nil {
				return err
			}
			if !report.Status.Terminal() {
				continue
			}
			delete(pending, u)
			bar.Add(1)
			if report.Status == models.StatusFailed {
				failed = append(failed, report)
			}
		}
		if len(pending) == 0 {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for %d document(s): %w", len(pending), ctx.Err())
		}
	}
	bar.Finish()

	fmt.Println()
	if len(failed) == 0 {
		color.Green("✓ %d document(s) ingested\n", len(subs))
		return nil
	}
	for _, r := range failed {
		color.Red("✗ %s: %s\n", r.URL, r.Error)
	}
	return fmt.Errorf("%d of %d document(s) failed", len(failed), len(subs))
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) > 0 {
		return ask(ctx, a.retrieval, strings.Join(args, " "))
	}

	// Interactive chat loop with colored output
	color.Cyan("\nAsk your knowledge base (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			break
		}
		if query == "" {
			continue
		}
		if err := ask(ctx, a.retrieval, query); err != nil {
			if isCancelled(err) {
				return nil
			}
			color.Red("Error: %v\n", err)
		}
	}
	return scanner.Err()
}

func ask(ctx context.Context, svc *retrieval.Service, query string) error {
	spinner := getSpinner(" Thinking...")
	result, err := svc.Query(ctx, query)
	spinner.Finish()
	fmt.Print("\r")
	if err != nil {
		return err
	}

	assistantPrompt := color.New(color.FgCyan).PrintfFunc()
	assistantPrompt("Assistant: %s\n", result.Answer)

	switch {
	case result.Insufficient:
		color.Yellow("(no relevant documents found)\n")
	case !result.Grounded:
		color.Yellow("(answered without sources)\n")
	default:
		fmt.Println("\nSources:")
		for _, s := range result.Sources {
			fmt.Printf("  [%d] %s %s\n", s.Index, s.URL, color.HiBlackString("(%.3f)", s.Similarity))
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.ingest.Lookup(ctx, args[0])
	if err != nil {
		return err
	}

	if statusJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	status := string(report.Status)
	switch report.Status {
	case models.StatusCompleted:
		status = color.GreenString("%s", status)
	case models.StatusFailed:
		status = color.RedString("%s", status)
	default:
		status = color.YellowString("%s", status)
	}

	fmt.Printf("Document:   %s\n", report.ID)
	fmt.Printf("URL:        %s\n", report.URL)
	fmt.Printf("Status:     %s\n", status)
	if report.Error != "" {
		fmt.Printf("Error:      %s\n", report.Error)
	}
	fmt.Printf("Chunks:     %d (%d embedded)\n", report.Chunks, report.Embedded)
	fmt.Printf("Updated:    %s\n", report.UpdatedAt.Format(time.RFC3339))
	return nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
