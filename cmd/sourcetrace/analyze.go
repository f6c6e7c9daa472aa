package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/sourcetrace/internal/fingerprint"
	"github.com/TobiSchelling/sourcetrace/internal/search"
	"github.com/TobiSchelling/sourcetrace/internal/session"
)

// --- analyze command ---

var (
	analyzeID  string
	analyzeURL string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Find the earliest post of the story a post belongs to",
	Long: `Fingerprint a post and narrow the corpus timeline to its source.

Name the post with --id or --url. A URL that is not in the corpus is fetched
and its page text is fingerprinted instead. Without either flag the crowd's
most repeated terms are used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		coord := session.New(engineDeps(db), session.SinkFunc(printEvent))
		if _, err := coord.Start(ctx, session.Request{TweetID: analyzeID, TweetURL: analyzeURL}); err != nil {
			return err
		}
		coord.Wait()

		run, _ := coord.Current()
		err = run.Err()
		switch {
		case errors.Is(err, search.ErrNonConvergence):
			fmt.Println("\nWarning: the window did not narrow to the configured resolution; treat the result as a lead.")
			return nil
		case errors.Is(err, session.ErrCancelled):
			return nil
		}
		return err
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeID, "id", "", "ID of the post to trace")
	analyzeCmd.Flags().StringVar(&analyzeURL, "url", "", "URL of the post to trace")
}

// printEvent renders session events as terminal lines.
func printEvent(ev session.Event) error {
	switch p := ev.Payload.(type) {
	case session.StatusPayload:
		fmt.Printf("[status] %s\n", p.Status)
	case session.LogEntry:
		fmt.Printf("%s [%s] %s\n", p.Timestamp.Format("15:04:05"), p.Level, p.Message)
	case session.VolumePayload:
		peak, total := 0, 0
		for _, b := range p.Data {
			total += b.Count
			if b.Count > p.Data[peak].Count {
				peak = b.Hour
			}
		}
		fmt.Printf("[volume] %d posts over %d hours, peak at hour %d\n", total, len(p.Data), peak)
	case session.NLPPayload:
		fmt.Printf("[fingerprint] mode=%s keywords=%s bigrams=%s\n",
			p.Mode, strings.Join(p.Keywords, ", "), strings.Join(p.Bigrams, ", "))
	case search.Progress:
		fmt.Printf("[search] #%02d window %.2fh-%.2fh (%d min) split %.2fh: %d matches, go %s\n",
			p.Iteration, p.LowHour, p.HighHour, p.WindowMinutes, p.MidHour, p.Count, p.Decision)
	case session.SourceFoundPayload:
		author := p.Tweet.AuthorRef
		if p.Tweet.Author != nil {
			author = "@" + p.Tweet.Author.Username
		}
		fmt.Printf("\nSource: post %s by %s at %s\n", p.Tweet.ID, author, p.Tweet.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("  %s\n", p.Tweet.Text)
		fmt.Printf("  %d iterations, final window %.2fh-%.2fh\n", p.Iterations, p.FinalWindow.LowHour, p.FinalWindow.HighHour)
	case session.CompletePayload:
		line := fmt.Sprintf("\nRun %s finished: %s", p.RunID, p.Status)
		if p.Reason != "" {
			line += " (" + p.Reason + ")"
		}
		fmt.Println(line)
	case session.ErrorPayload:
		fmt.Printf("[error] %s: %s\n", p.Error, p.Message)
	}
	return nil
}

// --- keywords command ---

var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Show the terms the whole corpus repeats most",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		snap, err := db.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		ex := engineDeps(db).Extractor
		if cfg.Fingerprint.BackgroundIDF {
			ex = ex.Fit(snap.Texts())
		}
		fp, err := ex.ExtractCorpus(snap.Texts())
		if errors.Is(err, fingerprint.ErrEmptyText) {
			fmt.Println("No keywords: the corpus is empty or holds only stop words.")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("Analyzed %d posts\n\n", snap.Len())
		fmt.Println("Top keywords:")
		for i, k := range fp.Keywords {
			fmt.Printf("  %d. %s\n", i+1, k)
		}
		if len(fp.Bigrams) > 0 {
			fmt.Println("\nTop bigrams:")
			for i, b := range fp.Bigrams {
				fmt.Printf("  %d. %s\n", i+1, b)
			}
		}
		return nil
	},
}

// --- runs command ---

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [id]",
	Short: "List archived analysis runs, or show one with its log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if len(args) == 1 {
			run, err := db.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			fmt.Printf("Run %s: %s\n", run.ID, run.Status)
			if run.SourcePostID != nil {
				fmt.Printf("  Source post: %s\n", *run.SourcePostID)
			}
			if run.Reason != nil {
				fmt.Printf("  Reason: %s\n", *run.Reason)
			}
			fmt.Printf("  Keywords: %s\n", strings.Join(run.Keywords, ", "))
			fmt.Printf("  Window: %.2fh-%.2fh after %d iterations\n", run.LowHour, run.HighHour, run.Iterations)
			fmt.Println("\nLog:")
			for _, e := range run.Log {
				fmt.Printf("  %s [%s] %s\n", e.Timestamp.Format("15:04:05"), e.Level, e.Message)
			}
			return nil
		}

		runs, err := db.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs yet. Start one with: sourcetrace analyze --id <post id>")
			return nil
		}
		for _, r := range runs {
			target := "(corpus)"
			switch {
			case r.TweetID != nil:
				target = *r.TweetID
			case r.TweetURL != nil:
				target = *r.TweetURL
			}
			result := ""
			if r.SourcePostID != nil {
				result = "source " + *r.SourcePostID
			} else if r.Reason != nil {
				result = *r.Reason
			}
			fmt.Printf("  %s  %-7s  %-22s  %s  %s\n", r.StartedAt, r.Status, target, r.ID, result)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to list")
}
