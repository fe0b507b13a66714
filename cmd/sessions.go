package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/tracecast/internal/ingest"
	"github.com/joescharf/tracecast/internal/output"
	"github.com/joescharf/tracecast/internal/trace"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage archived live sessions",
	Long:    "List, inspect, summarize and delete walkthroughs archived by tracecast serve.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List archived sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show an archived session and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(args[0])
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:     "rm <session-id>",
	Aliases: []string{"delete"},
	Short:   "Delete an archived session and its files",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsRmRun(args[0])
	},
}

var sessionsSummarizeCmd = &cobra.Command{
	Use:   "summarize <session-id>",
	Short: "Generate a summary for an archived session",
	Long: `Ask the configured Anthropic model to summarize an archived walkthrough.
The summary is stored with the session and written to its summary.md.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsSummarizeRun(cmd.Context(), args[0], newSummarizer())
	},
}

func init() {
	sessionsCmd.PersistentFlags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to list (0 for all)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	sessionsCmd.AddCommand(sessionsSummarizeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	list, err := s.ListRecordedSessions(ctx, sessionsLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No archived sessions. Start one with: tracecast serve")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Agent", "Steps", "Ended"})
	for _, rs := range list {
		_ = table.Append([]string{
			output.Cyan(shortID(rs.ID)),
			rs.Title,
			rs.Agent,
			strconv.Itoa(rs.StepCount),
			rs.EndedAt.Local().Format(time.DateTime),
		})
	}
	_ = table.Render()
	return nil
}

func sessionsShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	rs, err := s.GetRecordedSession(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(rs.ID)), rs.Title)
	if rs.Agent != "" {
		fmt.Fprintf(ui.Out, "  Agent:    %s\n", rs.Agent)
	}
	if rs.Commit != "" {
		fmt.Fprintf(ui.Out, "  Commit:   %s\n", rs.Commit)
	}
	fmt.Fprintf(ui.Out, "  Steps:    %d\n", rs.StepCount)
	fmt.Fprintf(ui.Out, "  Started:  %s\n", rs.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Ended:    %s\n", rs.EndedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Dir:      %s\n", rs.Dir)
	fmt.Fprintf(ui.Out, "  Full ID:  %s\n", rs.ID)
	if rs.Summary != "" {
		fmt.Fprintf(ui.Out, "\n%s\n", rs.Summary)
	}

	sess, _, err := trace.Load(rs.Dir)
	if err != nil {
		ui.Warning("Trace unavailable: %v", err)
		return nil
	}
	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"#", "Type", "Title", "File"})
	for i, st := range sess.Steps {
		file := st.FilePath
		if st.Range != nil && file != "" {
			file += ":" + st.Range.String()
		}
		_ = table.Append([]string{strconv.Itoa(i + 1), output.StepTypeColor(string(st.Type)), st.Title, file})
	}
	_ = table.Render()
	return nil
}

func sessionsRmRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	rs, err := s.GetRecordedSession(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete session %s and %s", shortID(rs.ID), rs.Dir)
		return nil
	}

	if err := s.DeleteRecordedSession(ctx, rs.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(rs.Dir); err != nil {
		ui.Warning("Could not remove %s: %v", rs.Dir, err)
	}
	ui.Success("Deleted session %s: %s", output.Cyan(shortID(rs.ID)), rs.Title)
	return nil
}

func sessionsSummarizeRun(ctx context.Context, id string, sum ingest.Summarizer) error {
	if sum == nil {
		return errors.New("no Anthropic API key configured (set anthropic.api_key or $ANTHROPIC_API_KEY)")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	rs, err := s.GetRecordedSession(ctx, id)
	if err != nil {
		return err
	}
	sess, _, err := trace.Load(rs.Dir)
	if err != nil {
		return err
	}

	ui.VerboseLog("Summarizing %d steps", sess.Len())
	result, err := sum.SummarizeSession(ctx, sess.Metadata, sess.Steps)
	if err != nil {
		return fmt.Errorf("summarize session: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would save summary for %s:\n%s", shortID(rs.ID), result.Summary)
		return nil
	}

	sess.Summary = result.Summary
	if err := trace.Save(rs.Dir, sess); err != nil {
		return err
	}
	if err := s.UpdateRecordedSessionSummary(ctx, rs.ID, result.Summary); err != nil {
		return err
	}
	ui.Success("Summary saved for %s", output.Cyan(shortID(rs.ID)))
	fmt.Fprintf(ui.Out, "\n%s\n", result.Summary)
	return nil
}

// shortID returns a display-friendly prefix of a ULID.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
