package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antoniostano/focuslens/internal/report"
	"github.com/antoniostano/focuslens/internal/store"
)

var scoreCmd = &cobra.Command{
	Use:   "score <session-id>",
	Short: "Recompute a session's score breakdown from its stored event log",
	Long:  "score reads the event log and recomputes the breakdown. The stored score is never rewritten.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		withTimeline, _ := cmd.Flags().GetBool("timeline")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		ctx := context.Background()
		st, err := store.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer st.Close()

		summary, err := report.SummarizeSession(ctx, st, args[0], withTimeline)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		sess := summary.Session
		fmt.Fprintf(out, "session:      %s (%s)\n", sess.ID, sess.SubjectID)
		fmt.Fprintf(out, "started:      %s\n", sess.StartedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "duration:     %.1f min\n", summary.DurationMinutes)
		if summary.Running {
			fmt.Fprintln(out, "state:        running (breakdown is provisional)")
		}
		fmt.Fprintf(out, "focus:        %d focused, %d distracted (%.1f%%)\n",
			summary.Focus.Focused, summary.Focus.Distracted, summary.Focus.FocusedPercent)
		for _, e := range summary.Emotions {
			fmt.Fprintf(out, "  %-10s %4d  avg confidence %.2f\n", e.Label, e.Count, e.AvgConfidence)
		}
		b := summary.Breakdown
		fmt.Fprintf(out, "focus score:   %.2f\n", b.FocusScore)
		fmt.Fprintf(out, "emotion score: %.2f\n", b.EmotionScore)
		fmt.Fprintf(out, "productivity:  %.2f\n", b.Productivity)
		if sess.Score != nil && *sess.Score != b.Productivity {
			fmt.Fprintf(out, "stored score:  %.2f (differs from recomputed value)\n", *sess.Score)
		}
		for _, p := range summary.Timeline {
			fmt.Fprintf(out, "%s  %-7s %s\n", p.At.Local().Format("15:04:05"), p.Kind, p.Value)
		}
		return nil
	},
}

func init() {
	scoreCmd.Flags().Bool("json", false, "Print the summary as JSON")
	scoreCmd.Flags().Bool("timeline", false, "Include the merged event timeline")
}
