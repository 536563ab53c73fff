package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/focuslens/internal/report"
	"github.com/antoniostano/focuslens/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List completed sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		limit, _ := cmd.Flags().GetInt("limit")

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

		out := cmd.OutOrStdout()
		if subject == "" {
			subjects, err := st.ListSubjects(ctx)
			if err != nil {
				return fmt.Errorf("list subjects: %w", err)
			}
			if len(subjects) == 0 {
				fmt.Fprintln(out, "No sessions recorded.")
				return nil
			}
			fmt.Fprintf(out, "Subjects: %s\n", strings.Join(subjects, ", "))
		}

		rows, err := report.CompletedSessions(ctx, st, subject, limit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(rows) == 0 {
			fmt.Fprintln(out, "No completed sessions found.")
			return nil
		}

		fmt.Fprintf(out, "%-36s  %-16s  %-19s  %8s  %6s\n", "ID", "Subject", "Started", "Minutes", "Score")
		fmt.Fprintln(out, strings.Repeat("─", 94))
		for _, r := range rows {
			score := "-"
			if r.Score != nil {
				score = fmt.Sprintf("%.2f", *r.Score)
			}
			fmt.Fprintf(out, "%-36s  %-16s  %-19s  %8.1f  %6s\n",
				r.ID, r.SubjectID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.DurationMinutes, score)
		}

		if subject != "" {
			sum, err := report.SummarizeSubject(ctx, st, subject)
			if err != nil {
				return fmt.Errorf("summarize subject: %w", err)
			}
			avg := "-"
			if sum.AverageScore != nil {
				avg = fmt.Sprintf("%.2f", *sum.AverageScore)
			}
			fmt.Fprintf(out, "\n%d completed, %.1f min total, average score %s\n", sum.CompletedSessions, sum.TotalMinutes, avg)
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().String("subject", "", "Only list sessions of this subject")
	sessionsCmd.Flags().Int("limit", 20, "Maximum number of sessions to list (0 for all)")
}
