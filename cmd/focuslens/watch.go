package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/focuslens/internal/app"
	"github.com/antoniostano/focuslens/internal/frame"
	"github.com/antoniostano/focuslens/internal/sampler"
	"github.com/antoniostano/focuslens/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sample a local source until Ctrl-C or replay exhaustion, then print the score",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		source, _ := cmd.Flags().GetString("source")
		loop, _ := cmd.Flags().GetBool("loop")
		quiet, _ := cmd.Flags().GetBool("quiet")
		if strings.TrimSpace(subject) == "" {
			return errors.New("--subject is required")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		src, err := openSource(source, loop, cfg.SamplerFrameTimeout)
		if err != nil {
			return err
		}

		built, err := app.Build(cmd.Context(), cfg)
		if err != nil {
			_ = src.Close()
			return err
		}
		defer func() { _ = built.Cleanup() }()

		sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h, err := built.Runner.Start(context.Background(), subject, src)
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("start session: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "session %s started for %s (classifier: %s)\n", h.ID, h.SubjectID, built.Info.Classifier)

		updates, unsubscribe, err := built.Runner.Subscribe(h.ID, 64)
		if err != nil && !errors.Is(err, sampler.ErrNotRunning) {
			return err
		}
		if unsubscribe != nil {
			defer unsubscribe()
		}

		finished := make(chan struct{})
		defer close(finished)
		go func() {
			select {
			case <-sigCtx.Done():
			case <-finished:
				return
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_, _ = built.Runner.Stop(stopCtx, h.ID)
		}()

		var (
			final  *session.Session
			reason string
		)
		if updates != nil {
			for u := range updates {
				if u.Kind == sampler.UpdateClosed {
					final, reason = u.Session, u.Code
					continue
				}
				if !quiet {
					printUpdate(out, u)
				}
			}
		}

		if final == nil {
			sess, err := built.Sessions.Get(context.Background(), h.ID)
			if err != nil {
				return fmt.Errorf("read session: %w", err)
			}
			final = &sess
		}
		return printClosed(out, *final, reason)
	},
}

func init() {
	watchCmd.Flags().String("subject", "", "Subject id the session belongs to")
	watchCmd.Flags().String("source", "", "Directory of image frames, or an http(s) snapshot URL")
	watchCmd.Flags().Bool("loop", false, "Replay a frame directory forever")
	watchCmd.Flags().Bool("quiet", false, "Only print the final score")
	_ = watchCmd.MarkFlagRequired("subject")
	_ = watchCmd.MarkFlagRequired("source")
}

func openSource(source string, loop bool, timeout time.Duration) (frame.Source, error) {
	source = strings.TrimSpace(source)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return frame.NewSnapshotSource(source, timeout), nil
	}
	src, err := frame.NewDirSource(source, loop)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}
	return src, nil
}

func printUpdate(w io.Writer, u sampler.Update) {
	ts := u.At.Local().Format("15:04:05")
	switch u.Kind {
	case sampler.UpdateFocus:
		if u.Focus != nil {
			fmt.Fprintf(w, "%s  focus    %-10s faces=%d eyes=%d\n", ts, u.Focus.Status, u.Focus.Faces, u.Focus.Eyes)
		}
	case sampler.UpdateEmotion:
		if u.Emotion != nil {
			fmt.Fprintf(w, "%s  emotion  %-10s %.2f\n", ts, u.Emotion.Label, u.Emotion.Confidence)
		}
	case sampler.UpdateStatus, sampler.UpdateError:
		fmt.Fprintf(w, "%s  %-8s %s %s\n", ts, u.Kind, u.Code, u.Message)
	}
}

func printClosed(w io.Writer, sess session.Session, reason string) error {
	if sess.State != session.StateClosed || sess.Score == nil {
		return fmt.Errorf("session %s did not close cleanly (state %s): %s", sess.ID, sess.State, sess.LastError)
	}
	fmt.Fprintln(w, strings.Repeat("─", 48))
	if reason != "" {
		fmt.Fprintf(w, "stopped:      %s\n", reason)
	}
	if sess.EndedAt != nil {
		fmt.Fprintf(w, "duration:     %s\n", sess.EndedAt.Sub(sess.StartedAt).Round(time.Second))
	}
	if b := sess.Breakdown; b != nil {
		fmt.Fprintf(w, "focus:        %.2f (%d events)\n", b.FocusScore, b.FocusEventCount)
		fmt.Fprintf(w, "emotion:      %.2f (%d events)\n", b.EmotionScore, b.EmotionEventCount)
	}
	fmt.Fprintf(w, "productivity: %.2f\n", *sess.Score)
	return nil
}
