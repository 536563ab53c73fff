package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func writeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewGray(image.Rect(0, 0, 40, 30))
		img.SetGray(i, i, color.Gray{Y: 255})
		f, err := os.Create(filepath.Join(dir, "frame_"+string(rune('a'+i))+".png"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("png.Encode() error = %v", err)
		}
		_ = f.Close()
	}
	return dir
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("focuslens %s error = %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestWatchReplayThenScoreAndList(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("CLASSIFIER_BACKEND", "none")
	t.Setenv("SAMPLER_FOCUS_EVERY", "1")
	t.Setenv("SAMPLER_FRAME_INTERVAL", "0s")

	frames := writeFrames(t, 3)
	db := "sqlite://" + filepath.Join(t.TempDir(), "focuslens.db")

	out := run(t, "watch", "--db", db, "--subject", "student-cli", "--source", frames, "--quiet")
	m := regexp.MustCompile(`session ([0-9a-f-]{36}) started`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("watch output has no session id:\n%s", out)
	}
	if !strings.Contains(out, "productivity: 0.00") {
		t.Fatalf("watch output missing final score:\n%s", out)
	}

	out = run(t, "score", "--db", db, m[1])
	if !strings.Contains(out, "3 distracted") || !strings.Contains(out, "productivity:  0.00") {
		t.Fatalf("score output unexpected:\n%s", out)
	}

	out = run(t, "sessions", "--db", db, "--subject", "student-cli")
	if !strings.Contains(out, m[1]) || !strings.Contains(out, "1 completed") {
		t.Fatalf("sessions output unexpected:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	out := run(t, "version")
	if !strings.HasPrefix(out, "focuslens ") {
		t.Fatalf("version output = %q", out)
	}
}
