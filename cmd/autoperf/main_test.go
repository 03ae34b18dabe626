package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/autoperf/internal/checkpoint"
	"github.com/dshills/autoperf/internal/config"
	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/fsm"
	"github.com/dshills/autoperf/internal/pipeline"
	"github.com/dshills/autoperf/internal/redact"
)

// run invokes the CLI and returns its exit code, stdout, and stderr.
func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// gitRepo creates an empty repository and returns its root.
func gitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv(checkpoint.KeyEnv, "")
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	// Resolve symlinks so paths match what git reports as the root.
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestParseRuns(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0", 0, false},
		{"5", 5, false},
		{"-1", 0, true},
		{"three", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := parseRuns(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseRuns(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("parseRuns(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestValidateFlags(t *testing.T) {
	if err := validateFlags(runFlags{format: "md"}); err != nil {
		t.Errorf("md rejected: %v", err)
	}
	if err := validateFlags(runFlags{format: "xml"}); err == nil {
		t.Error("xml accepted")
	}
}

func TestKeySecrets_ScrubsHexKey(t *testing.T) {
	key := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	out := "loaded key deadbeef01020304 from file"
	got := redact.Literal(out, keySecrets(key)...)
	if strings.Contains(got, "deadbeef01020304") {
		t.Errorf("hex key survived redaction: %q", got)
	}
}

func TestExecute_ArgumentErrors(t *testing.T) {
	cases := map[string][]string{
		"negative runs":   {"train", "-1"},
		"runs not number": {"detect", "lots"},
		"bad mode":        {"run", "2", "--mode", "profile"},
		"bad format":      {"train", "2", "--format", "xml"},
		"missing runs":    {"train"},
		"unknown command": {"bisect"},
		"bad preset":      {"init", "--preset", "gpu"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, stderr := run(t, args...)
			if code != exitError {
				t.Errorf("exit code = %d, want %d", code, exitError)
			}
			if !strings.HasPrefix(stderr, "Error:") {
				t.Errorf("stderr = %q", stderr)
			}
		})
	}
}

func TestExecute_MissingConfig(t *testing.T) {
	root := gitRepo(t)
	code, _, stderr := run(t, "train", "1", "--repo", root)
	if code != exitError {
		t.Fatalf("exit code = %d, want %d", code, exitError)
	}
	if !strings.Contains(stderr, "invalid_config") {
		t.Errorf("stderr does not name the error kind: %q", stderr)
	}
}

func TestInit(t *testing.T) {
	root := gitRepo(t)
	code, stdout, stderr := run(t, "init", "--repo", root, "--preset", "cache")
	if code != exitOK {
		t.Fatalf("init exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "cache preset") {
		t.Errorf("stdout = %q", stdout)
	}

	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Git.Main != config.Default().Git.Main {
		t.Errorf("git.main = %q", cfg.Git.Main)
	}
	ids, err := counters.ReadFile(config.CountersPath(root))
	if err != nil {
		t.Fatal(err)
	}
	want, _ := counters.Preset("cache")
	if len(ids) != len(want) {
		t.Errorf("counters = %v, want %v", ids, want)
	}
	ignore, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil || !strings.Contains(string(ignore), config.DirName) {
		t.Errorf(".gitignore = %q, %v", ignore, err)
	}

	if code, _, _ := run(t, "init", "--repo", root); code != exitError {
		t.Errorf("second init exit %d, want %d", code, exitError)
	}
	if code, _, stderr := run(t, "init", "--repo", root, "--force"); code != exitOK {
		t.Errorf("forced init exit %d: %s", code, stderr)
	}
}

func TestStatus(t *testing.T) {
	root := gitRepo(t)
	code, stdout, _ := run(t, "status", "--repo", root)
	if code != exitOK || !strings.Contains(stdout, "no experiment in progress") {
		t.Fatalf("status without checkpoint: %d %q", code, stdout)
	}

	if code, _, stderr := run(t, "init", "--repo", root); code != exitOK {
		t.Fatalf("init: %s", stderr)
	}
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	key, _, err := checkpoint.LoadKey(config.KeyPath(root), true)
	if err != nil {
		t.Fatal(err)
	}
	m, err := pipeline.NewMachine(cfg, pipeline.MachineOptions{Mode: fsm.Train, Runs: 3, Key: key})
	if err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := run(t, "status", "--repo", root)
	if code != exitOK {
		t.Fatalf("status exit %d: %s", code, stderr)
	}
	for _, want := range []string{m.ExperimentID(), "DIFF", "TRAIN", "0/3"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("status output missing %q:\n%s", want, stdout)
		}
	}

	// A checkpoint signed with another key is reported as tampered.
	other := filepath.Join(t.TempDir(), "other.key")
	if err := os.WriteFile(other, []byte("another key"), 0o600); err != nil {
		t.Fatal(err)
	}
	code, _, stderr = run(t, "status", "--repo", root, "--key-file", other)
	if code != exitError || !strings.Contains(stderr, "tampered") {
		t.Errorf("status with wrong key: %d %q", code, stderr)
	}
}

func TestClean(t *testing.T) {
	root := gitRepo(t)
	if code, _, stderr := run(t, "init", "--repo", root); code != exitOK {
		t.Fatalf("init: %s", stderr)
	}
	dir := config.Dir(root)
	if err := os.WriteFile(config.KeyPath(root), []byte("k"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "train", "run_1"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{config.ReportFile, ".tmp-checkpoint-123"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	code, stdout, stderr := run(t, "clean", "--repo", root)
	if code != exitOK {
		t.Fatalf("clean exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "removed 3 entries") || !strings.Contains(stdout, "1 interrupted") {
		t.Errorf("stdout = %q", stdout)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	if strings.Join(left, ",") != strings.Join([]string{config.CountersFile, config.KeyFile, config.FileName}, ",") {
		t.Errorf("left after clean: %v", left)
	}
}
