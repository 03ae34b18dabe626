// Package annotate inserts and removes region markers in the source tree by
// running the configured annotation command over a diff manifest.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/dshills/autoperf/internal/runner"
)

// Environment passed to the annotation command.
const (
	EnvAction   = "AUTOPERF_ANNOTATE_ACTION"
	EnvManifest = "AUTOPERF_MANIFEST"
)

// Action selects what the annotation command does.
type Action string

const (
	Apply Action = "apply"
	Erase Action = "erase"
)

// Annotator runs the annotation command in the repository root.
type Annotator struct {
	line   string
	dir    string
	run    runner.Runner
	logger *zap.Logger
}

// New returns an Annotator. An empty line disables annotation.
func New(line, dir string, r runner.Runner, logger *zap.Logger) *Annotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Annotator{line: line, dir: dir, run: r, logger: logger}
}

// Enabled reports whether an annotation command is configured.
func (a *Annotator) Enabled() bool { return a.line != "" }

// Apply inserts markers for the regions listed in the manifest.
func (a *Annotator) Apply(ctx context.Context, manifest string) error {
	return a.do(ctx, Apply, manifest)
}

// Erase removes every marker Apply inserted.
func (a *Annotator) Erase(ctx context.Context, manifest string) error {
	return a.do(ctx, Erase, manifest)
}

func (a *Annotator) do(ctx context.Context, action Action, manifest string) error {
	if !a.Enabled() {
		a.logger.Debug("no annotate command configured", zap.String("action", string(action)))
		return nil
	}
	if _, err := os.Stat(manifest); errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn("diff manifest missing, skipping annotation",
			zap.String("action", string(action)),
			zap.String("manifest", manifest),
		)
		return nil
	} else if err != nil {
		return fmt.Errorf("checking manifest: %w", err)
	}

	a.logger.Info("annotating", zap.String("action", string(action)), zap.String("manifest", manifest))
	return a.run.Run(ctx, runner.Command{
		Name: "annotate " + string(action),
		Line: a.line,
		Dir:  a.dir,
		Env:  []string{EnvAction + "=" + string(action), EnvManifest + "=" + manifest},
	})
}
