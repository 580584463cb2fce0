// Package pgdump drives the external dump/restore tools and rewrites
// the restore object list around the filter configuration and the
// objects the clone already processed.
package pgdump

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runner invokes pg_dump / pg_restore as black boxes.
type Runner struct {
	PGDump    string
	PGRestore string
	logger    zerolog.Logger
}

// NewRunner names the external binaries, resolved through PATH when run
// (names overridable for tests).
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		PGDump:    "pg_dump",
		PGRestore: "pg_restore",
		logger:    logger.With().Str("component", "pgdump").Logger(),
	}
}

// Result captures one external tool invocation.
type Result struct {
	Cmd      string
	Args     []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

func (r *Runner) run(ctx context.Context, bin string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	r.logger.Info().Str("cmd", bin).Strs("args", args).Msg("exec start")
	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	r.logger.Info().Str("cmd", bin).Int("code", exitCode).Dur("dur", duration).Msg("exec done")

	res := Result{
		Cmd:      bin,
		Args:     args,
		Stdout:   outBuf.Bytes(),
		Stderr:   errBuf.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w: %s", bin, err, firstLine(errBuf.Bytes()))
	}
	return res, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Section selects the dump/restore phase.
type Section string

const (
	SectionPreData  Section = "pre-data"
	SectionPostData Section = "post-data"
)

// DumpOptions configures one schema dump.
type DumpOptions struct {
	SourceDSN string
	Snapshot  string
	Section   Section
	OutFile   string
}

// Dump produces a custom-format archive of one schema section.
func (r *Runner) Dump(ctx context.Context, opts DumpOptions) error {
	args := []string{
		"--format", "custom",
		"--schema-only",
		"--section", string(opts.Section),
		"--file", opts.OutFile,
	}
	if opts.Snapshot != "" {
		args = append(args, "--snapshot", opts.Snapshot)
	}
	args = append(args, opts.SourceDSN)

	if _, err := r.run(ctx, r.PGDump, args...); err != nil {
		return fmt.Errorf("dump %s section: %w", opts.Section, err)
	}
	return nil
}

// ListArchive returns the archive's table of contents (pg_restore -l).
func (r *Runner) ListArchive(ctx context.Context, archive string) ([]byte, error) {
	res, err := r.run(ctx, r.PGRestore, "--list", archive)
	if err != nil {
		return nil, fmt.Errorf("list archive %s: %w", archive, err)
	}
	return res.Stdout, nil
}

// RestoreOptions configures one restore invocation.
type RestoreOptions struct {
	TargetDSN  string
	Archive    string
	UseList    string
	Jobs       int
	NoOwner    bool
	NoACL      bool
	NoComments bool
}

// Restore replays the archive against the target, driven by the
// rewritten object list.
func (r *Runner) Restore(ctx context.Context, opts RestoreOptions) error {
	args := []string{
		"--dbname", opts.TargetDSN,
		"--use-list", opts.UseList,
		"--exit-on-error",
	}
	if opts.Jobs > 1 {
		args = append(args, "--jobs", fmt.Sprintf("%d", opts.Jobs))
	}
	if opts.NoOwner {
		args = append(args, "--no-owner")
	}
	if opts.NoACL {
		args = append(args, "--no-acl")
	}
	if opts.NoComments {
		args = append(args, "--no-comments")
	}
	args = append(args, opts.Archive)

	if _, err := r.run(ctx, r.PGRestore, args...); err != nil {
		return fmt.Errorf("restore %s: %w", opts.Archive, err)
	}
	return nil
}
