// Package dvm is the single point of contact with the container engine. It
// shells out to the `dvm` CLI and parses engine output into typed results;
// no other package talks to the engine.
package dvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nerfZael/dronehub/internal/metrics"
	"github.com/nerfZael/dronehub/model"
)

// termKillDelay is how long a timed-out subprocess gets between SIGTERM and
// SIGKILL.
const termKillDelay = 1500 * time.Millisecond

// stderrTailBytes bounds the engine diagnostics carried in error messages.
const stderrTailBytes = 2048

// Result is the raw outcome of one engine CLI invocation.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Runner executes the engine CLI. It exists so tests can substitute a stub
// for the real subprocess.
type Runner interface {
	// Run executes the CLI with the given args. A zero timeout means the
	// caller's context is the only deadline. Run returns an error only for
	// spawn failures and timeouts; a non-zero exit comes back in Result.Code.
	Run(ctx context.Context, timeout time.Duration, args ...string) (Result, error)
}

type execRunner struct {
	bin string
}

// NewExecRunner returns a Runner that shells out to bin with the standard
// TERM-then-KILL timeout discipline. gitsync uses it for host git.
func NewExecRunner(bin string) Runner {
	return execRunner{bin: bin}
}

func (r execRunner) Run(ctx context.Context, timeout time.Duration, args ...string) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termKillDelay

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, model.E(model.CodeTimeout, "%s %s timed out", r.bin, firstArg(args))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("running %s: %w", r.bin, err)
	}
	return res, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// Config configures a Client.
type Config struct {
	// Bin is the engine CLI binary. Default "dvm".
	Bin string
	// ExecTimeout is the default deadline for short operations. Default 30s.
	ExecTimeout time.Duration
	// LongTimeout is the deadline for seed/export/base-image work. Default 10m.
	LongTimeout time.Duration
	// Logger for operation logging. nil falls back to slog.Default.
	Logger *slog.Logger
	// Runner substitutes the subprocess runner; tests only.
	Runner Runner
}

// Client exposes the typed engine operation set.
type Client struct {
	bin         string
	runner      Runner
	log         *slog.Logger
	execTimeout time.Duration
	longTimeout time.Duration
}

// New creates a Client. Zero-value config fields get defaults.
func New(cfg Config) *Client {
	if cfg.Bin == "" {
		cfg.Bin = "dvm"
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.LongTimeout == 0 {
		cfg.LongTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{bin: cfg.Bin}
	}
	return &Client{
		bin:         cfg.Bin,
		runner:      cfg.Runner,
		log:         cfg.Logger,
		execTimeout: cfg.ExecTimeout,
		longTimeout: cfg.LongTimeout,
	}
}

// run invokes the CLI and converts non-zero exits into engine_failure errors
// carrying the trimmed diagnostics tail.
func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	start := time.Now()
	res, err := c.runner.Run(ctx, timeout, args...)
	metrics.DvmOpDuration.WithLabelValues(firstArg(args)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		tail := model.TrimTail(strings.TrimSpace(string(res.Stderr)+string(res.Stdout)), stderrTailBytes)
		c.log.Error("engine op failed", "op", firstArg(args), "exit", res.Code, "stderr", tail)
		return nil, model.E(model.CodeEngineFailure, "dvm %s failed (exit %d): %s", firstArg(args), res.Code, tail)
	}
	return res.Stdout, nil
}

// Ports returns the published port mappings of a container, deduplicated and
// sorted by container port then host port.
func (c *Client) Ports(ctx context.Context, container string) ([]model.PortMapping, error) {
	out, err := c.run(ctx, c.execTimeout, "ports", container)
	if err != nil {
		return nil, err
	}
	return parsePorts(out), nil
}

// Create creates a container. Extra args pass through to the engine.
func (c *Client) Create(ctx context.Context, container string, args ...string) error {
	cli := append([]string{"create", container}, args...)
	_, err := c.run(ctx, c.longTimeout, cli...)
	return err
}

// Start starts a stopped container.
func (c *Client) Start(ctx context.Context, container string) error {
	_, err := c.run(ctx, c.execTimeout, "start", container)
	return err
}

// Stop stops a running container.
func (c *Client) Stop(ctx context.Context, container string) error {
	_, err := c.run(ctx, c.execTimeout, "stop", container)
	return err
}

// RemoveOptions control container removal.
type RemoveOptions struct {
	KeepVolume bool
}

// Remove deletes a container.
func (c *Client) Remove(ctx context.Context, container string, opts RemoveOptions) error {
	args := []string{"rm", container}
	if opts.KeepVolume {
		args = append(args, "--keep-volume")
	}
	_, err := c.run(ctx, c.execTimeout, args...)
	return err
}

// StartMode selects what happens to a container's run state across a rename.
type StartMode string

const (
	StartPreserve StartMode = "preserve"
	StartAlways   StartMode = "always"
	StartNever    StartMode = "never"
)

// RenameOptions control container renames.
type RenameOptions struct {
	StartMode         StartMode
	MigrateVolumeName bool
}

// Rename renames a container.
func (c *Client) Rename(ctx context.Context, oldName, newName string, opts RenameOptions) error {
	args := []string{"rename", oldName, newName}
	if opts.MigrateVolumeName {
		args = append(args, "--migrate-volume-name")
	}
	switch opts.StartMode {
	case StartAlways:
		args = append(args, "--start")
	case StartNever:
		args = append(args, "--no-start")
	}
	_, err := c.run(ctx, c.execTimeout, args...)
	return err
}

// Ls lists container names known to the engine.
func (c *Client) Ls(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, c.execTimeout, "ls")
	if err != nil {
		return nil, err
	}
	return parseLs(out), nil
}

// ExecOptions control command execution inside a container.
type ExecOptions struct {
	Timeout time.Duration
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	Code   int
	Stdout string
	Stderr string
}

// Exec runs a command inside a container. The inner command's exit code is
// reported in the result, not as an error; only engine/timeout failures err.
func (c *Client) Exec(ctx context.Context, container, cmd string, args []string, opts ExecOptions) (ExecResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.execTimeout
	}
	cli := append([]string{"exec", container, "--", cmd}, args...)
	res, err := c.runner.Run(ctx, timeout, cli...)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{
		Code:   res.Code,
		Stdout: string(res.Stdout),
		Stderr: string(res.Stderr),
	}, nil
}

// SessionStart opens (or with reuse, re-attaches) a named terminal session
// running cmd inside the container.
func (c *Client) SessionStart(ctx context.Context, container, session, cmd string, args []string, reuse bool) error {
	cli := []string{"session", "start", container, session}
	if reuse {
		cli = append(cli, "--reuse")
	}
	cli = append(cli, "--")
	cli = append(cli, cmd)
	cli = append(cli, args...)
	_, err := c.run(ctx, c.execTimeout, cli...)
	return err
}

// SessionSend appends text to the session's input. No key parsing happens;
// the text lands verbatim.
func (c *Client) SessionSend(ctx context.Context, container, session, text string) error {
	_, err := c.run(ctx, c.execTimeout, "session", "send", container, session, text)
	return err
}

// TypeOptions carry literal text and symbolic keys for SessionType.
type TypeOptions struct {
	Text string
	Keys []string // symbolic: "Enter", "Esc", ...
}

// SessionType types text and symbolic keys into the session.
func (c *Client) SessionType(ctx context.Context, container, session string, opts TypeOptions) error {
	args := []string{"session", "type", container, session}
	if opts.Text != "" {
		args = append(args, "--text", opts.Text)
	}
	for _, k := range opts.Keys {
		args = append(args, "--key", k)
	}
	_, err := c.run(ctx, c.execTimeout, args...)
	return err
}

// SessionResize resizes the session's pty. Terminal clients report their
// viewport on attach and on window changes.
func (c *Client) SessionResize(ctx context.Context, container, session string, cols, rows int) error {
	_, err := c.run(ctx, c.execTimeout, "session", "resize", container, session,
		"--cols", strconv.Itoa(cols), "--rows", strconv.Itoa(rows))
	return err
}

// ReadOptions select a byte range or tail of session output.
type ReadOptions struct {
	Since     int64 // byte offset; negative means "live tail only"
	MaxBytes  int
	TailLines int
}

// ReadResult is a chunk of session output. OffsetBytes is the cumulative
// byte count after Text, so the next read passes Since=OffsetBytes.
type ReadResult struct {
	OffsetBytes int64
	Text        string
}

// SessionRead reads session output. The engine prints an "Offset: <n>"
// header line followed by the raw bytes.
func (c *Client) SessionRead(ctx context.Context, container, session string, opts ReadOptions) (ReadResult, error) {
	args := []string{"session", "read", container, session}
	if opts.Since >= 0 {
		args = append(args, "--since", strconv.FormatInt(opts.Since, 10))
	}
	if opts.MaxBytes > 0 {
		args = append(args, "--max-bytes", strconv.Itoa(opts.MaxBytes))
	}
	if opts.TailLines > 0 {
		args = append(args, "--tail", strconv.Itoa(opts.TailLines))
	}
	out, err := c.run(ctx, c.execTimeout, args...)
	if err != nil {
		return ReadResult{}, err
	}
	return parseSessionRead(out), nil
}

// CopyOptions control host->container copies.
type CopyOptions struct {
	Clean   bool
	Timeout time.Duration
}

// Copy copies a host path into the container.
func (c *Client) Copy(ctx context.Context, container, src, dest string, opts CopyOptions) error {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.longTimeout
	}
	args := []string{"copy", container, src, dest}
	if opts.Clean {
		args = append(args, "--clean")
	}
	_, err := c.run(ctx, timeout, args...)
	return err
}

// Script runs a host-provided script inside the container.
func (c *Client) Script(ctx context.Context, container, path string, args []string) ([]byte, error) {
	cli := append([]string{"script", container, path, "--"}, args...)
	return c.run(ctx, c.longTimeout, cli...)
}

// SeedOptions control seeding a repo working copy into a container.
type SeedOptions struct {
	HostPath string
	Dest     string
	BaseRef  string
	Branch   string
	Clean    bool
	Timeout  time.Duration
}

// RepoSeed clones or unpacks the host repo into the container.
func (c *Client) RepoSeed(ctx context.Context, container string, opts SeedOptions) error {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.longTimeout
	}
	args := []string{"repo", "seed", container, "--host", opts.HostPath}
	if opts.Dest != "" {
		args = append(args, "--dest", opts.Dest)
	}
	if opts.BaseRef != "" {
		args = append(args, "--base-ref", opts.BaseRef)
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	if opts.Clean {
		args = append(args, "--clean")
	}
	_, err := c.run(ctx, timeout, args...)
	return err
}

// ExportFormat selects how repo changes leave the container.
type ExportFormat string

const (
	ExportPatches ExportFormat = "patches"
	ExportBundle  ExportFormat = "bundle"
	ExportDiff    ExportFormat = "diff"
)

// ExportOptions control exporting drone changes.
type ExportOptions struct {
	RepoPath string
	OutDir   string
	Format   ExportFormat
	Base     string
	Timeout  time.Duration
}

// RepoExport exports committed drone changes and returns the host path the
// engine wrote.
func (c *Client) RepoExport(ctx context.Context, container string, opts ExportOptions) (string, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.longTimeout
	}
	args := []string{"repo", "export", container, "--repo", opts.RepoPath, "--out", opts.OutDir, "--format", string(opts.Format)}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	out, err := c.run(ctx, timeout, args...)
	if err != nil {
		return "", err
	}
	path := parseExportedPath(out)
	if path == "" {
		return "", model.E(model.CodeEngineFailure, "dvm repo export reported no output path")
	}
	return path, nil
}

// git runs git inside the container against the given repo and returns
// trimmed stdout. Non-zero exits surface as engine_failure.
func (c *Client) git(ctx context.Context, container, repoPath string, args ...string) (string, error) {
	res, err := c.Exec(ctx, container, "git", append([]string{"-C", repoPath}, args...), ExecOptions{})
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		tail := model.TrimTail(strings.TrimSpace(res.Stderr+res.Stdout), stderrTailBytes)
		return "", model.E(model.CodeEngineFailure, "git %s in %s failed (exit %d): %s", firstArg(args), container, res.Code, tail)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RepoHeadSha resolves HEAD of the drone's working copy.
func (c *Client) RepoHeadSha(ctx context.Context, container, repoPath string) (string, error) {
	return c.git(ctx, container, repoPath, "rev-parse", "HEAD")
}

// RepoBaseSha reads the recorded seed point (git config dvm.baseSha).
func (c *Client) RepoBaseSha(ctx context.Context, container, repoPath string) (string, error) {
	return c.git(ctx, container, repoPath, "config", "--get", "dvm.baseSha")
}

// legacyBaseMarker is the pre-config file marker some older drones carry; it
// is removed whenever the base is set.
const legacyBaseMarker = ".dvm_base_sha"

// RepoSetBaseSha records the seed point inside the drone repo and verifies
// the readback matches.
func (c *Client) RepoSetBaseSha(ctx context.Context, container, repoPath, baseSha string) error {
	if _, err := c.git(ctx, container, repoPath, "config", "dvm.baseSha", baseSha); err != nil {
		return err
	}
	// Best-effort removal of the legacy marker.
	_, _ = c.Exec(ctx, container, "rm", []string{"-f", repoPath + "/" + legacyBaseMarker}, ExecOptions{})

	got, err := c.RepoBaseSha(ctx, container, repoPath)
	if err != nil {
		return fmt.Errorf("reading back base sha: %w", err)
	}
	if got != baseSha {
		return model.E(model.CodeEngineFailure, "base sha readback mismatch: wrote %s, read %s", baseSha, got)
	}
	return nil
}

// BaseSet commits the container's current state as its new base image and
// returns the tag, when the engine reports one.
func (c *Client) BaseSet(ctx context.Context, container string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = c.longTimeout
	}
	out, err := c.run(ctx, timeout, "base", "set", container)
	if err != nil {
		return "", err
	}
	return parseBaseImage(out), nil
}
