// Package gitsync implements the git plumbing between host repositories and
// drone working copies: seeding, bundle-based pull and push, change previews,
// and working-tree inspection. Host-side git runs as subprocesses through the
// dvm runner seam; container-side git goes through the dvm client.
package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/internal/metrics"
	"github.com/nerfZael/dronehub/model"
	"github.com/nerfZael/dronehub/pkg/porcelain"
)

// maxDiffBytes bounds a single-file diff payload.
const maxDiffBytes = 64 * 1024

// importRefPrefix is where bundle heads land on the host during a pull. Refs
// under it are synthesised per operation and pruned on every exit path.
const importRefPrefix = "refs/drone/imports"

// Config configures an Engine.
type Config struct {
	// Dvm is the container adapter used for all container-side operations.
	Dvm *dvm.Client
	// HostGit runs host git. Default shells out to `git`.
	HostGit dvm.Runner
	// RepoDest is the working-copy path inside drones. Default /workspace/repo.
	RepoDest string
	// TempDir hosts per-operation scratch dirs. Default os.TempDir().
	TempDir string
	// GitTimeout bounds quick git invocations. Default 30s.
	GitTimeout time.Duration
	// BundleTimeout bounds bundle/fetch/seed-sized work. Default 10m.
	BundleTimeout time.Duration
	// Logger for operation logging. nil falls back to slog.Default.
	Logger *slog.Logger
}

// Engine performs the repo synchronisation pipelines.
type Engine struct {
	dvm           *dvm.Client
	host          dvm.Runner
	repoDest      string
	tempDir       string
	gitTimeout    time.Duration
	bundleTimeout time.Duration
	log           *slog.Logger
}

// New creates an Engine. Zero-value config fields get defaults.
func New(cfg Config) *Engine {
	if cfg.HostGit == nil {
		cfg.HostGit = dvm.NewExecRunner("git")
	}
	if cfg.RepoDest == "" {
		cfg.RepoDest = "/workspace/repo"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.GitTimeout == 0 {
		cfg.GitTimeout = 30 * time.Second
	}
	if cfg.BundleTimeout == 0 {
		cfg.BundleTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		dvm:           cfg.Dvm,
		host:          cfg.HostGit,
		repoDest:      cfg.RepoDest,
		tempDir:       cfg.TempDir,
		gitTimeout:    cfg.GitTimeout,
		bundleTimeout: cfg.BundleTimeout,
		log:           cfg.Logger,
	}
}

// RepoDest returns the container-side working-copy path the engine operates
// on.
func (e *Engine) RepoDest() string { return e.repoDest }

// RemoteURL returns the origin remote URL of a host repository, or empty when
// no origin is configured. Fails with not_found when the path is not a git
// working tree.
func (e *Engine) RemoteURL(ctx context.Context, hostRepoPath string) (string, error) {
	if err := e.verifyWorktree(ctx, hostRepoPath); err != nil {
		return "", err
	}
	res, err := e.hostGitRaw(ctx, hostRepoPath, e.gitTimeout, "config", "--get", "remote.origin.url")
	if err != nil || res.Code != 0 {
		// `config --get` exits 1 when the key is unset.
		return "", nil
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// SeedSpec describes one seeding run.
type SeedSpec struct {
	HostPath string
	Dest     string // default Config.RepoDest
	BaseRef  string // default host HEAD
	Branch   string
	Clean    bool
}

// Seed clones the host working copy into the container and records the seed
// point. On success the drone HEAD, the recorded base sha, and the resolved
// host commit are all equal; a divergence fails with seed_mismatch.
func (e *Engine) Seed(ctx context.Context, container string, spec SeedSpec) (string, error) {
	if spec.Dest == "" {
		spec.Dest = e.repoDest
	}
	if err := e.verifyWorktree(ctx, spec.HostPath); err != nil {
		return "", err
	}

	target := "HEAD"
	if spec.BaseRef != "" {
		target = spec.BaseRef
	}
	baseSha, err := e.hostGit(ctx, spec.HostPath, "rev-parse", "--verify", target+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving seed commit %s: %w", target, err)
	}

	err = e.dvm.RepoSeed(ctx, container, dvm.SeedOptions{
		HostPath: spec.HostPath,
		Dest:     spec.Dest,
		BaseRef:  spec.BaseRef,
		Branch:   spec.Branch,
		Clean:    spec.Clean,
		Timeout:  e.bundleTimeout,
	})
	if err != nil {
		return "", err
	}

	head, err := e.dvm.RepoHeadSha(ctx, container, spec.Dest)
	if err != nil {
		return "", err
	}
	if head != baseSha {
		return "", model.E(model.CodeSeedMismatch, "drone HEAD %s does not match host commit %s after seed", head, baseSha)
	}
	if err := e.dvm.RepoSetBaseSha(ctx, container, spec.Dest, baseSha); err != nil {
		return "", err
	}

	// Remember what was asked for so previews can report it. Best effort.
	if spec.Branch != "" {
		_, _ = e.droneGitIn(ctx, container, spec.Dest, "config", "dvm.branch", spec.Branch)
	}
	if spec.BaseRef != "" {
		_, _ = e.droneGitIn(ctx, container, spec.Dest, "config", "dvm.fromRef", spec.BaseRef)
	}

	e.log.Info("seeded drone repo", "container", container, "host", spec.HostPath, "baseSha", baseSha)
	return baseSha, nil
}

// PullResult reports a completed host-apply.
type PullResult struct {
	BaseSha     string `json:"baseSha"`
	HeadSha     string `json:"headSha"`
	ImportedSha string `json:"importedSha,omitempty"`
	UpToDate    bool   `json:"upToDate,omitempty"`
}

// Pull brings committed drone work into the host's current branch as a
// staged, non-committing merge. A clean merge leaves MERGE_HEAD and the
// staged changes in place for the user to review and commit. Conflicts leave
// the conflicted state in place and fail with patch_apply_conflict carrying
// the unmerged paths. The temp import ref and bundle are removed on every
// path.
func (e *Engine) Pull(ctx context.Context, droneID, container, hostRepoPath string) (PullResult, error) {
	baseSha, err := e.dvm.RepoBaseSha(ctx, container, e.repoDest)
	if err != nil || baseSha == "" {
		return PullResult{}, model.E(model.CodePatchApplyError, "drone %s has no recorded base sha; re-seed the repo", container)
	}
	headSha, err := e.dvm.RepoHeadSha(ctx, container, e.repoDest)
	if err != nil {
		return PullResult{}, err
	}
	if headSha == baseSha {
		metrics.PullsTotal.WithLabelValues("ok").Inc()
		return PullResult{BaseSha: baseSha, HeadSha: headSha, UpToDate: true}, nil
	}

	if err := e.verifyWorktree(ctx, hostRepoPath); err != nil {
		return PullResult{}, err
	}
	status, err := e.hostGit(ctx, hostRepoPath, "status", "--porcelain")
	if err != nil {
		return PullResult{}, err
	}
	if status != "" {
		return PullResult{}, model.E(model.CodeStateViolation, "host working tree has uncommitted changes; commit or stash before pulling")
	}

	tmpDir, err := os.MkdirTemp(e.tempDir, "dronehub-pull-")
	if err != nil {
		return PullResult{}, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	bundlePath, err := e.dvm.RepoExport(ctx, container, dvm.ExportOptions{
		RepoPath: e.repoDest,
		OutDir:   tmpDir,
		Format:   dvm.ExportBundle,
		Base:     baseSha,
		Timeout:  e.bundleTimeout,
	})
	if err != nil {
		metrics.PullsTotal.WithLabelValues("error").Inc()
		return PullResult{}, err
	}

	ref := fmt.Sprintf("%s/%s/%s", importRefPrefix, droneID, uuid.New().String())
	if _, err := e.hostGitTimeout(ctx, hostRepoPath, e.bundleTimeout, "fetch", bundlePath, "HEAD:"+ref); err != nil {
		metrics.PullsTotal.WithLabelValues("error").Inc()
		return PullResult{}, fmt.Errorf("importing bundle: %w", err)
	}
	defer e.deleteRef(hostRepoPath, ref)

	importedSha, err := e.hostGit(ctx, hostRepoPath, "rev-parse", "--verify", ref)
	if err != nil {
		metrics.PullsTotal.WithLabelValues("error").Inc()
		return PullResult{}, err
	}

	res, err := e.hostGitRaw(ctx, hostRepoPath, e.gitTimeout, "merge", "--no-commit", "--no-ff", importedSha)
	if err != nil {
		metrics.PullsTotal.WithLabelValues("error").Inc()
		return PullResult{}, err
	}
	if res.Code == 0 {
		metrics.PullsTotal.WithLabelValues("ok").Inc()
		e.log.Info("applied drone changes", "drone", droneID, "importedSha", importedSha)
		return PullResult{BaseSha: baseSha, HeadSha: headSha, ImportedSha: importedSha}, nil
	}

	conflictOut, cerr := e.hostGit(ctx, hostRepoPath, "diff", "--name-only", "--diff-filter=U")
	files := splitLines(conflictOut)
	if cerr == nil && len(files) > 0 {
		// Conflicted state stays in place for the user to resolve.
		metrics.PullsTotal.WithLabelValues("conflict").Inc()
		e.log.Warn("pull produced conflicts", "drone", droneID, "files", len(files))
		return PullResult{}, model.Conflict(files, "merge produced conflicts in %d file(s)", len(files))
	}

	_, _ = e.hostGitRaw(ctx, hostRepoPath, e.gitTimeout, "merge", "--abort")
	metrics.PullsTotal.WithLabelValues("error").Inc()
	tail := model.TrimTail(strings.TrimSpace(string(res.Stderr)+string(res.Stdout)), 2048)
	return PullResult{}, model.E(model.CodePatchApplyError, "merge failed: %s", tail)
}

// deleteRef prunes a temp import ref. Runs on its own deadline so a
// cancelled request still cleans up.
func (e *Engine) deleteRef(hostRepoPath, ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.gitTimeout)
	defer cancel()
	if _, err := e.hostGit(ctx, hostRepoPath, "update-ref", "-d", ref); err != nil {
		e.log.Warn("failed to delete import ref", "ref", ref, "error", err)
	}
}

// PushResult reports a completed host→drone merge.
type PushResult struct {
	Branch   string `json:"branch"`
	HeadSha  string `json:"headSha,omitempty"`
	UpToDate bool   `json:"upToDate,omitempty"`
}

// Push merges the host's current branch into the drone working copy via a
// bundle. The drone working tree must be clean. On conflict the unmerged
// paths are captured, the merge is aborted inside the drone, and the call
// fails with patch_apply_conflict.
func (e *Engine) Push(ctx context.Context, droneID, container, hostRepoPath string) (PushResult, error) {
	if err := e.verifyWorktree(ctx, hostRepoPath); err != nil {
		return PushResult{}, err
	}
	status, err := e.droneGit(ctx, container, "status", "--porcelain")
	if err != nil {
		return PushResult{}, err
	}
	if status != "" {
		return PushResult{}, model.E(model.CodeStateViolation, "drone working tree has uncommitted changes")
	}

	branch, err := e.hostGit(ctx, hostRepoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return PushResult{}, err
	}
	hostSha, err := e.hostGit(ctx, hostRepoPath, "rev-parse", "--verify", "HEAD^{commit}")
	if err != nil {
		return PushResult{}, err
	}
	baseSha, _ := e.dvm.RepoBaseSha(ctx, container, e.repoDest)
	if hostSha == baseSha {
		return PushResult{Branch: branch, UpToDate: true}, nil
	}

	tmpDir, err := os.MkdirTemp(e.tempDir, "dronehub-push-")
	if err != nil {
		return PushResult{}, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	bundlePath := tmpDir + "/host.bundle"
	created := false
	if baseSha != "" {
		// Thin bundle when the seed point is still in host history.
		if res, err := e.hostGitRaw(ctx, hostRepoPath, e.bundleTimeout, "bundle", "create", bundlePath, baseSha+"..HEAD"); err == nil && res.Code == 0 {
			created = true
		}
	}
	if !created {
		if _, err := e.hostGitTimeout(ctx, hostRepoPath, e.bundleTimeout, "bundle", "create", bundlePath, "HEAD"); err != nil {
			return PushResult{}, fmt.Errorf("bundling host branch: %w", err)
		}
	}

	containerBundle := fmt.Sprintf("/tmp/dronehub-push-%s.bundle", uuid.New().String())
	if err := e.dvm.Copy(ctx, container, bundlePath, containerBundle, dvm.CopyOptions{Timeout: e.bundleTimeout}); err != nil {
		return PushResult{}, err
	}
	defer e.removeContainerFile(container, containerBundle)

	if _, err := e.droneGitTimeout(ctx, container, e.bundleTimeout, "fetch", containerBundle, "HEAD"); err != nil {
		return PushResult{}, fmt.Errorf("fetching bundle in drone: %w", err)
	}

	msg := fmt.Sprintf("Merge host branch %s", branch)
	res, err := e.droneGitRaw(ctx, container, e.bundleTimeout, "merge", "--no-ff", "-m", msg, "FETCH_HEAD")
	if err != nil {
		return PushResult{}, err
	}
	if res.Code != 0 {
		conflictOut, cerr := e.droneGit(ctx, container, "diff", "--name-only", "--diff-filter=U")
		files := splitLines(conflictOut)
		_, _ = e.droneGitRaw(ctx, container, e.gitTimeout, "merge", "--abort")
		if cerr == nil && len(files) > 0 {
			return PushResult{}, model.Conflict(files, "host merge produced conflicts in %d file(s)", len(files))
		}
		tail := model.TrimTail(strings.TrimSpace(res.Stderr+res.Stdout), 2048)
		return PushResult{}, model.E(model.CodePatchApplyError, "host merge failed: %s", tail)
	}

	head, err := e.dvm.RepoHeadSha(ctx, container, e.repoDest)
	if err != nil {
		return PushResult{}, err
	}
	e.log.Info("merged host branch into drone", "drone", droneID, "branch", branch, "headSha", head)
	return PushResult{Branch: branch, HeadSha: head}, nil
}

// removeContainerFile deletes a scratch file inside the container, best
// effort, on its own deadline.
func (e *Engine) removeContainerFile(container, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.gitTimeout)
	defer cancel()
	_, _ = e.dvm.Exec(ctx, container, "rm", []string{"-f", path}, dvm.ExecOptions{})
}

// PullPreview lists files changed between the drone's seed point and its
// HEAD, with the branch context on both sides.
func (e *Engine) PullPreview(ctx context.Context, container, hostRepoPath string) (model.PullPreview, error) {
	baseSha, err := e.dvm.RepoBaseSha(ctx, container, e.repoDest)
	if err != nil || baseSha == "" {
		return model.PullPreview{}, model.E(model.CodePatchApplyError, "drone %s has no recorded base sha", container)
	}
	headSha, err := e.dvm.RepoHeadSha(ctx, container, e.repoDest)
	if err != nil {
		return model.PullPreview{}, err
	}

	var entries []model.PreviewEntry
	if headSha != baseSha {
		out, err := e.droneGit(ctx, container, "diff", "--name-status", baseSha+".."+headSha)
		if err != nil {
			return model.PullPreview{}, err
		}
		entries = parseNameStatus(out)
	}

	bc := model.BranchContext{}
	if hostRepoPath != "" {
		bc.HostCurrent, _ = e.hostGit(ctx, hostRepoPath, "rev-parse", "--abbrev-ref", "HEAD")
	}
	bc.DroneCurrent, _ = e.droneGit(ctx, container, "rev-parse", "--abbrev-ref", "HEAD")
	bc.DroneConfigured, _ = e.droneGit(ctx, container, "config", "--get", "dvm.branch")
	bc.DroneFromRef, _ = e.droneGit(ctx, container, "config", "--get", "dvm.fromRef")

	return model.PullPreview{
		BaseSha:       baseSha,
		HeadSha:       headSha,
		BranchContext: bc,
		Entries:       entries,
	}, nil
}

// PullDiff returns the diff of one file between base and head inside the
// drone. Empty base defaults to the seed point, empty head to HEAD.
func (e *Engine) PullDiff(ctx context.Context, container, path, base, head string) (model.FileDiff, error) {
	if base == "" {
		var err error
		base, err = e.dvm.RepoBaseSha(ctx, container, e.repoDest)
		if err != nil || base == "" {
			return model.FileDiff{}, model.E(model.CodePatchApplyError, "drone %s has no recorded base sha", container)
		}
	}
	if head == "" {
		head = "HEAD"
	}
	out, err := e.droneGit(ctx, container, "diff", base+".."+head, "--", path)
	if err != nil {
		return model.FileDiff{}, err
	}
	diff, truncated := truncateBytes(out, maxDiffBytes)
	return model.FileDiff{Path: path, Diff: diff, Truncated: truncated}, nil
}

// WorktreeChanges lists the drone repo's working-tree state.
func (e *Engine) WorktreeChanges(ctx context.Context, container string) (model.WorktreeStatus, error) {
	res, err := e.droneGitRaw(ctx, container, e.gitTimeout, "status", "--porcelain=v2", "-z", "-uall", "--ignored=no")
	if err != nil {
		return model.WorktreeStatus{}, err
	}
	if res.Code != 0 {
		tail := model.TrimTail(strings.TrimSpace(res.Stderr+res.Stdout), 2048)
		return model.WorktreeStatus{}, model.E(model.CodeEngineFailure, "git status in %s failed (exit %d): %s", container, res.Code, tail)
	}
	entries := porcelain.Parse([]byte(res.Stdout))
	return model.WorktreeStatus{Entries: entries, Counts: porcelain.Counts(entries)}, nil
}

// WorktreeDiff returns a staged or unstaged diff for one file. Untracked
// files diff against /dev/null with FromUntracked set.
func (e *Engine) WorktreeDiff(ctx context.Context, container, path, kind string) (model.FileDiff, error) {
	switch kind {
	case "staged":
		out, err := e.droneGit(ctx, container, "diff", "--cached", "--", path)
		if err != nil {
			return model.FileDiff{}, err
		}
		diff, truncated := truncateBytes(out, maxDiffBytes)
		return model.FileDiff{Path: path, Diff: diff, Truncated: truncated}, nil
	case "", "unstaged":
		status, err := e.droneGit(ctx, container, "status", "--porcelain", "--untracked-files=all", "--", path)
		if err != nil {
			return model.FileDiff{}, err
		}
		if strings.HasPrefix(status, "??") {
			// `diff --no-index` exits 1 when the files differ.
			res, err := e.droneGitRaw(ctx, container, e.gitTimeout, "diff", "--no-index", "--", "/dev/null", e.repoDest+"/"+path)
			if err != nil {
				return model.FileDiff{}, err
			}
			if res.Code > 1 {
				tail := model.TrimTail(strings.TrimSpace(res.Stderr+res.Stdout), 2048)
				return model.FileDiff{}, model.E(model.CodeEngineFailure, "git diff in %s failed (exit %d): %s", container, res.Code, tail)
			}
			diff, truncated := truncateBytes(strings.TrimSpace(res.Stdout), maxDiffBytes)
			return model.FileDiff{Path: path, Diff: diff, Truncated: truncated, FromUntracked: true}, nil
		}
		out, err := e.droneGit(ctx, container, "diff", "--", path)
		if err != nil {
			return model.FileDiff{}, err
		}
		diff, truncated := truncateBytes(out, maxDiffBytes)
		return model.FileDiff{Path: path, Diff: diff, Truncated: truncated}, nil
	default:
		return model.FileDiff{}, fmt.Errorf("unknown diff kind %q", kind)
	}
}

// --- host git ---

func (e *Engine) verifyWorktree(ctx context.Context, path string) error {
	out, err := e.hostGit(ctx, path, "rev-parse", "--is-inside-work-tree")
	if err != nil || out != "true" {
		return model.E(model.CodeNotFound, "%s is not a git working tree", path)
	}
	return nil
}

func (e *Engine) hostGit(ctx context.Context, dir string, args ...string) (string, error) {
	return e.hostGitTimeout(ctx, dir, e.gitTimeout, args...)
}

func (e *Engine) hostGitTimeout(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	res, err := e.hostGitRaw(ctx, dir, timeout, args...)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		tail := model.TrimTail(strings.TrimSpace(string(res.Stderr)+string(res.Stdout)), 2048)
		return "", model.E(model.CodeEngineFailure, "git %s failed (exit %d): %s", firstOf(args), res.Code, tail)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func (e *Engine) hostGitRaw(ctx context.Context, dir string, timeout time.Duration, args ...string) (dvm.Result, error) {
	return e.host.Run(ctx, timeout, append([]string{"-C", dir}, args...)...)
}

// --- drone git ---

func (e *Engine) droneGit(ctx context.Context, container string, args ...string) (string, error) {
	return e.droneGitIn(ctx, container, e.repoDest, args...)
}

func (e *Engine) droneGitIn(ctx context.Context, container, dir string, args ...string) (string, error) {
	res, err := e.dvm.Exec(ctx, container, "git", append([]string{"-C", dir}, args...), dvm.ExecOptions{Timeout: e.gitTimeout})
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		tail := model.TrimTail(strings.TrimSpace(res.Stderr+res.Stdout), 2048)
		return "", model.E(model.CodeEngineFailure, "git %s in %s failed (exit %d): %s", firstOf(args), container, res.Code, tail)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (e *Engine) droneGitTimeout(ctx context.Context, container string, timeout time.Duration, args ...string) (string, error) {
	res, err := e.droneGitRaw(ctx, container, timeout, args...)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		tail := model.TrimTail(strings.TrimSpace(res.Stderr+res.Stdout), 2048)
		return "", model.E(model.CodeEngineFailure, "git %s in %s failed (exit %d): %s", firstOf(args), container, res.Code, tail)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (e *Engine) droneGitRaw(ctx context.Context, container string, timeout time.Duration, args ...string) (dvm.ExecResult, error) {
	return e.dvm.Exec(ctx, container, "git", append([]string{"-C", e.repoDest}, args...), dvm.ExecOptions{Timeout: timeout})
}

// --- parsing helpers ---

// parseNameStatus decodes `git diff --name-status` lines into preview
// entries. Rename and copy rows carry two paths; the new path wins.
func parseNameStatus(out string) []model.PreviewEntry {
	var entries []model.PreviewEntry
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		char := fields[0][:1]
		path := fields[len(fields)-1]
		if path == "" {
			continue
		}
		entries = append(entries, model.PreviewEntry{
			Path:       path,
			StatusChar: char,
			Type:       porcelain.TypeForChar(char[0]),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// truncateBytes cuts s at max bytes on a rune boundary.
func truncateBytes(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max], true
}

func firstOf(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
