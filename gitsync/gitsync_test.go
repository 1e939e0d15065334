package gitsync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/model"
)

// --- stubs ---

// scriptRunner answers CLI invocations through handle and records each call
// as a joined string for assertions.
type scriptRunner struct {
	calls  []string
	handle func(args []string) (dvm.Result, error)
}

func (r *scriptRunner) Run(_ context.Context, _ time.Duration, args ...string) (dvm.Result, error) {
	r.calls = append(r.calls, strings.Join(args, " "))
	if r.handle != nil {
		return r.handle(args)
	}
	return dvm.Result{}, nil
}

func (r *scriptRunner) called(substr string) bool {
	for _, c := range r.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func out(s string) dvm.Result {
	return dvm.Result{Stdout: []byte(s)}
}

func testEngine(t *testing.T, dvmStub, hostStub *scriptRunner) *Engine {
	t.Helper()
	return New(Config{
		Dvm:     dvm.New(dvm.Config{Runner: dvmStub}),
		HostGit: hostStub,
		TempDir: t.TempDir(),
	})
}

const (
	shaA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	shaC = "cccccccccccccccccccccccccccccccccccccccc"
)

// --- seed ---

func TestSeedRecordsBaseSha(t *testing.T) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "config --get dvm.baseSha"):
			return out(shaA), nil
		case strings.Contains(j, "rev-parse HEAD"):
			return out(shaA), nil
		}
		return out(""), nil
	}}
	hostStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "--is-inside-work-tree"):
			return out("true"), nil
		case strings.Contains(j, "rev-parse --verify"):
			return out(shaA), nil
		}
		return out(""), nil
	}}
	e := testEngine(t, dvmStub, hostStub)

	got, err := e.Seed(context.Background(), "drone-x", SeedSpec{HostPath: "/host/repo", Branch: "work"})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if got != shaA {
		t.Fatalf("expected base sha %s, got %s", shaA, got)
	}
	if !dvmStub.called("repo seed drone-x --host /host/repo") {
		t.Fatalf("expected repo seed call, got %v", dvmStub.calls)
	}
	if !dvmStub.called("config dvm.baseSha " + shaA) {
		t.Fatal("expected base sha to be recorded")
	}
	if !dvmStub.called("config dvm.branch work") {
		t.Fatal("expected requested branch to be recorded")
	}
}

func TestSeedMismatchFails(t *testing.T) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		if strings.Contains(strings.Join(args, " "), "rev-parse HEAD") {
			return out(shaB), nil // drone HEAD diverges from host commit
		}
		return out(""), nil
	}}
	hostStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "--is-inside-work-tree"):
			return out("true"), nil
		case strings.Contains(j, "rev-parse --verify"):
			return out(shaA), nil
		}
		return out(""), nil
	}}
	e := testEngine(t, dvmStub, hostStub)

	_, err := e.Seed(context.Background(), "drone-x", SeedSpec{HostPath: "/host/repo"})
	if model.CodeOf(err) != model.CodeSeedMismatch {
		t.Fatalf("expected seed_mismatch, got %v", err)
	}
}

func TestSeedRejectsNonRepo(t *testing.T) {
	hostStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		return dvm.Result{Stderr: []byte("fatal: not a git repository"), Code: 128}, nil
	}}
	e := testEngine(t, &scriptRunner{}, hostStub)

	_, err := e.Seed(context.Background(), "drone-x", SeedSpec{HostPath: "/nowhere"})
	if model.CodeOf(err) != model.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

// --- pull ---

func pullStubs(mergeCode int, conflictFiles string) (*scriptRunner, *scriptRunner) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "config --get dvm.baseSha"):
			return out(shaA), nil
		case strings.Contains(j, "rev-parse HEAD"):
			return out(shaB), nil
		case args[0] == "repo" && args[1] == "export":
			return out("Exported bundle -> /tmp/fake/changes.bundle"), nil
		}
		return out(""), nil
	}}
	hostStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "--is-inside-work-tree"):
			return out("true"), nil
		case strings.Contains(j, "status --porcelain"):
			return out(""), nil
		case strings.Contains(j, "rev-parse --verify refs/drone/imports/"):
			return out(shaC), nil
		case strings.Contains(j, "merge --no-commit --no-ff"):
			return dvm.Result{Code: mergeCode, Stderr: []byte("merge output")}, nil
		case strings.Contains(j, "--diff-filter=U"):
			return out(conflictFiles), nil
		}
		return out(""), nil
	}}
	return dvmStub, hostStub
}

func TestPullCleanMergeLeavesStagedState(t *testing.T) {
	dvmStub, hostStub := pullStubs(0, "")
	e := testEngine(t, dvmStub, hostStub)

	res, err := e.Pull(context.Background(), "d1", "drone-x", "/host/repo")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if res.ImportedSha != shaC || res.BaseSha != shaA || res.HeadSha != shaB {
		t.Fatalf("unexpected result: %+v", res)
	}
	if hostStub.called("merge --abort") {
		t.Fatal("clean merge must not be aborted")
	}
	if !hostStub.called("update-ref -d refs/drone/imports/d1/") {
		t.Fatalf("expected import ref cleanup, got %v", hostStub.calls)
	}
}

func TestPullConflictCarriesFilesAndKeepsState(t *testing.T) {
	dvmStub, hostStub := pullStubs(1, "a.txt\nb.txt\n")
	e := testEngine(t, dvmStub, hostStub)

	_, err := e.Pull(context.Background(), "d1", "drone-x", "/host/repo")
	if model.CodeOf(err) != model.CodePatchApplyConflict {
		t.Fatalf("expected patch_apply_conflict, got %v", err)
	}
	files := model.ConflictFilesOf(err)
	if len(files) != 2 || files[0] != "a.txt" || files[1] != "b.txt" {
		t.Fatalf("unexpected conflict files: %v", files)
	}
	// Conflicted state stays for the user; only the ref goes away.
	if hostStub.called("merge --abort") {
		t.Fatal("conflicted merge must not be aborted")
	}
	if !hostStub.called("update-ref -d refs/drone/imports/d1/") {
		t.Fatal("expected import ref cleanup")
	}
}

func TestPullNonConflictFailureAborts(t *testing.T) {
	dvmStub, hostStub := pullStubs(2, "")
	e := testEngine(t, dvmStub, hostStub)

	_, err := e.Pull(context.Background(), "d1", "drone-x", "/host/repo")
	if model.CodeOf(err) != model.CodePatchApplyError {
		t.Fatalf("expected patch_apply_error, got %v", err)
	}
	if !hostStub.called("merge --abort") {
		t.Fatal("expected merge to be aborted")
	}
	if !hostStub.called("update-ref -d refs/drone/imports/d1/") {
		t.Fatal("expected import ref cleanup")
	}
}

func TestPullUpToDate(t *testing.T) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "config --get dvm.baseSha"):
			return out(shaA), nil
		case strings.Contains(j, "rev-parse HEAD"):
			return out(shaA), nil
		}
		return out(""), nil
	}}
	hostStub := &scriptRunner{}
	e := testEngine(t, dvmStub, hostStub)

	res, err := e.Pull(context.Background(), "d1", "drone-x", "/host/repo")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !res.UpToDate {
		t.Fatalf("expected up-to-date result, got %+v", res)
	}
	if len(hostStub.calls) != 0 {
		t.Fatalf("up-to-date pull must not touch the host repo: %v", hostStub.calls)
	}
}

func TestPullRefusesDirtyHost(t *testing.T) {
	dvmStub, hostStub := pullStubs(0, "")
	hostStub.handle = func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "--is-inside-work-tree"):
			return out("true"), nil
		case strings.Contains(j, "status --porcelain"):
			return out(" M main.go"), nil
		}
		return out(""), nil
	}
	e := testEngine(t, dvmStub, hostStub)

	_, err := e.Pull(context.Background(), "d1", "drone-x", "/host/repo")
	if model.CodeOf(err) != model.CodeStateViolation {
		t.Fatalf("expected state_violation, got %v", err)
	}
}

func TestPullWithoutBaseShaFails(t *testing.T) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		if strings.Contains(strings.Join(args, " "), "config --get dvm.baseSha") {
			return dvm.Result{Code: 1}, nil
		}
		return out(""), nil
	}}
	e := testEngine(t, dvmStub, &scriptRunner{})

	_, err := e.Pull(context.Background(), "d1", "drone-x", "/host/repo")
	if model.CodeOf(err) != model.CodePatchApplyError {
		t.Fatalf("expected patch_apply_error, got %v", err)
	}
}

// --- push ---

func pushStubs(mergeCode int, conflictFiles string) (*scriptRunner, *scriptRunner) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "status --porcelain"):
			return out(""), nil
		case strings.Contains(j, "config --get dvm.baseSha"):
			return out(shaA), nil
		case strings.Contains(j, "merge --no-ff"):
			return dvm.Result{Code: mergeCode, Stderr: []byte("merge output")}, nil
		case strings.Contains(j, "--diff-filter=U"):
			return out(conflictFiles), nil
		case strings.Contains(j, "rev-parse HEAD"):
			return out(shaC), nil
		}
		return out(""), nil
	}}
	hostStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "--is-inside-work-tree"):
			return out("true"), nil
		case strings.Contains(j, "rev-parse --abbrev-ref HEAD"):
			return out("main"), nil
		case strings.Contains(j, "rev-parse --verify"):
			return out(shaB), nil
		case strings.Contains(j, "bundle create"):
			return out(""), nil
		}
		return out(""), nil
	}}
	return dvmStub, hostStub
}

func TestPushMergesHostBranch(t *testing.T) {
	dvmStub, hostStub := pushStubs(0, "")
	e := testEngine(t, dvmStub, hostStub)

	res, err := e.Push(context.Background(), "d1", "drone-x", "/host/repo")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if res.Branch != "main" || res.HeadSha != shaC {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !hostStub.called("bundle create") {
		t.Fatal("expected host bundle")
	}
	if !dvmStub.called("copy drone-x") {
		t.Fatal("expected bundle copy into drone")
	}
	if !dvmStub.called("fetch /tmp/dronehub-push-") {
		t.Fatalf("expected fetch of copied bundle, got %v", dvmStub.calls)
	}
	if !dvmStub.called("rm -f /tmp/dronehub-push-") {
		t.Fatal("expected bundle cleanup inside drone")
	}
}

func TestPushConflictAbortsInsideDrone(t *testing.T) {
	dvmStub, hostStub := pushStubs(1, "x.txt\n")
	e := testEngine(t, dvmStub, hostStub)

	_, err := e.Push(context.Background(), "d1", "drone-x", "/host/repo")
	if model.CodeOf(err) != model.CodePatchApplyConflict {
		t.Fatalf("expected patch_apply_conflict, got %v", err)
	}
	if files := model.ConflictFilesOf(err); len(files) != 1 || files[0] != "x.txt" {
		t.Fatalf("unexpected conflict files: %v", files)
	}
	if !dvmStub.called("merge --abort") {
		t.Fatal("expected drone-side merge abort")
	}
}

func TestPushRefusesDirtyDrone(t *testing.T) {
	dvmStub, hostStub := pushStubs(0, "")
	dvmStub.handle = func(args []string) (dvm.Result, error) {
		if strings.Contains(strings.Join(args, " "), "status --porcelain") {
			return out("?? scratch.txt"), nil
		}
		return out(""), nil
	}
	e := testEngine(t, dvmStub, hostStub)

	_, err := e.Push(context.Background(), "d1", "drone-x", "/host/repo")
	if model.CodeOf(err) != model.CodeStateViolation {
		t.Fatalf("expected state_violation, got %v", err)
	}
}

// --- previews and diffs ---

func TestPullPreviewListsEntriesSorted(t *testing.T) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "config --get dvm.baseSha"):
			return out(shaA), nil
		case strings.Contains(j, "rev-parse HEAD"):
			return out(shaB), nil
		case strings.Contains(j, "diff --name-status"):
			return out("M\tzeta.go\nA\talpha.go\nR100\told.go\tnew.go\n"), nil
		case strings.Contains(j, "rev-parse --abbrev-ref HEAD"):
			return out("work"), nil
		case strings.Contains(j, "config --get dvm.branch"):
			return out("work"), nil
		case strings.Contains(j, "config --get dvm.fromRef"):
			return dvm.Result{Code: 1}, nil
		}
		return out(""), nil
	}}
	hostStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		if strings.Contains(strings.Join(args, " "), "rev-parse --abbrev-ref HEAD") {
			return out("main"), nil
		}
		return out(""), nil
	}}
	e := testEngine(t, dvmStub, hostStub)

	pv, err := e.PullPreview(context.Background(), "drone-x", "/host/repo")
	if err != nil {
		t.Fatalf("PullPreview: %v", err)
	}
	if pv.BaseSha != shaA || pv.HeadSha != shaB {
		t.Fatalf("unexpected shas: %+v", pv)
	}
	if pv.BranchContext.HostCurrent != "main" || pv.BranchContext.DroneCurrent != "work" {
		t.Fatalf("unexpected branch context: %+v", pv.BranchContext)
	}
	if len(pv.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", pv.Entries)
	}
	if pv.Entries[0].Path != "alpha.go" || pv.Entries[1].Path != "new.go" || pv.Entries[2].Path != "zeta.go" {
		t.Fatalf("entries not sorted by path: %+v", pv.Entries)
	}
	if pv.Entries[1].StatusChar != "R" || pv.Entries[1].Type != model.ChangeRenamed {
		t.Fatalf("rename entry wrong: %+v", pv.Entries[1])
	}
}

func TestPullDiffTruncates(t *testing.T) {
	big := strings.Repeat("x", maxDiffBytes+100)
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "config --get dvm.baseSha"):
			return out(shaA), nil
		case strings.Contains(j, "diff "):
			return out(big), nil
		}
		return out(""), nil
	}}
	e := testEngine(t, dvmStub, &scriptRunner{})

	fd, err := e.PullDiff(context.Background(), "drone-x", "main.go", "", "")
	if err != nil {
		t.Fatalf("PullDiff: %v", err)
	}
	if !fd.Truncated {
		t.Fatal("expected truncation")
	}
	if len(fd.Diff) != maxDiffBytes {
		t.Fatalf("expected %d bytes, got %d", maxDiffBytes, len(fd.Diff))
	}
}

func TestWorktreeChangesParsesPorcelain(t *testing.T) {
	raw := "1 .M N... 100644 100644 100644 aaa bbb main.go\x00" +
		"1 A. N... 000000 100644 100644 000 111 new.go\x00" +
		"? untracked.txt\x00"
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		if strings.Contains(strings.Join(args, " "), "status --porcelain=v2") {
			return out(raw), nil
		}
		return out(""), nil
	}}
	e := testEngine(t, dvmStub, &scriptRunner{})

	st, err := e.WorktreeChanges(context.Background(), "drone-x")
	if err != nil {
		t.Fatalf("WorktreeChanges: %v", err)
	}
	if len(st.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", st.Entries)
	}
	if st.Counts.Changed != 3 || st.Counts.Staged != 1 || st.Counts.Unstaged != 1 || st.Counts.Untracked != 1 {
		t.Fatalf("unexpected counts: %+v", st.Counts)
	}
}

func TestWorktreeDiffUntracked(t *testing.T) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		j := strings.Join(args, " ")
		switch {
		case strings.Contains(j, "status --porcelain"):
			return out("?? notes.md"), nil
		case strings.Contains(j, "diff --no-index"):
			// Differing files exit 1.
			return dvm.Result{Stdout: []byte("+++ b/notes.md\n+hello\n"), Code: 1}, nil
		}
		return out(""), nil
	}}
	e := testEngine(t, dvmStub, &scriptRunner{})

	fd, err := e.WorktreeDiff(context.Background(), "drone-x", "notes.md", "unstaged")
	if err != nil {
		t.Fatalf("WorktreeDiff: %v", err)
	}
	if !fd.FromUntracked {
		t.Fatal("expected FromUntracked")
	}
	if !strings.Contains(fd.Diff, "+hello") {
		t.Fatalf("unexpected diff: %q", fd.Diff)
	}
}

func TestWorktreeDiffStaged(t *testing.T) {
	dvmStub := &scriptRunner{handle: func(args []string) (dvm.Result, error) {
		if strings.Contains(strings.Join(args, " "), "diff --cached") {
			return out("diff --git a/x b/x\n"), nil
		}
		return out(""), nil
	}}
	e := testEngine(t, dvmStub, &scriptRunner{})

	fd, err := e.WorktreeDiff(context.Background(), "drone-x", "x", "staged")
	if err != nil {
		t.Fatalf("WorktreeDiff: %v", err)
	}
	if fd.FromUntracked || fd.Truncated {
		t.Fatalf("unexpected flags: %+v", fd)
	}
	if !strings.HasPrefix(fd.Diff, "diff --git") {
		t.Fatalf("unexpected diff: %q", fd.Diff)
	}
}

// --- helpers ---

func TestParseNameStatus(t *testing.T) {
	entries := parseNameStatus("M\tb.go\nA\ta.go\nnoise-line\n")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Path != "a.go" || entries[0].StatusChar != "A" || entries[0].Type != model.ChangeAdded {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
}

func TestTruncateBytesRuneBoundary(t *testing.T) {
	s := "abé" // 4 bytes; cutting at 3 would split the rune
	got, truncated := truncateBytes(s, 3)
	if !truncated {
		t.Fatal("expected truncation")
	}
	if got != "ab" {
		t.Fatalf("expected cut on rune boundary, got %q", got)
	}
}
