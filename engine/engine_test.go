package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/eventbus"
	"github.com/nerfZael/dronehub/gitsync"
	"github.com/nerfZael/dronehub/model"
	"github.com/nerfZael/dronehub/registry"
	"github.com/nerfZael/dronehub/store/sqlite"
)

const testSha = "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678"

// stubRunner scripts the container CLI and host git. The handle hook answers
// scripted calls; everything else defaults to empty success.
type stubRunner struct {
	mu     sync.Mutex
	calls  []string
	handle func(args []string) (dvm.Result, bool)
}

func (f *stubRunner) Run(_ context.Context, _ time.Duration, args ...string) (dvm.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	handle := f.handle
	f.mu.Unlock()
	if handle != nil {
		if res, ok := handle(args); ok {
			return res, nil
		}
	}
	return dvm.Result{}, nil
}

func (f *stubRunner) called(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// seedScript answers the host and drone git calls of a successful seed run,
// with every sha resolving to testSha.
func seedScript(args []string) (dvm.Result, bool) {
	joined := strings.Join(args, " ")
	switch {
	case strings.Contains(joined, "--is-inside-work-tree"):
		return dvm.Result{Stdout: []byte("true\n")}, true
	case strings.Contains(joined, "^{commit}"):
		return dvm.Result{Stdout: []byte(testSha + "\n")}, true
	case strings.Contains(joined, "config --get dvm.baseSha"):
		return dvm.Result{Stdout: []byte(testSha + "\n")}, true
	case strings.Contains(joined, "rev-parse HEAD"):
		return dvm.Result{Stdout: []byte(testSha + "\n")}, true
	}
	return dvm.Result{}, false
}

type engineEnv struct {
	eng    *Engine
	reg    *registry.Registry
	st     *sqlite.Store
	bus    *eventbus.Bus
	runner *stubRunner
}

func newEngineEnv(t *testing.T, cfg Config) *engineEnv {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.New(registry.Config{Path: filepath.Join(dir, "registry.json")})
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}
	st, err := sqlite.New(filepath.Join(dir, "dronehub.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	runner := &stubRunner{}
	client := dvm.New(dvm.Config{Runner: runner})
	git := gitsync.New(gitsync.Config{Dvm: client, HostGit: runner})

	cfg.ContainerPrefix = "drone-"
	eng := New(cfg, reg, bus, client, git, st)
	return &engineEnv{eng: eng, reg: reg, st: st, bus: bus, runner: runner}
}

func (e *engineEnv) insertReady(t *testing.T, name, repoPath string) model.DroneRecord {
	t.Helper()
	rec, err := e.reg.InsertStarting(registry.InsertSpec{Name: name, RepoPath: repoPath, ContainerPort: 7777})
	if err != nil {
		t.Fatalf("inserting drone: %v", err)
	}
	for _, phase := range []model.HubPhase{model.PhaseStarting, model.PhaseSeeding, model.PhaseReady} {
		if _, err := e.reg.Transition(rec.ID, phase, registry.TransitionOpts{}); err != nil {
			t.Fatalf("transition to %s: %v", phase, err)
		}
	}
	out, err := e.reg.Get(rec.ID)
	if err != nil {
		t.Fatalf("reading drone back: %v", err)
	}
	return out
}

func (e *engineEnv) waitPhase(t *testing.T, id string, phase model.HubPhase) model.DroneRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := e.reg.Get(id)
		if err == nil && rec.HubPhase == phase && !rec.Busy {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, err := e.reg.Get(id)
	t.Fatalf("timed out waiting for %s to reach %s (last %+v, err %v)", id, phase, rec, err)
	return model.DroneRecord{}
}

func TestQueueProvisionsBatch(t *testing.T) {
	env := newEngineEnv(t, Config{})
	env.runner.handle = func(args []string) (dvm.Result, bool) {
		if args[0] == "ports" {
			return dvm.Result{Stdout: []byte("61001:7777\n")}, true
		}
		return dvm.Result{}, false
	}

	res := env.eng.Queue([]model.QueueSpec{{Name: "alpha"}, {}})
	if len(res.Accepted) != 2 || len(res.Rejected) != 0 {
		t.Fatalf("expected both specs accepted, got %+v", res)
	}

	var alpha, anon model.QueueAck
	for _, ack := range res.Accepted {
		if ack.Name == "alpha" {
			alpha = ack
		} else {
			anon = ack
		}
	}
	if alpha.ID == "" {
		t.Fatal("missing ack for the named spec")
	}
	if anon.ID == "" || anon.Name != anon.ID {
		t.Fatalf("an unnamed drone defaults its name to the id, got %+v", anon)
	}

	rec := env.waitPhase(t, alpha.ID, model.PhaseReady)
	env.waitPhase(t, anon.ID, model.PhaseReady)

	if !env.runner.called("create drone-alpha") {
		t.Fatal("expected container create for drone-alpha")
	}
	if !env.runner.called("create drone-" + anon.Name) {
		t.Fatal("expected container create for the unnamed drone")
	}
	if !env.runner.called("session start drone-alpha agent-default") {
		t.Fatal("expected the agent session started")
	}
	if len(rec.Chats) != 1 || rec.Chats[0] != "default" {
		t.Fatalf("expected the default chat recorded, got %v", rec.Chats)
	}
	if rec.HostPort == nil || *rec.HostPort != 61001 {
		t.Fatalf("expected host port 61001 recorded, got %v", rec.HostPort)
	}
	if rec.RepoAttached {
		t.Fatal("no repo was attached")
	}

	chats, err := env.st.ListChats(alpha.ID)
	if err != nil || len(chats) != 1 {
		t.Fatalf("expected one chat row, got %v (%v)", chats, err)
	}
	events, err := env.st.Events(alpha.ID, 0)
	if err != nil {
		t.Fatalf("reading events: %v", err)
	}
	var phases []string
	for _, ev := range events {
		if ev.Type == eventbus.TypePhase {
			phases = append(phases, ev.Data)
		}
	}
	want := []string{"creating", "starting", "seeding", "ready"}
	if len(phases) != len(want) {
		t.Fatalf("expected phase events %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected phase events %v, got %v", want, phases)
		}
	}
}

func TestQueueRejectsConflictAndInvalid(t *testing.T) {
	env := newEngineEnv(t, Config{})
	env.insertReady(t, "taken", "")

	res := env.eng.Queue([]model.QueueSpec{{Name: "taken"}, {Name: "Bad Name"}})
	if len(res.Accepted) != 0 || len(res.Rejected) != 2 {
		t.Fatalf("expected both specs rejected, got %+v", res)
	}
	codes := map[string]model.Code{}
	for _, rej := range res.Rejected {
		codes[rej.Name] = rej.Code
	}
	if codes["taken"] != model.CodeNameConflict {
		t.Fatalf("expected name_conflict for taken, got %q", codes["taken"])
	}
	if codes["Bad Name"] != model.CodeInvalidName {
		t.Fatalf("expected invalid_name for the bad name, got %q", codes["Bad Name"])
	}
}

func TestCreateFailureLandsError(t *testing.T) {
	env := newEngineEnv(t, Config{})
	env.runner.handle = func(args []string) (dvm.Result, bool) {
		if args[0] == "create" {
			return dvm.Result{Code: 1, Stderr: []byte("no such image")}, true
		}
		return dvm.Result{}, false
	}

	res := env.eng.Queue([]model.QueueSpec{{Name: "broken"}})
	if len(res.Rejected) != 1 {
		t.Fatalf("expected a rejection, got %+v", res)
	}
	if res.Rejected[0].Code != model.CodeEngineFailure {
		t.Fatalf("expected engine_failure, got %q", res.Rejected[0].Code)
	}

	// The errored record stays for inspection; the GC sweep collects it.
	drones := env.reg.List()
	if len(drones) != 1 {
		t.Fatalf("expected the errored record kept, got %d records", len(drones))
	}
	rec := drones[0]
	if rec.HubPhase != model.PhaseError || rec.Busy {
		t.Fatalf("expected a non-busy errored record, got %+v", rec)
	}
	if !strings.Contains(rec.HubMessage, "creating container") {
		t.Fatalf("expected the create failure recorded, got %q", rec.HubMessage)
	}
}

func TestProvisionSeedsRepo(t *testing.T) {
	env := newEngineEnv(t, Config{})
	env.runner.handle = seedScript

	res := env.eng.Queue([]model.QueueSpec{{Name: "seeder", RepoPath: "/host/repo"}})
	if len(res.Accepted) != 1 {
		t.Fatalf("expected the spec accepted, got %+v", res)
	}
	rec := env.waitPhase(t, res.Accepted[0].ID, model.PhaseReady)

	if !rec.RepoAttached {
		t.Fatal("expected the repo marked attached")
	}
	if !env.runner.called("repo seed drone-seeder") {
		t.Fatal("expected the repo seeded into the container")
	}
	if !env.runner.called("--host /host/repo") {
		t.Fatal("expected the host path forwarded to the seed")
	}
	if !env.runner.called("config dvm.baseSha " + testSha) {
		t.Fatal("expected the base sha recorded in the drone repo")
	}
}

func TestSeedMismatchFailsDrone(t *testing.T) {
	env := newEngineEnv(t, Config{})
	otherSha := strings.Repeat("b", 40)
	env.runner.handle = func(args []string) (dvm.Result, bool) {
		joined := strings.Join(args, " ")
		switch {
		case strings.Contains(joined, "--is-inside-work-tree"):
			return dvm.Result{Stdout: []byte("true\n")}, true
		case strings.Contains(joined, "^{commit}"):
			return dvm.Result{Stdout: []byte(testSha + "\n")}, true
		case strings.Contains(joined, "rev-parse HEAD"):
			// The drone ends up on a different commit than the host.
			return dvm.Result{Stdout: []byte(otherSha + "\n")}, true
		}
		return dvm.Result{}, false
	}

	res := env.eng.Queue([]model.QueueSpec{{Name: "drift", RepoPath: "/host/repo"}})
	if len(res.Accepted) != 1 {
		t.Fatalf("expected the spec accepted, got %+v", res)
	}
	rec := env.waitPhase(t, res.Accepted[0].ID, model.PhaseError)
	if !strings.Contains(rec.HubMessage, "does not match") {
		t.Fatalf("expected a seed mismatch message, got %q", rec.HubMessage)
	}
}

func TestSeedUnknownWorktreeFailsDrone(t *testing.T) {
	env := newEngineEnv(t, Config{})
	// The default script answers nothing, so the worktree probe fails.
	res := env.eng.Queue([]model.QueueSpec{{Name: "lost", RepoPath: "/not/a/repo"}})
	if len(res.Accepted) != 1 {
		t.Fatalf("expected the spec accepted, got %+v", res)
	}
	rec := env.waitPhase(t, res.Accepted[0].ID, model.PhaseError)
	if !strings.Contains(rec.HubMessage, "not a git working tree") {
		t.Fatalf("expected a worktree error, got %q", rec.HubMessage)
	}
	if env.runner.called("repo seed") {
		t.Fatal("no seed should run for a missing worktree")
	}
}

func TestDeleteLifecycle(t *testing.T) {
	env := newEngineEnv(t, Config{})
	rec := env.insertReady(t, "worker", "")
	if err := env.st.EnsureChat(rec.ID, "default"); err != nil {
		t.Fatalf("seeding chat row: %v", err)
	}

	// Repeated deletes succeed; the registry and chat rows are gone after
	// the first.
	for i := 0; i < 2; i++ {
		if err := env.eng.Delete(context.Background(), rec.ID); err != nil {
			t.Fatalf("delete attempt %d: %v", i+1, err)
		}
	}
	if _, err := env.reg.Get(rec.ID); !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("expected the record removed, got %v", err)
	}
	if !env.runner.called("rm drone-worker") {
		t.Fatal("expected the container removed")
	}
	chats, err := env.st.ListChats(rec.ID)
	if err != nil || len(chats) != 0 {
		t.Fatalf("expected chat rows dropped, got %v (%v)", chats, err)
	}

	// A drone with an operation in flight refuses deletion.
	busy := env.insertReady(t, "frozen", "")
	if _, err := env.reg.SetBusy(busy.ID, true); err != nil {
		t.Fatalf("marking busy: %v", err)
	}
	err = env.eng.Delete(context.Background(), busy.ID)
	if !model.IsCode(err, model.CodeStateViolation) {
		t.Fatalf("expected state_violation for a busy drone, got %v", err)
	}
}

func TestDeleteKeepsRecordWhenRemoveFails(t *testing.T) {
	env := newEngineEnv(t, Config{})
	rec := env.insertReady(t, "worker", "")
	env.runner.handle = func(args []string) (dvm.Result, bool) {
		switch args[0] {
		case "rm":
			return dvm.Result{Code: 1, Stderr: []byte("engine busy")}, true
		case "ls":
			return dvm.Result{Stdout: []byte("Name: drone-worker\n")}, true
		}
		return dvm.Result{}, false
	}

	err := env.eng.Delete(context.Background(), rec.ID)
	if err == nil {
		t.Fatal("expected the delete to fail while the container survives")
	}
	got, gerr := env.reg.Get(rec.ID)
	if gerr != nil {
		t.Fatalf("expected the record kept, got %v", gerr)
	}
	if got.Busy {
		t.Fatal("expected the busy flag cleared after the failed delete")
	}
}

func TestRenameRollbackOnEngineFailure(t *testing.T) {
	env := newEngineEnv(t, Config{})
	rec := env.insertReady(t, "worker", "")
	env.runner.handle = func(args []string) (dvm.Result, bool) {
		if args[0] == "rename" {
			return dvm.Result{Code: 1, Stderr: []byte("name collision")}, true
		}
		return dvm.Result{}, false
	}

	if _, err := env.eng.Rename(context.Background(), rec.ID, "fixer", false); err == nil {
		t.Fatal("expected the rename to fail")
	}
	got, err := env.reg.Get(rec.ID)
	if err != nil || got.Name != "worker" {
		t.Fatalf("expected the registry rolled back to worker, got %q (%v)", got.Name, err)
	}
}

func TestRenameSameNameSkipsEngine(t *testing.T) {
	env := newEngineEnv(t, Config{})
	rec := env.insertReady(t, "worker", "")

	out, err := env.eng.Rename(context.Background(), rec.ID, "worker", false)
	if err != nil || out.Name != "worker" {
		t.Fatalf("expected a no-op rename, got %q (%v)", out.Name, err)
	}
	if env.runner.called("rename") {
		t.Fatal("no container rename should run for an unchanged name")
	}
}

func TestCloneCarriesRepoAndChats(t *testing.T) {
	env := newEngineEnv(t, Config{})
	src := env.insertReady(t, "worker", "/host/repo")
	env.runner.handle = seedScript

	now := time.Now().UTC()
	item := model.TranscriptItem{Turn: 1, PromptAt: now, CompletedAt: &now, Prompt: "earlier work", Ok: true}
	if err := env.st.UpsertTurn(src.ID, "default", item); err != nil {
		t.Fatalf("seeding history: %v", err)
	}

	clone, err := env.eng.Clone(src.ID, true)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.Name != "worker-clone" {
		t.Fatalf("expected the clone named worker-clone, got %q", clone.Name)
	}
	if clone.RepoPath != "/host/repo" {
		t.Fatalf("expected the repo path carried, got %q", clone.RepoPath)
	}

	ready := env.waitPhase(t, clone.ID, model.PhaseReady)
	if !ready.RepoAttached {
		t.Fatal("expected the clone's repo attached")
	}
	if !env.runner.called("--base-ref " + testSha) {
		t.Fatal("expected the clone seeded at the source's base sha")
	}
	turns, err := env.st.Turns(clone.ID, "default")
	if err != nil || len(turns) != 1 || turns[0].Prompt != "earlier work" {
		t.Fatalf("expected the chat history copied, got %v (%v)", turns, err)
	}
}

func TestCloneRequiresReadySource(t *testing.T) {
	env := newEngineEnv(t, Config{})
	rec, err := env.reg.InsertStarting(registry.InsertSpec{Name: "worker"})
	if err != nil {
		t.Fatalf("inserting drone: %v", err)
	}
	if _, err := env.eng.Clone(rec.ID, false); !model.IsCode(err, model.CodeStateViolation) {
		t.Fatalf("expected state_violation for a creating source, got %v", err)
	}

	ready := env.insertReady(t, "frozen", "")
	if _, err := env.reg.SetBusy(ready.ID, true); err != nil {
		t.Fatalf("marking busy: %v", err)
	}
	if _, err := env.eng.Clone(ready.ID, false); !model.IsCode(err, model.CodeStateViolation) {
		t.Fatalf("expected state_violation for a busy source, got %v", err)
	}
}

func TestRestoreReconciles(t *testing.T) {
	env := newEngineEnv(t, Config{})
	alive := env.insertReady(t, "alive", "")
	if _, err := env.reg.Update(alive.ID, func(d *model.DroneRecord) { d.Chats = []string{"default"} }); err != nil {
		t.Fatalf("recording chat: %v", err)
	}
	lost := env.insertReady(t, "lost", "")
	stuck, err := env.reg.InsertStarting(registry.InsertSpec{Name: "stuck"})
	if err != nil {
		t.Fatalf("inserting drone: %v", err)
	}
	if _, err := env.reg.Transition(stuck.ID, model.PhaseStarting, registry.TransitionOpts{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := env.reg.Transition(stuck.ID, model.PhaseSeeding, registry.TransitionOpts{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := env.reg.SetBusy(alive.ID, true); err != nil {
		t.Fatalf("marking busy: %v", err)
	}

	env.runner.handle = func(args []string) (dvm.Result, bool) {
		if args[0] == "ls" {
			return dvm.Result{Stdout: []byte("Name: drone-alive\n")}, true
		}
		return dvm.Result{}, false
	}

	if err := env.eng.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, _ := env.reg.Get(alive.ID)
	if got.HubPhase != model.PhaseReady || got.Busy {
		t.Fatalf("expected the surviving drone back to ready, got %+v", got)
	}
	if !env.runner.called("start drone-alive") {
		t.Fatal("expected the surviving container started")
	}
	if !env.runner.called("session start drone-alive agent-default") {
		t.Fatal("expected the agent session restarted")
	}

	got, _ = env.reg.Get(lost.ID)
	if got.HubPhase != model.PhaseError || !strings.Contains(got.HubMessage, "missing after hub restart") {
		t.Fatalf("expected the lost drone errored, got %+v", got)
	}
	got, _ = env.reg.Get(stuck.ID)
	if got.HubPhase != model.PhaseError || !strings.Contains(got.HubMessage, "restarted while") {
		t.Fatalf("expected the mid-pipeline drone errored, got %+v", got)
	}
}

func TestGCSweepRemovesAbandonedErrors(t *testing.T) {
	env := newEngineEnv(t, Config{GCErrorTTL: time.Millisecond})

	doomed, err := env.reg.InsertStarting(registry.InsertSpec{Name: "doomed"})
	if err != nil {
		t.Fatalf("inserting drone: %v", err)
	}
	if _, err := env.reg.Transition(doomed.ID, model.PhaseError, registry.TransitionOpts{HubMessage: "create failed"}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	satellite, err := env.reg.InsertStarting(registry.InsertSpec{Name: "satellite"})
	if err != nil {
		t.Fatalf("inserting drone: %v", err)
	}
	if _, err := env.reg.Transition(satellite.ID, model.PhaseError, registry.TransitionOpts{HubMessage: "agent died"}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	keeper := env.insertReady(t, "keeper", "")

	env.runner.handle = func(args []string) (dvm.Result, bool) {
		if args[0] == "ls" {
			return dvm.Result{Stdout: []byte("Name: drone-satellite\n")}, true
		}
		return dvm.Result{}, false
	}

	time.Sleep(20 * time.Millisecond)
	env.eng.gcSweep()

	if _, err := env.reg.Get(doomed.ID); !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("expected the abandoned drone removed, got %v", err)
	}
	if _, err := env.reg.Get(satellite.ID); err != nil {
		t.Fatalf("an errored drone with a container survives the sweep, got %v", err)
	}
	if _, err := env.reg.Get(keeper.ID); err != nil {
		t.Fatalf("a ready drone is never swept, got %v", err)
	}
}

func TestSetBaseImage(t *testing.T) {
	env := newEngineEnv(t, Config{})
	rec := env.insertReady(t, "worker", "")
	env.runner.handle = func(args []string) (dvm.Result, bool) {
		if args[0] == "base" {
			return dvm.Result{Stdout: []byte("Base image: drone-worker-base:42\n")}, true
		}
		return dvm.Result{}, false
	}

	tag, err := env.eng.SetBaseImage(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("set base image: %v", err)
	}
	if tag != "drone-worker-base:42" {
		t.Fatalf("expected the committed tag, got %q", tag)
	}
	if !env.runner.called("base set drone-worker") {
		t.Fatal("expected the base commit forwarded to the engine")
	}
	got, _ := env.reg.Get(rec.ID)
	if got.Busy {
		t.Fatal("expected the busy flag cleared")
	}

	seeding, err := env.reg.InsertStarting(registry.InsertSpec{Name: "young"})
	if err != nil {
		t.Fatalf("inserting drone: %v", err)
	}
	if _, err := env.eng.SetBaseImage(context.Background(), seeding.ID); !model.IsCode(err, model.CodeStateViolation) {
		t.Fatalf("expected state_violation for a non-ready drone, got %v", err)
	}
}

// Guards the queue ack/id correlation under concurrent admits.
func TestQueueParallelAdmits(t *testing.T) {
	env := newEngineEnv(t, Config{})

	specs := make([]model.QueueSpec, 8)
	for i := range specs {
		specs[i] = model.QueueSpec{Name: fmt.Sprintf("batch-%d", i)}
	}
	res := env.eng.Queue(specs)
	if len(res.Accepted) != len(specs) {
		t.Fatalf("expected %d accepted, got %d", len(specs), len(res.Accepted))
	}
	seen := map[string]bool{}
	for _, ack := range res.Accepted {
		if seen[ack.ID] {
			t.Fatalf("duplicate drone id %s in batch result", ack.ID)
		}
		seen[ack.ID] = true
		if _, err := strconv.Atoi(strings.TrimPrefix(ack.Name, "batch-")); err != nil {
			t.Fatalf("unexpected ack name %q", ack.Name)
		}
	}
	for _, ack := range res.Accepted {
		env.waitPhase(t, ack.ID, model.PhaseReady)
	}
}
