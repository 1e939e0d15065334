package prompt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/eventbus"
	"github.com/nerfZael/dronehub/model"
	"github.com/nerfZael/dronehub/registry"
	"github.com/nerfZael/dronehub/store/sqlite"
)

type scriptRunner struct {
	mu     sync.Mutex
	calls  []string
	handle func(args []string) (dvm.Result, error)
}

func (r *scriptRunner) Run(ctx context.Context, timeout time.Duration, args ...string) (dvm.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.Join(args, " "))
	handle := r.handle
	r.mu.Unlock()
	if handle != nil {
		return handle(args)
	}
	return dvm.Result{}, nil
}

func (r *scriptRunner) called(substr string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

type testEnv struct {
	disp    *Dispatcher
	reg     *registry.Registry
	store   *sqlite.Store
	runner  *scriptRunner
	droneID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.New(registry.Config{Path: filepath.Join(dir, "registry.json")})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	st, err := sqlite.New(filepath.Join(dir, "hub.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	runner := &scriptRunner{
		// Default script: session writes succeed, no transcript yet.
		handle: func(args []string) (dvm.Result, error) {
			if args[0] == "exec" {
				return dvm.Result{Code: 1, Stderr: []byte("no such file")}, nil
			}
			return dvm.Result{}, nil
		},
	}

	d, err := reg.InsertStarting(registry.InsertSpec{Name: "worker"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	reg.Transition(d.ID, model.PhaseStarting, registry.TransitionOpts{})
	reg.Transition(d.ID, model.PhaseSeeding, registry.TransitionOpts{})
	reg.Transition(d.ID, model.PhaseReady, registry.TransitionOpts{})

	disp := New(Config{
		Dvm:             dvm.New(dvm.Config{Runner: runner}),
		Registry:        reg,
		Store:           st,
		Bus:             eventbus.New(),
		ContainerPrefix: "drone-",
		ChatsDir:        "/workspace/.dronehub/chats",
		AttachDir:       "/workspace/.dronehub/attachments",
		PollInterval:    20 * time.Millisecond,
		UnstickAfter:    80 * time.Millisecond,
	})
	t.Cleanup(disp.Stop)

	return &testEnv{disp: disp, reg: reg, store: st, runner: runner, droneID: d.ID}
}

func TestSendWritesPromptThenEnter(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.disp.Send(context.Background(), env.droneID, "default", SendRequest{Prompt: "hello agent"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Fatal("expected a prompt id")
	}

	sends := env.runner.called("session send drone-worker agent-default")
	if len(sends) != 1 || !strings.Contains(sends[0], "hello agent") {
		t.Fatalf("expected one session send with the prompt, got %v", sends)
	}
	types := env.runner.called("session type drone-worker agent-default --key Enter")
	if len(types) != 1 {
		t.Fatalf("expected the Enter keystroke, got %v", types)
	}

	pending := env.disp.Pending(env.droneID, "default")
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}
	if pending[0].ID != id || pending[0].State != model.StateSent {
		t.Fatalf("expected sent entry for %s, got %+v", id, pending[0])
	}
}

func TestSendRejectsNonReadyDrone(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.reg.InsertStarting(registry.InsertSpec{Name: "booting"})

	_, err := env.disp.Send(context.Background(), d.ID, "default", SendRequest{Prompt: "too early"})
	if !model.IsCode(err, model.CodeStateViolation) {
		t.Fatalf("expected state_violation, got %v", err)
	}
	_, err = env.disp.Send(context.Background(), "missing", "default", SendRequest{Prompt: "x"})
	if !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assertValidation := func(req SendRequest, wantSubstr string) {
		t.Helper()
		_, err := env.disp.Send(ctx, env.droneID, "default", req)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if !strings.Contains(ve.Error(), wantSubstr) {
			t.Fatalf("expected %q in %q", wantSubstr, ve.Error())
		}
	}

	assertValidation(SendRequest{}, "prompt or attachments")
	assertValidation(SendRequest{Prompt: "   "}, "prompt or attachments")
	assertValidation(SendRequest{
		Prompt:      "with doc",
		Attachments: []model.Attachment{{Name: "notes.pdf", Mime: "application/pdf", Data: []byte("x")}},
	}, "not an image")
	assertValidation(SendRequest{
		Prompt:      "big",
		Attachments: []model.Attachment{{Name: "big.png", Mime: "image/png", Data: make([]byte, maxAttachmentBytes+1)}},
	}, "exceeds 6 MiB")

	var many []model.Attachment
	for i := 0; i < maxAttachments+1; i++ {
		many = append(many, model.Attachment{Name: fmt.Sprintf("i%d.png", i), Data: []byte("x")})
	}
	assertValidation(SendRequest{Prompt: "many", Attachments: many}, "too many attachments")

	var heavy []model.Attachment
	for i := 0; i < 4; i++ {
		heavy = append(heavy, model.Attachment{Name: fmt.Sprintf("h%d.png", i), Data: make([]byte, (maxTotalBytes/4)+1)})
	}
	assertValidation(SendRequest{Prompt: "heavy", Attachments: heavy}, "20 MiB total")
}

func TestSendFailureMarksPendingFailed(t *testing.T) {
	env := newTestEnv(t)
	env.runner.handle = func(args []string) (dvm.Result, error) {
		if args[0] == "session" && args[1] == "send" {
			return dvm.Result{Code: 1, Stderr: []byte("agent session gone")}, nil
		}
		return dvm.Result{}, nil
	}

	id, err := env.disp.Send(context.Background(), env.droneID, "default", SendRequest{Prompt: "doomed"})
	if !model.IsCode(err, model.CodeEngineFailure) {
		t.Fatalf("expected engine_failure, got %v", err)
	}
	if id == "" {
		t.Fatal("failed sends still allocate an id for the pending record")
	}

	pending := env.disp.Pending(env.droneID, "default")
	if len(pending) != 1 || pending[0].State != model.StateFailed {
		t.Fatalf("expected failed pending entry, got %+v", pending)
	}
	if !strings.Contains(pending[0].Error, "agent session gone") {
		t.Fatalf("expected failure reason, got %q", pending[0].Error)
	}
}

func TestAttachmentsRelayedBeforePrompt(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.disp.Send(context.Background(), env.droneID, "default", SendRequest{
		Prompt: "look at this",
		Attachments: []model.Attachment{
			{Name: "shot.png", Mime: "image/png", Data: []byte("fake-png")},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	wantDest := "/workspace/.dronehub/attachments/" + id + "/shot.png"
	copies := env.runner.called("copy drone-worker")
	if len(copies) != 1 || !strings.Contains(copies[0], wantDest) {
		t.Fatalf("expected copy into %s, got %v", wantDest, copies)
	}

	sends := env.runner.called("session send")
	if len(sends) != 1 || !strings.Contains(sends[0], "[image: "+wantDest+"]") {
		t.Fatalf("expected image reference in prompt text, got %v", sends)
	}
}

func TestReconcilerDropsCompletedPrompts(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	transcript := ""
	env.runner.handle = func(args []string) (dvm.Result, error) {
		if args[0] == "exec" {
			mu.Lock()
			tr := transcript
			mu.Unlock()
			if tr == "" {
				return dvm.Result{Code: 1}, nil
			}
			return dvm.Result{Stdout: []byte(tr)}, nil
		}
		return dvm.Result{}, nil
	}

	id, err := env.disp.Send(context.Background(), env.droneID, "default", SendRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Agent completes the turn.
	mu.Lock()
	transcript = fmt.Sprintf(`{"turn":1,"promptAt":"2026-08-25T10:00:00Z","id":%q,"prompt":"hello","ok":true,"output":"done"}`+"\n", id)
	mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		if len(env.disp.Pending(env.droneID, "default")) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pending entry never reconciled: %+v", env.disp.Pending(env.droneID, "default"))
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The turn was mirrored durably.
	turns, err := env.store.Turns(env.droneID, "default")
	if err != nil {
		t.Fatalf("store turns: %v", err)
	}
	if len(turns) != 1 || turns[0].ID != id || turns[0].Output != "done" {
		t.Fatalf("expected mirrored turn, got %+v", turns)
	}
}

func TestUnstick(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.disp.Send(ctx, env.droneID, "default", SendRequest{Prompt: "stuck work"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Too young.
	err = env.disp.Unstick(ctx, env.droneID, "default", id)
	if !model.IsCode(err, model.CodeStateViolation) {
		t.Fatalf("expected state_violation for young prompt, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := env.disp.Unstick(ctx, env.droneID, "default", id); err != nil {
		t.Fatalf("Unstick: %v", err)
	}

	if pending := env.disp.Pending(env.droneID, "default"); len(pending) != 0 {
		t.Fatalf("expected pending cleared, got %+v", pending)
	}
	turn, err := env.store.Turn(env.droneID, "default", 1)
	if err != nil {
		t.Fatalf("expected synthetic turn: %v", err)
	}
	if turn.Ok || turn.ID != id {
		t.Fatalf("expected failed synthetic turn for %s, got %+v", id, turn)
	}

	// Already gone.
	err = env.disp.Unstick(ctx, env.droneID, "default", id)
	if !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("expected not_found after unstick, got %v", err)
	}
}

func TestPendingCapsAtSixty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < pendingLimit+10; i++ {
		if _, err := env.disp.Send(ctx, env.droneID, "default", SendRequest{Prompt: fmt.Sprintf("p%d", i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	pending := env.disp.Pending(env.droneID, "default")
	if len(pending) != pendingLimit {
		t.Fatalf("expected %d entries, got %d", pendingLimit, len(pending))
	}
}

func TestDropDroneClearsLanes(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.disp.Send(context.Background(), env.droneID, "default", SendRequest{Prompt: "bye"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env.disp.DropDrone(env.droneID)
	if pending := env.disp.Pending(env.droneID, "default"); len(pending) != 0 {
		t.Fatalf("expected no pending after drop, got %+v", pending)
	}
}

func TestTranscriptFallsBackToMirror(t *testing.T) {
	env := newTestEnv(t)

	at := time.Now().UTC()
	env.store.UpsertTurn("ghost", "default", model.TranscriptItem{Turn: 1, PromptAt: at, Prompt: "old work", Ok: true})

	turns, err := env.disp.Transcript(context.Background(), "ghost", "default")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(turns) != 1 || turns[0].Prompt != "old work" {
		t.Fatalf("expected mirrored history, got %+v", turns)
	}

	turn, err := env.disp.TranscriptTurn(context.Background(), "ghost", "default", 1)
	if err != nil {
		t.Fatalf("TranscriptTurn: %v", err)
	}
	if turn.Prompt != "old work" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if _, err := env.disp.TranscriptTurn(context.Background(), "ghost", "default", 9); !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestTranscriptPrefersLiveDrone(t *testing.T) {
	env := newTestEnv(t)

	env.runner.handle = func(args []string) (dvm.Result, error) {
		if args[0] == "exec" {
			return dvm.Result{Stdout: []byte(`{"turn":1,"promptAt":"2026-08-25T10:00:00Z","prompt":"live","ok":true}` + "\n")}, nil
		}
		return dvm.Result{}, nil
	}
	env.store.UpsertTurn(env.droneID, "default", model.TranscriptItem{Turn: 1, PromptAt: time.Now().UTC(), Prompt: "stale", Ok: true})

	turns, err := env.disp.Transcript(context.Background(), env.droneID, "default")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(turns) != 1 || turns[0].Prompt != "live" {
		t.Fatalf("expected live transcript preferred, got %+v", turns)
	}
}
