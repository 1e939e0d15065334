// Package prompt dispatches user prompts to drone agent sessions and tracks
// them until their completion turns appear in the chat transcript.
//
// Each (drone, chat) pair is a lane: sends are serialised so the
// SessionSend + Enter keystroke pair never interleaves between callers, and
// a reconciler goroutine polls the drone transcript while the lane has
// pending entries, mirroring observed turns into the store.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/eventbus"
	"github.com/nerfZael/dronehub/internal/metrics"
	"github.com/nerfZael/dronehub/model"
	"github.com/nerfZael/dronehub/registry"
	"github.com/nerfZael/dronehub/store/sqlite"
)

const (
	pendingLimit       = 60
	maxAttachments     = 8
	maxAttachmentBytes = 6 << 20
	maxTotalBytes      = 20 << 20
)

// AgentSession returns the terminal session name of a chat's agent.
func AgentSession(chat string) string {
	return "agent-" + chat
}

// ValidationError rejects a send before anything reaches the agent. The
// HTTP layer maps it to a 400.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func errValidation(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Config wires a Dispatcher.
type Config struct {
	Dvm      *dvm.Client
	Registry *registry.Registry
	Store    *sqlite.Store
	Bus      *eventbus.Bus
	Logger   *slog.Logger

	// ContainerPrefix joined with the drone name addresses the container.
	ContainerPrefix string
	// ChatsDir is the container directory holding per-chat transcripts.
	ChatsDir string
	// AttachDir is the container directory receiving prompt attachments.
	AttachDir string
	// PollInterval is the reconciler cadence. Default 1s.
	PollInterval time.Duration
	// UnstickAfter is the minimum pending age before Unstick applies.
	// Default 2 minutes.
	UnstickAfter time.Duration
}

// SendRequest is one prompt submission.
type SendRequest struct {
	Prompt      string             `json:"prompt"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

type laneKey struct {
	droneID string
	chat    string
}

type lane struct {
	key laneKey

	// sendMu serialises agent writes; one send's text + Enter pair is a
	// single critical section.
	sendMu sync.Mutex

	mu       sync.Mutex
	pending  []model.PendingPrompt
	prompts  map[string]string // prompt id -> full prompt text
	lastTurn int
	polling  bool
	closed   bool
}

// Dispatcher owns all prompt lanes.
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	lanes map[laneKey]*lane

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.UnstickAfter == 0 {
		cfg.UnstickAfter = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:   cfg,
		log:   cfg.Logger,
		lanes: make(map[laneKey]*lane),
		done:  make(chan struct{}),
	}
}

// Stop halts all reconcilers and waits for them to exit.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
}

// Send validates and dispatches one prompt. The returned id identifies the
// pending entry and, later, the completion turn. On agent write failure the
// id is still returned alongside the error; the pending entry records the
// failure.
func (d *Dispatcher) Send(ctx context.Context, droneID, chat string, req SendRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Attachments) == 0 {
		return "", errValidation("prompt or attachments required")
	}
	if err := validateAttachments(req.Attachments); err != nil {
		return "", err
	}
	if chat == "" {
		chat = "default"
	}

	rec, err := d.cfg.Registry.Get(droneID)
	if err != nil {
		return "", err
	}
	if rec.HubPhase != model.PhaseReady {
		return "", model.E(model.CodeStateViolation, "drone %s is not ready (%s)", droneID, rec.HubPhase)
	}

	l := d.lane(droneID, chat)
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	id := uuid.New().String()
	now := time.Now().UTC()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", model.E(model.CodeNotFound, "drone %s not found", droneID)
	}
	l.pending = append(l.pending, model.PendingPrompt{
		ID:     id,
		At:     now,
		Prompt: model.Truncate(req.Prompt, 500),
		State:  model.StateSending,
	})
	l.prompts[id] = req.Prompt
	if len(l.pending) > 2*pendingLimit {
		dropped := l.pending[:len(l.pending)-pendingLimit]
		for _, p := range dropped {
			delete(l.prompts, p.ID)
		}
		l.pending = append([]model.PendingPrompt(nil), l.pending[len(l.pending)-pendingLimit:]...)
	}
	l.mu.Unlock()

	d.recordChat(droneID, chat)

	container := d.cfg.ContainerPrefix + rec.Name
	text, err := d.relayAttachments(ctx, container, id, req)
	if err == nil {
		session := AgentSession(chat)
		err = d.cfg.Dvm.SessionSend(ctx, container, session, text)
		if err == nil {
			err = d.cfg.Dvm.SessionType(ctx, container, session, dvm.TypeOptions{Keys: []string{"Enter"}})
		}
	}

	if err != nil {
		d.setState(l, id, model.StateFailed, err.Error())
		metrics.PromptsTotal.WithLabelValues(string(model.StateFailed)).Inc()
		d.publishEvent(droneID, chat, id, model.StateFailed)
		return id, err
	}

	d.setState(l, id, model.StateSent, "")
	metrics.PromptsTotal.WithLabelValues(string(model.StateSent)).Inc()
	d.publishEvent(droneID, chat, id, model.StateSent)
	d.ensurePolling(l)
	return id, nil
}

// Pending returns the lane's last 60 pending entries ordered by submission
// time.
func (d *Dispatcher) Pending(droneID, chat string) []model.PendingPrompt {
	if chat == "" {
		chat = "default"
	}
	l := d.lane(droneID, chat)
	l.mu.Lock()
	defer l.mu.Unlock()

	out := append([]model.PendingPrompt(nil), l.pending...)
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if len(out) > pendingLimit {
		out = out[len(out)-pendingLimit:]
	}
	return out
}

// Unstick force-completes a stuck prompt: it appends a synthetic failed
// turn to the durable transcript and drops the pending entry. Only prompts
// in sending or sent older than the unstick threshold qualify.
func (d *Dispatcher) Unstick(ctx context.Context, droneID, chat, promptID string) error {
	if chat == "" {
		chat = "default"
	}
	l := d.lane(droneID, chat)

	l.mu.Lock()
	idx := -1
	for i, p := range l.pending {
		if p.ID == promptID {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return model.E(model.CodeNotFound, "pending prompt %s not found", promptID)
	}
	entry := l.pending[idx]
	if entry.State != model.StateSending && entry.State != model.StateSent {
		l.mu.Unlock()
		return model.E(model.CodeStateViolation, "prompt %s is %s, only sending or sent prompts can be unstuck", promptID, entry.State)
	}
	if age := time.Since(entry.At); age < d.cfg.UnstickAfter {
		l.mu.Unlock()
		return model.E(model.CodeStateViolation, "prompt %s is only %s old, unstick applies after %s", promptID, age.Round(time.Second), d.cfg.UnstickAfter)
	}
	prompt := l.prompts[promptID]
	lastTurn := l.lastTurn
	l.mu.Unlock()

	turn := lastTurn
	if d.cfg.Store != nil {
		if max, err := d.cfg.Store.MaxTurn(droneID, chat); err == nil && max > turn {
			turn = max
		}
	}
	now := time.Now().UTC()
	if d.cfg.Store != nil {
		item := model.TranscriptItem{
			Turn:        turn + 1,
			PromptAt:    entry.At,
			CompletedAt: &now,
			ID:          promptID,
			Prompt:      prompt,
			Ok:          false,
			Error:       "prompt unstuck before a completion turn was observed",
		}
		if err := d.cfg.Store.UpsertTurn(droneID, chat, item); err != nil {
			return err
		}
	}

	l.mu.Lock()
	for i, p := range l.pending {
		if p.ID == promptID {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			break
		}
	}
	delete(l.prompts, promptID)
	if turn+1 > l.lastTurn {
		l.lastTurn = turn + 1
	}
	l.mu.Unlock()

	metrics.PromptsTotal.WithLabelValues("unstuck").Inc()
	d.publishEvent(droneID, chat, promptID, model.StateFailed)
	return nil
}

// Transcript returns a chat's turns, preferring the live transcript inside
// the drone and falling back to the durable mirror. Deleted drones keep
// their mirrored history readable.
func (d *Dispatcher) Transcript(ctx context.Context, droneID, chat string) ([]model.TranscriptItem, error) {
	if chat == "" {
		chat = "default"
	}
	if turns, err := d.readLive(ctx, droneID, chat); err == nil {
		return turns, nil
	}
	if d.cfg.Store == nil {
		return nil, nil
	}
	return d.cfg.Store.Turns(droneID, chat)
}

// TranscriptTurn returns one turn by number, read-through like Transcript.
func (d *Dispatcher) TranscriptTurn(ctx context.Context, droneID, chat string, turn int) (model.TranscriptItem, error) {
	turns, err := d.Transcript(ctx, droneID, chat)
	if err != nil {
		return model.TranscriptItem{}, err
	}
	for _, t := range turns {
		if t.Turn == turn {
			return t, nil
		}
	}
	if d.cfg.Store != nil {
		if t, err := d.cfg.Store.Turn(droneID, chat, turn); err == nil {
			return t, nil
		}
	}
	return model.TranscriptItem{}, model.E(model.CodeNotFound, "turn %d not found in chat %s", turn, chat)
}

// DropDrone closes a deleted drone's lanes. Pending entries are discarded;
// the mirrored transcript stays in the store.
func (d *Dispatcher) DropDrone(droneID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, l := range d.lanes {
		if key.droneID != droneID {
			continue
		}
		l.mu.Lock()
		l.closed = true
		l.pending = nil
		l.prompts = make(map[string]string)
		l.mu.Unlock()
		delete(d.lanes, key)
	}
}

// --- internals ---

func (d *Dispatcher) lane(droneID, chat string) *lane {
	key := laneKey{droneID: droneID, chat: chat}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{key: key, prompts: make(map[string]string)}
		d.lanes[key] = l
	}
	return l
}

func (d *Dispatcher) setState(l *lane, id string, state model.PendingState, errMsg string) {
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.pending {
		if l.pending[i].ID == id {
			l.pending[i].State = state
			l.pending[i].UpdatedAt = &now
			l.pending[i].Error = errMsg
			return
		}
	}
}

func (d *Dispatcher) recordChat(droneID, chat string) {
	d.cfg.Registry.Update(droneID, func(rec *model.DroneRecord) {
		for _, c := range rec.Chats {
			if c == chat {
				return
			}
		}
		rec.Chats = append(rec.Chats, chat)
	})
	if d.cfg.Store != nil {
		if err := d.cfg.Store.EnsureChat(droneID, chat); err != nil {
			d.log.Warn("recording chat failed", "drone", droneID, "chat", chat, "err", err)
		}
	}
}

// relayAttachments copies each image into the drone and appends container
// path references to the prompt text.
func (d *Dispatcher) relayAttachments(ctx context.Context, container, promptID string, req SendRequest) (string, error) {
	text := req.Prompt
	for i, a := range req.Attachments {
		tmp, err := os.CreateTemp("", "dronehub-attach-*")
		if err != nil {
			return "", fmt.Errorf("staging attachment: %w", err)
		}
		tmpName := tmp.Name()
		_, werr := tmp.Write(a.Data)
		cerr := tmp.Close()
		if werr != nil || cerr != nil {
			os.Remove(tmpName)
			return "", fmt.Errorf("staging attachment %q", a.Name)
		}

		dest := path.Join(d.cfg.AttachDir, promptID, attachmentName(i, a))
		err = d.cfg.Dvm.Copy(ctx, container, tmpName, dest, dvm.CopyOptions{})
		os.Remove(tmpName)
		if err != nil {
			return "", err
		}
		text += fmt.Sprintf("\n[image: %s]", dest)
	}
	return text, nil
}

func (d *Dispatcher) ensurePolling(l *lane) {
	l.mu.Lock()
	start := !l.polling && !l.closed
	if start {
		l.polling = true
	}
	l.mu.Unlock()
	if !start {
		return
	}
	d.wg.Add(1)
	go d.reconcileLoop(l)
}

func (d *Dispatcher) reconcileLoop(l *lane) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		if idle := d.reconcileOnce(l); idle {
			l.mu.Lock()
			if len(l.pending) == 0 || l.closed {
				l.polling = false
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
		}
	}
}

// reconcileOnce polls the drone transcript, mirrors new turns, and drops
// pending entries matched by turn id. Returns true when the lane has no
// pending work left.
func (d *Dispatcher) reconcileOnce(l *lane) bool {
	l.mu.Lock()
	if l.closed || len(l.pending) == 0 {
		l.mu.Unlock()
		return true
	}
	lastTurn := l.lastTurn
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	turns, err := d.readLive(ctx, l.key.droneID, l.key.chat)
	if err != nil {
		d.log.Debug("transcript poll failed", "drone", l.key.droneID, "chat", l.key.chat, "err", err)
		return false
	}

	seen := make(map[string]bool)
	maxTurn := lastTurn
	for _, t := range turns {
		if t.ID != "" {
			seen[t.ID] = true
		}
		if t.Turn > lastTurn && d.cfg.Store != nil {
			if err := d.cfg.Store.UpsertTurn(l.key.droneID, l.key.chat, t); err != nil {
				d.log.Warn("mirroring turn failed", "drone", l.key.droneID, "turn", t.Turn, "err", err)
			}
		}
		if t.Turn > maxTurn {
			maxTurn = t.Turn
		}
	}

	var reconciled []string
	l.mu.Lock()
	l.lastTurn = maxTurn
	kept := l.pending[:0]
	for _, p := range l.pending {
		if seen[p.ID] {
			reconciled = append(reconciled, p.ID)
			delete(l.prompts, p.ID)
			continue
		}
		kept = append(kept, p)
	}
	l.pending = kept
	empty := len(l.pending) == 0
	l.mu.Unlock()

	for _, id := range reconciled {
		metrics.PromptsTotal.WithLabelValues("reconciled").Inc()
		d.publishEvent(l.key.droneID, l.key.chat, id, model.PendingState("reconciled"))
	}
	return empty
}

// readLive reads and parses the transcript JSONL inside the drone. A
// missing transcript file is an empty transcript; a deleted drone is an
// error so callers fall back to the mirror.
func (d *Dispatcher) readLive(ctx context.Context, droneID, chat string) ([]model.TranscriptItem, error) {
	rec, err := d.cfg.Registry.Get(droneID)
	if err != nil {
		return nil, err
	}
	container := d.cfg.ContainerPrefix + rec.Name
	file := path.Join(d.cfg.ChatsDir, chat, "transcript.jsonl")
	res, err := d.cfg.Dvm.Exec(ctx, container, "cat", []string{file}, dvm.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, nil
	}

	var turns []model.TranscriptItem
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var t model.TranscriptItem
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Turn < turns[j].Turn })
	return turns, nil
}

type promptEvent struct {
	Chat     string             `json:"chat"`
	PromptID string             `json:"promptId"`
	State    model.PendingState `json:"state"`
}

func (d *Dispatcher) publishEvent(droneID, chat, promptID string, state model.PendingState) {
	data, _ := json.Marshal(promptEvent{Chat: chat, PromptID: promptID, State: state})
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(eventbus.Event{DroneID: droneID, Type: eventbus.TypePrompt, Data: string(data)})
	}
	if d.cfg.Store != nil {
		if err := d.cfg.Store.AddEvent(&sqlite.Event{DroneID: droneID, Type: eventbus.TypePrompt, Data: string(data)}); err != nil {
			d.log.Warn("persisting prompt event failed", "drone", droneID, "err", err)
		}
	}
}

// --- attachment policy ---

var imageExts = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
	"bmp": true, "svg": true, "avif": true, "tiff": true,
}

func validateAttachments(atts []model.Attachment) error {
	if len(atts) > maxAttachments {
		return errValidation("too many attachments: %d (max %d)", len(atts), maxAttachments)
	}
	total := 0
	for _, a := range atts {
		if !isImage(a) {
			return errValidation("attachment %q is not an image", a.Name)
		}
		if len(a.Data) == 0 {
			return errValidation("attachment %q is empty", a.Name)
		}
		if len(a.Data) > maxAttachmentBytes {
			return errValidation("attachment %q exceeds %d MiB", a.Name, maxAttachmentBytes>>20)
		}
		total += len(a.Data)
	}
	if total > maxTotalBytes {
		return errValidation("attachments exceed %d MiB total", maxTotalBytes>>20)
	}
	return nil
}

func isImage(a model.Attachment) bool {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Mime)), "image/") {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(a.Name), "."))
	return imageExts[ext]
}

func attachmentName(i int, a model.Attachment) string {
	base := filepath.Base(strings.TrimSpace(a.Name))
	if base == "" || base == "." || base == ".." || base == "/" {
		ext := "png"
		if _, sub, ok := strings.Cut(strings.ToLower(a.Mime), "/"); ok && imageExts[sub] {
			ext = sub
		}
		base = fmt.Sprintf("image-%d.%s", i+1, ext)
	}
	return base
}
