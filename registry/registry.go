// Package registry is the durable source of truth for drone and repo
// records. All reads hand out deep copies; mutations persist a JSON snapshot
// atomically before they commit, so a crash never leaves the file half
// written or ahead of memory.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerfZael/dronehub/internal/metrics"
	"github.com/nerfZael/dronehub/model"
	"github.com/nerfZael/dronehub/pkg/names"
)

const snapshotVersion = 1

// Snapshot is the on-disk shape of the registry file.
type Snapshot struct {
	Version int                 `json:"version"`
	Drones  []model.DroneRecord `json:"drones"`
	Repos   []model.RepoRecord  `json:"repos"`
}

// Config configures a Registry.
type Config struct {
	// Path is the snapshot file. Its directory must exist.
	Path string
	// FlushTimeout bounds one snapshot write. Default 15s.
	FlushTimeout time.Duration
	// Logger for registry logging. nil falls back to slog.Default.
	Logger *slog.Logger
}

// Registry holds the live drone and repo records.
type Registry struct {
	mu     sync.RWMutex
	drones map[string]*model.DroneRecord
	repos  map[string]*model.RepoRecord

	path         string
	flushTimeout time.Duration
	log          *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Registry, loading the snapshot at cfg.Path when one exists.
// Busy flags do not survive a restart; no mutation can be in flight anymore.
func New(cfg Config) (*Registry, error) {
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		drones:       make(map[string]*model.DroneRecord),
		repos:        make(map[string]*model.RepoRecord),
		path:         cfg.Path,
		flushTimeout: cfg.FlushTimeout,
		log:          cfg.Logger,
		locks:        make(map[string]*sync.Mutex),
	}

	data, err := os.ReadFile(cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", cfg.Path, err)
	}
	for i := range snap.Drones {
		d := snap.Drones[i]
		d.Busy = false
		r.drones[d.ID] = &d
	}
	for i := range snap.Repos {
		rec := snap.Repos[i]
		r.repos[rec.Path] = &rec
	}
	r.updatePhaseGaugeLocked()
	r.log.Info("loaded registry snapshot", "drones", len(r.drones), "repos", len(r.repos))
	return r, nil
}

// --- reads ---

// List returns copies of all drone records, oldest first.
func (r *Registry) List() []model.DroneRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.DroneRecord, 0, len(r.drones))
	for _, d := range r.drones {
		out = append(out, cloneDrone(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of one drone record.
func (r *Registry) Get(id string) (model.DroneRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drones[id]
	if !ok {
		return model.DroneRecord{}, model.E(model.CodeNotFound, "drone %s not found", id)
	}
	return cloneDrone(d), nil
}

// GetByName returns a copy of the drone with the given display name.
func (r *Registry) GetByName(name string) (model.DroneRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.drones {
		if d.Name == name {
			return cloneDrone(d), nil
		}
	}
	return model.DroneRecord{}, model.E(model.CodeNotFound, "drone named %q not found", name)
}

// --- mutations ---

// InsertSpec describes a new drone slot.
type InsertSpec struct {
	Name          string
	Group         string
	RepoPath      string
	ContainerPort int
}

// InsertStarting reserves a slot for a new drone in phase creating. An
// empty name defaults to the id; the auto-namer upgrades it once a prompt
// arrives.
func (r *Registry) InsertStarting(spec InsertSpec) (model.DroneRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Name != "" {
		if err := names.Validate(spec.Name); err != nil {
			return model.DroneRecord{}, model.E(model.CodeInvalidName, "invalid name: %v", err)
		}
		if r.nameTakenLocked(spec.Name, "") {
			return model.DroneRecord{}, model.E(model.CodeNameConflict, "a drone named %q already exists", spec.Name)
		}
	}

	id := uuid.New().String()[:8]
	name := spec.Name
	if name == "" {
		name = id
	}
	d := &model.DroneRecord{
		ID:            id,
		Name:          name,
		Group:         spec.Group,
		CreatedAt:     time.Now().UTC(),
		RepoPath:      spec.RepoPath,
		ContainerPort: spec.ContainerPort,
		StatusOk:      true,
		Chats:         []string{"default"},
		HubPhase:      model.PhaseCreating,
	}
	r.drones[id] = d
	if err := r.persistLocked(); err != nil {
		delete(r.drones, id)
		return model.DroneRecord{}, err
	}
	return cloneDrone(d), nil
}

// TransitionOpts carry the status fields updated alongside a phase change.
type TransitionOpts struct {
	HubMessage  string
	StatusError string
}

// Transition moves a drone along a legal phase edge. An illegal edge fails
// with state_violation and changes nothing. Entering error records the
// message and clears StatusOk.
func (r *Registry) Transition(id string, next model.HubPhase, opts TransitionOpts) (model.DroneRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drones[id]
	if !ok {
		return model.DroneRecord{}, model.E(model.CodeNotFound, "drone %s not found", id)
	}
	if !d.HubPhase.CanTransition(next) {
		return model.DroneRecord{}, model.E(model.CodeStateViolation, "cannot transition %s from %s to %s", id, d.HubPhase, next)
	}

	prev := *d
	d.HubPhase = next
	d.HubMessage = opts.HubMessage
	if next == model.PhaseError {
		d.StatusOk = false
		if opts.StatusError != "" {
			d.StatusError = opts.StatusError
		} else if opts.HubMessage != "" {
			d.StatusError = opts.HubMessage
		}
	} else {
		d.StatusOk = true
		d.StatusError = ""
	}
	if err := r.persistLocked(); err != nil {
		*d = prev
		return model.DroneRecord{}, err
	}
	r.updatePhaseGaugeLocked()
	return cloneDrone(d), nil
}

// Rename changes a drone's display name, enforcing validity and uniqueness.
func (r *Registry) Rename(id, newName string) (model.DroneRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drones[id]
	if !ok {
		return model.DroneRecord{}, model.E(model.CodeNotFound, "drone %s not found", id)
	}
	if err := names.Validate(newName); err != nil {
		return model.DroneRecord{}, model.E(model.CodeInvalidName, "invalid name: %v", err)
	}
	if r.nameTakenLocked(newName, id) {
		return model.DroneRecord{}, model.E(model.CodeNameConflict, "a drone named %q already exists", newName)
	}

	prev := d.Name
	d.Name = newName
	if err := r.persistLocked(); err != nil {
		d.Name = prev
		return model.DroneRecord{}, err
	}
	return cloneDrone(d), nil
}

// Update applies fn to a drone record and persists. Phase edges belong to
// Transition; any phase change made by fn is discarded.
func (r *Registry) Update(id string, fn func(*model.DroneRecord)) (model.DroneRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drones[id]
	if !ok {
		return model.DroneRecord{}, model.E(model.CodeNotFound, "drone %s not found", id)
	}
	prev := cloneDrone(d)
	fn(d)
	d.HubPhase = prev.HubPhase
	if err := r.persistLocked(); err != nil {
		*d = prev
		return model.DroneRecord{}, err
	}
	return cloneDrone(d), nil
}

// SetBusy flips the busy flag that guards overlapping lifecycle mutations.
func (r *Registry) SetBusy(id string, busy bool) (model.DroneRecord, error) {
	return r.Update(id, func(d *model.DroneRecord) { d.Busy = busy })
}

// Remove deletes a drone record and its per-id lock.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drones[id]
	if !ok {
		return model.E(model.CodeNotFound, "drone %s not found", id)
	}
	delete(r.drones, id)
	if err := r.persistLocked(); err != nil {
		r.drones[id] = d
		return err
	}
	r.updatePhaseGaugeLocked()

	r.locksMu.Lock()
	delete(r.locks, id)
	r.locksMu.Unlock()
	return nil
}

// WithLock serialises per-drone mutations. Every lifecycle operation runs
// inside it; reads never need it.
func (r *Registry) WithLock(id string, fn func() error) error {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

// --- repo records ---

// AddRepo registers a host repository. The path is canonicalised; adding the
// same path twice returns the existing record.
func (r *Registry) AddRepo(path string, remoteURL string, gh *model.GitHubRepo) (model.RepoRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.RepoRecord{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.repos[abs]; ok {
		return cloneRepo(existing), nil
	}
	rec := &model.RepoRecord{
		Path:      abs,
		AddedAt:   time.Now().UTC(),
		RemoteURL: remoteURL,
	}
	if gh != nil {
		g := *gh
		rec.GitHub = &g
	}
	r.repos[abs] = rec
	if err := r.persistLocked(); err != nil {
		delete(r.repos, abs)
		return model.RepoRecord{}, err
	}
	return cloneRepo(rec), nil
}

// GetRepo returns the repo record for a canonical path.
func (r *Registry) GetRepo(path string) (model.RepoRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.RepoRecord{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.repos[filepath.Clean(abs)]
	if !ok {
		return model.RepoRecord{}, model.E(model.CodeNotFound, "repo %s not registered", path)
	}
	return cloneRepo(rec), nil
}

// ListRepos returns copies of all repo records, oldest first.
func (r *Registry) ListRepos() []model.RepoRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RepoRecord, 0, len(r.repos))
	for _, rec := range r.repos {
		out = append(out, cloneRepo(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Flush forces a snapshot write. Used on graceful shutdown.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

// --- internals ---

func (r *Registry) nameTakenLocked(name, exceptID string) bool {
	for _, d := range r.drones {
		if d.ID != exceptID && d.Name == name {
			return true
		}
	}
	return false
}

func (r *Registry) persistLocked() error {
	snap := Snapshot{Version: snapshotVersion}
	for _, d := range r.drones {
		snap.Drones = append(snap.Drones, cloneDrone(d))
	}
	sort.Slice(snap.Drones, func(i, j int) bool { return snap.Drones[i].ID < snap.Drones[j].ID })
	for _, rec := range r.repos {
		snap.Repos = append(snap.Repos, cloneRepo(rec))
	}
	sort.Slice(snap.Repos, func(i, j int) bool { return snap.Repos[i].Path < snap.Repos[j].Path })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- writeFileAtomic(r.path, data) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		return nil
	case <-time.After(r.flushTimeout):
		return model.E(model.CodeTimeout, "registry snapshot flush exceeded %s", r.flushTimeout)
	}
}

// writeFileAtomic writes data via a temp file in the target directory,
// fsyncs, then renames over the destination.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (r *Registry) updatePhaseGaugeLocked() {
	counts := make(map[model.HubPhase]int)
	for _, d := range r.drones {
		counts[d.HubPhase]++
	}
	for _, p := range []model.HubPhase{model.PhaseCreating, model.PhaseStarting, model.PhaseSeeding, model.PhaseReady, model.PhaseError} {
		metrics.DronesByPhase.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}

func cloneDrone(d *model.DroneRecord) model.DroneRecord {
	c := *d
	c.Chats = append([]string(nil), d.Chats...)
	if d.HostPort != nil {
		hp := *d.HostPort
		c.HostPort = &hp
	}
	return c
}

func cloneRepo(rec *model.RepoRecord) model.RepoRecord {
	c := *rec
	if rec.GitHub != nil {
		g := *rec.GitHub
		c.GitHub = &g
	}
	return c
}
