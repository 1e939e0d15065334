// Package engine is the drone lifecycle orchestrator. It owns every phase
// transition in the registry: queueing new drones through the create
// pipeline, deleting, renaming, cloning, committing base images, and
// reconciling registry state against the container engine after a hub
// restart. Other packages read the registry; only this one moves drones
// between phases.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/eventbus"
	"github.com/nerfZael/dronehub/gitsync"
	"github.com/nerfZael/dronehub/internal/metrics"
	"github.com/nerfZael/dronehub/internal/namer"
	"github.com/nerfZael/dronehub/internal/notify"
	"github.com/nerfZael/dronehub/model"
	"github.com/nerfZael/dronehub/pkg/names"
	"github.com/nerfZael/dronehub/prompt"
	"github.com/nerfZael/dronehub/registry"
	"github.com/nerfZael/dronehub/store/sqlite"
	"github.com/nerfZael/dronehub/terminal"
)

// archiveTimeout bounds the chat snapshot tar/untar during a clone.
const archiveTimeout = 2 * time.Minute

// Config carries the engine's tunables. Zero-value fields get defaults.
type Config struct {
	// ContainerPrefix joined with a drone's display name addresses its
	// container. Renames move the container along with the record.
	ContainerPrefix string
	// ChatsDir is the container directory holding per-chat agent state.
	// Clones with includeChats carry it across.
	ChatsDir string
	// AgentCommand and AgentArgs launch a chat's agent session when the
	// queue spec does not name an agent.
	AgentCommand string
	AgentArgs    []string
	// DefaultContainerPort is recorded on new drones as the preferred
	// preview port.
	DefaultContainerPort int
	// BaseImageTimeout bounds SetBaseImage. Default 10m.
	BaseImageTimeout time.Duration
	// GCSchedule is the cron spec for the orphan sweep. Default "@every 30m".
	GCSchedule string
	// GCErrorTTL is how long an errored drone without a container survives
	// before the sweep removes it. Default 24h.
	GCErrorTTL time.Duration
	// Logger for lifecycle logging. nil falls back to slog.Default.
	Logger *slog.Logger
}

// Engine orchestrates drone lifecycles.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	registry *registry.Registry
	bus      *eventbus.Bus
	dvm      *dvm.Client
	git      *gitsync.Engine
	store    *sqlite.Store

	// Optional collaborators (nil when not configured).
	namer     *namer.Namer
	notifier  *notify.Notifier
	prompts   *prompt.Dispatcher
	terminals *terminal.Hub

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine with its required collaborators. Optional pieces
// (namer, notifier, prompt dispatcher, terminal hub) attach via Set*.
func New(cfg Config, reg *registry.Registry, bus *eventbus.Bus, client *dvm.Client, git *gitsync.Engine, st *sqlite.Store) *Engine {
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = "drone-"
	}
	if cfg.ChatsDir == "" {
		cfg.ChatsDir = "/workspace/.dronehub/chats"
	}
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "drone-agent"
	}
	if cfg.DefaultContainerPort == 0 {
		cfg.DefaultContainerPort = 7777
	}
	if cfg.BaseImageTimeout == 0 {
		cfg.BaseImageTimeout = 10 * time.Minute
	}
	if cfg.GCSchedule == "" {
		cfg.GCSchedule = "@every 30m"
	}
	if cfg.GCErrorTTL == 0 {
		cfg.GCErrorTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: reg,
		bus:      bus,
		dvm:      client,
		git:      git,
		store:    st,
	}
}

// SetNamer enables LLM name drafting for unnamed drones with a seed prompt.
func (e *Engine) SetNamer(n *namer.Namer) { e.namer = n }

// SetNotifier enables Slack notifications for ready/error/deleted.
func (e *Engine) SetNotifier(n *notify.Notifier) { e.notifier = n }

// SetPrompts wires the dispatcher used for seed prompts and torn down on
// delete.
func (e *Engine) SetPrompts(d *prompt.Dispatcher) { e.prompts = d }

// SetTerminals wires the terminal hub torn down on delete.
func (e *Engine) SetTerminals(h *terminal.Hub) { e.terminals = h }

// Start launches background work: the startup reconciliation pass and the
// registry GC cron. Call Stop to shut down.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	c := cron.New()
	if _, err := c.AddFunc(e.cfg.GCSchedule, e.gcSweep); err != nil {
		return fmt.Errorf("parsing gc schedule %q: %w", e.cfg.GCSchedule, err)
	}
	c.Start()
	e.cron = c

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Restore(e.ctx); err != nil {
			e.log.Error("restoring registry state", "err", err)
		}
	}()
	return nil
}

// Stop cancels in-flight work and waits for background goroutines.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.wg.Wait()
}

// lifetime returns the engine-scoped context. Lifecycle work outlives the
// HTTP request that triggered it.
func (e *Engine) lifetime() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// container derives the engine container name from a drone's display
// name. Renames propagate to the engine via dvm rename, so the mapping
// holds across name changes.
func (e *Engine) container(name string) string {
	return e.cfg.ContainerPrefix + name
}

// provisionJob carries clone-only extras through the create pipeline.
type provisionJob struct {
	baseRef  string // seed at this commit instead of host HEAD
	chatsTar string // host tarball of the source's chats directory
	copyFrom string // source drone whose store rows are duplicated
}

// Queue admits a batch of drones. Each spec is reserved in the registry and
// its container created before the batch returns; the rest of the pipeline
// (seed, agent session, seed prompt, ready) runs in the background.
// Acceptance does not mean ready; callers poll the registry. Entries
// correlate to inputs by name.
func (e *Engine) Queue(specs []model.QueueSpec) model.QueueResult {
	type slot struct {
		ack *model.QueueAck
		rej *model.QueueRejection
	}
	slots := make([]slot, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec model.QueueSpec) {
			defer wg.Done()
			ack, rej := e.admit(spec, provisionJob{})
			slots[i] = slot{ack: ack, rej: rej}
		}(i, spec)
	}
	wg.Wait()

	res := model.QueueResult{
		Accepted: []model.QueueAck{},
		Rejected: []model.QueueRejection{},
	}
	for _, s := range slots {
		switch {
		case s.ack != nil:
			metrics.EngineOps.WithLabelValues("queue", "accepted").Inc()
			res.Accepted = append(res.Accepted, *s.ack)
		case s.rej != nil:
			metrics.EngineOps.WithLabelValues("queue", "rejected").Inc()
			res.Rejected = append(res.Rejected, *s.rej)
		}
	}
	return res
}

// admit runs the synchronous head of the create pipeline: reserve a slot,
// create the container. A create failure leaves the errored record in place
// (the GC sweep collects it) and reports a rejection. On success the rest
// of the pipeline is handed to a background goroutine.
func (e *Engine) admit(spec model.QueueSpec, job provisionJob) (*model.QueueAck, *model.QueueRejection) {
	reject := func(err error) *model.QueueRejection {
		return &model.QueueRejection{Name: spec.Name, Error: err.Error(), Code: model.CodeOf(err)}
	}

	rec, err := e.registry.InsertStarting(registry.InsertSpec{
		Name:          spec.Name,
		Group:         spec.Group,
		RepoPath:      spec.RepoPath,
		ContainerPort: e.cfg.DefaultContainerPort,
	})
	if err != nil {
		return nil, reject(err)
	}
	e.emit(rec.ID, eventbus.TypePhase, string(model.PhaseCreating))
	e.log.Info("drone admitted", "drone", rec.ID, "name", rec.Name)

	if _, err := e.registry.SetBusy(rec.ID, true); err != nil {
		e.log.Warn("marking drone busy", "drone", rec.ID, "err", err)
	}

	container := e.container(rec.Name)
	createErr := e.registry.WithLock(rec.ID, func() error {
		return e.dvm.Create(e.lifetime(), container, buildArgs(spec.Build)...)
	})
	if createErr != nil {
		e.fail(rec.ID, "creating container %s: %v", container, createErr)
		if _, err := e.registry.SetBusy(rec.ID, false); err != nil {
			e.log.Warn("clearing busy flag", "drone", rec.ID, "err", err)
		}
		return nil, reject(createErr)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.provision(rec.ID, spec, job)
	}()

	return &model.QueueAck{Name: rec.Name, ID: rec.ID}, nil
}

// buildArgs splits the queue spec's free-form build string into engine
// create arguments.
func buildArgs(build string) []string {
	return strings.Fields(build)
}

func seedChat(spec model.QueueSpec) string {
	if spec.SeedChat != "" {
		return spec.SeedChat
	}
	return "default"
}

// provision walks an admitted drone from starting to ready: seed the repo,
// restore cloned chats, start the agent session, then dispatch the seed
// prompt. A failure at any step lands the drone in error with the container
// preserved for inspection.
func (e *Engine) provision(id string, spec model.QueueSpec, job provisionJob) {
	if job.chatsTar != "" {
		defer os.Remove(job.chatsTar)
	}
	ctx := e.lifetime()

	err := e.registry.WithLock(id, func() error {
		rec, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		container := e.container(rec.Name)

		if _, err := e.transition(id, model.PhaseStarting, ""); err != nil {
			return err
		}
		if _, err := e.transition(id, model.PhaseSeeding, ""); err != nil {
			return err
		}

		if spec.RepoPath != "" {
			baseSha, err := e.git.Seed(ctx, container, gitsync.SeedSpec{
				HostPath: spec.RepoPath,
				BaseRef:  job.baseRef,
			})
			if err != nil {
				return fmt.Errorf("seeding repo: %w", err)
			}
			if _, err := e.registry.Update(id, func(d *model.DroneRecord) { d.RepoAttached = true }); err != nil {
				return err
			}
			e.log.Info("drone seeded", "drone", id, "baseSha", baseSha)
		}
		if job.chatsTar != "" {
			if err := e.restoreChats(ctx, container, job.chatsTar); err != nil {
				return fmt.Errorf("restoring chats: %w", err)
			}
		}

		chat := seedChat(spec)
		if err := e.startAgent(ctx, container, chat, spec.SeedAgent, spec.SeedModel); err != nil {
			return fmt.Errorf("starting agent session: %w", err)
		}
		e.recordChat(id, chat)
		if job.copyFrom != "" {
			if err := e.store.CopyDrone(job.copyFrom, id); err != nil {
				e.log.Warn("copying chat history", "drone", id, "src", job.copyFrom, "err", err)
			}
		}

		ready, err := e.transition(id, model.PhaseReady, "")
		if err != nil {
			return err
		}
		e.observePorts(ctx, ready)
		e.notifier.DroneReady(ready)
		e.log.Info("drone ready", "drone", id, "name", ready.Name)
		return nil
	})
	if err != nil {
		e.fail(id, "%v", err)
	}
	if _, berr := e.registry.SetBusy(id, false); berr != nil && !model.IsCode(berr, model.CodeNotFound) {
		e.log.Warn("clearing busy flag", "drone", id, "err", berr)
	}
	if err == nil && spec.SeedPrompt != "" {
		e.seedPrompt(id, spec)
	}
}

// seedPrompt drafts a display name for unnamed drones and dispatches the
// queue spec's first prompt. Both halves are best-effort; the drone is
// already ready.
func (e *Engine) seedPrompt(id string, spec model.QueueSpec) {
	ctx := e.lifetime()

	if spec.Name == "" {
		taken := func(name string) bool {
			_, err := e.registry.GetByName(name)
			return err == nil
		}
		if name := e.namer.Draft(ctx, spec.SeedPrompt, taken); name != "" {
			if _, err := e.Rename(ctx, id, name, false); err != nil {
				e.log.Warn("applying drafted name", "drone", id, "name", name, "err", err)
			} else {
				e.log.Info("drone auto-named", "drone", id, "name", name)
			}
		}
	}

	if e.prompts == nil {
		return
	}
	if _, err := e.prompts.Send(ctx, id, seedChat(spec), prompt.SendRequest{Prompt: spec.SeedPrompt}); err != nil {
		e.log.Warn("dispatching seed prompt", "drone", id, "err", err)
	}
}

// startAgent ensures the chat's agent session is running. The queue spec's
// agent and model override the configured defaults; reuse keeps an existing
// session, and the agent inside it, untouched.
func (e *Engine) startAgent(ctx context.Context, container, chat, agent, agentModel string) error {
	cmd := e.cfg.AgentCommand
	if agent != "" {
		cmd = agent
	}
	args := append([]string(nil), e.cfg.AgentArgs...)
	if agentModel != "" {
		args = append(args, "--model", agentModel)
	}
	return e.dvm.SessionStart(ctx, container, prompt.AgentSession(chat), cmd, args, true)
}

// recordChat mirrors a chat's existence into the drone record and the store.
func (e *Engine) recordChat(id, chat string) {
	if _, err := e.registry.Update(id, func(d *model.DroneRecord) {
		for _, c := range d.Chats {
			if c == chat {
				return
			}
		}
		d.Chats = append(d.Chats, chat)
	}); err != nil {
		e.log.Warn("recording chat", "drone", id, "chat", chat, "err", err)
	}
	if err := e.store.EnsureChat(id, chat); err != nil {
		e.log.Warn("recording chat row", "drone", id, "chat", chat, "err", err)
	}
}

// observePorts records the published host port for the drone's preferred
// container port, when the engine reports one.
func (e *Engine) observePorts(ctx context.Context, rec model.DroneRecord) {
	mappings, err := e.dvm.Ports(ctx, e.container(rec.Name))
	if err != nil {
		e.log.Debug("reading drone ports", "drone", rec.ID, "err", err)
		return
	}
	for _, m := range mappings {
		if m.ContainerPort == rec.ContainerPort {
			hostPort := m.HostPort
			if _, err := e.registry.Update(rec.ID, func(d *model.DroneRecord) { d.HostPort = &hostPort }); err != nil {
				e.log.Warn("recording host port", "drone", rec.ID, "err", err)
			}
			return
		}
	}
}

// Delete removes a drone's container and registry record. Unknown ids are
// no-ops so clients may repeat deletes; an in-flight lifecycle operation
// refuses with state_violation. A remove failure leaves the record (and its
// phase) untouched with busy cleared.
func (e *Engine) Delete(ctx context.Context, id string) error {
	err := e.registry.WithLock(id, func() error {
		rec, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		if rec.Busy {
			return model.E(model.CodeStateViolation, "drone %s has a lifecycle operation in flight", id)
		}
		if _, err := e.registry.SetBusy(id, true); err != nil {
			return err
		}

		container := e.container(rec.Name)
		if rmErr := e.dvm.Remove(ctx, container, dvm.RemoveOptions{}); rmErr != nil {
			if e.containerExists(ctx, container) {
				if _, err := e.registry.SetBusy(id, false); err != nil {
					e.log.Warn("clearing busy flag", "drone", id, "err", err)
				}
				return rmErr
			}
			// Container already gone; create failures and manual rm land here.
			e.log.Debug("removing absent container", "drone", id, "err", rmErr)
		}

		if err := e.registry.Remove(id); err != nil {
			return err
		}
		e.emit(id, eventbus.TypeDeleted, rec.Name)
		e.dropDrone(id)
		e.notifier.DroneDeleted(rec)
		e.log.Info("drone deleted", "drone", id, "name", rec.Name)
		return nil
	})
	if err != nil {
		if model.IsCode(err, model.CodeNotFound) {
			return nil
		}
		metrics.EngineOps.WithLabelValues("delete", "error").Inc()
		return err
	}
	metrics.EngineOps.WithLabelValues("delete", "ok").Inc()
	return nil
}

// dropDrone tears down everything keyed by a removed drone id.
func (e *Engine) dropDrone(id string) {
	e.bus.DropDrone(id)
	if e.prompts != nil {
		e.prompts.DropDrone(id)
	}
	if e.terminals != nil {
		e.terminals.DropDrone(id)
	}
	if err := e.store.DeleteDrone(id); err != nil {
		e.log.Warn("deleting drone chat rows", "drone", id, "err", err)
	}
}

// containerExists checks the engine's container list. On a listing failure
// it reports true so the caller's original error stands.
func (e *Engine) containerExists(ctx context.Context, name string) bool {
	listed, err := e.dvm.Ls(ctx)
	if err != nil {
		return true
	}
	for _, n := range listed {
		if n == name {
			return true
		}
	}
	return false
}

// Rename changes a drone's display name and renames the container to
// match, preserving its run state. migrateVolume additionally renames the
// engine volume so it keeps following the container. Refused while the
// drone is starting or seeding, or while another lifecycle operation is in
// flight. A container rename failure rolls the registry back, so record
// and container never disagree.
func (e *Engine) Rename(ctx context.Context, id, newName string, migrateVolume bool) (model.DroneRecord, error) {
	var out model.DroneRecord
	err := e.registry.WithLock(id, func() error {
		rec, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		if rec.Busy {
			return model.E(model.CodeStateViolation, "drone %s has a lifecycle operation in flight", id)
		}
		if rec.HubPhase == model.PhaseStarting || rec.HubPhase == model.PhaseSeeding {
			return model.E(model.CodeStateViolation, "cannot rename drone %s while %s", id, rec.HubPhase)
		}
		out, err = e.registry.Rename(id, newName)
		if err != nil || out.Name == rec.Name {
			return err
		}
		err = e.dvm.Rename(ctx, e.container(rec.Name), e.container(out.Name), dvm.RenameOptions{
			StartMode:         dvm.StartPreserve,
			MigrateVolumeName: migrateVolume,
		})
		if err != nil {
			if _, rbErr := e.registry.Rename(id, rec.Name); rbErr != nil {
				e.log.Error("rolling back rename", "drone", id, "name", rec.Name, "err", rbErr)
			}
			return fmt.Errorf("renaming container: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.EngineOps.WithLabelValues("rename", "error").Inc()
		return model.DroneRecord{}, err
	}
	metrics.EngineOps.WithLabelValues("rename", "ok").Inc()
	e.log.Info("drone renamed", "drone", id, "name", out.Name)
	return out, nil
}

// Clone creates a new drone from a ready source: same repo, seeded at the
// source's recorded base sha, optionally carrying the source's chats
// directory and chat history. Returns the new drone's record; callers poll
// the registry for readiness.
func (e *Engine) Clone(srcID string, includeChats bool) (model.DroneRecord, error) {
	ctx := e.lifetime()

	var (
		src model.DroneRecord
		job provisionJob
	)
	err := e.registry.WithLock(srcID, func() error {
		var err error
		src, err = e.registry.Get(srcID)
		if err != nil {
			return err
		}
		if src.Busy {
			return model.E(model.CodeStateViolation, "drone %s has a lifecycle operation in flight", srcID)
		}
		if src.HubPhase != model.PhaseReady {
			return model.E(model.CodeStateViolation, "drone %s is not ready (%s)", srcID, src.HubPhase)
		}
		container := e.container(src.Name)
		if src.RepoPath != "" {
			base, err := e.dvm.RepoBaseSha(ctx, container, e.git.RepoDest())
			if err != nil {
				return fmt.Errorf("reading base sha: %w", err)
			}
			job.baseRef = base
		}
		if includeChats {
			tar, err := e.snapshotChats(ctx, container)
			if err != nil {
				return fmt.Errorf("snapshotting chats: %w", err)
			}
			job.chatsTar = tar
			job.copyFrom = srcID
		}
		return nil
	})
	if err != nil {
		metrics.EngineOps.WithLabelValues("clone", "error").Inc()
		return model.DroneRecord{}, err
	}

	spec := model.QueueSpec{
		Name:     e.cloneName(src.Name),
		Group:    src.Group,
		RepoPath: src.RepoPath,
	}
	ack, rej := e.admit(spec, job)
	if rej != nil {
		if job.chatsTar != "" {
			os.Remove(job.chatsTar)
		}
		metrics.EngineOps.WithLabelValues("clone", "error").Inc()
		return model.DroneRecord{}, model.E(rej.Code, "%s", rej.Error)
	}
	metrics.EngineOps.WithLabelValues("clone", "ok").Inc()
	return e.registry.Get(ack.ID)
}

// cloneName derives the clone's display name from the source's, falling
// back to the default drone-<id> name when taken or too long.
func (e *Engine) cloneName(srcName string) string {
	candidate := srcName + "-clone"
	if names.Validate(candidate) != nil {
		return ""
	}
	if _, err := e.registry.GetByName(candidate); err == nil {
		return ""
	}
	return candidate
}

// snapshotChats tars the drone's chats directory to a host temp file via
// the engine. Returns "" when the drone has no chats directory yet.
func (e *Engine) snapshotChats(ctx context.Context, container string) (string, error) {
	dir := path.Clean(e.cfg.ChatsDir)
	res, err := e.dvm.Exec(ctx, container, "test", []string{"-d", dir}, dvm.ExecOptions{})
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", nil
	}

	// Exec output is text; base64 keeps the tarball intact in transit.
	res, err = e.dvm.Exec(ctx, container, "sh", []string{"-c",
		fmt.Sprintf("tar -czf - -C %s %s | base64", path.Dir(dir), path.Base(dir)),
	}, dvm.ExecOptions{Timeout: archiveTimeout})
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", model.E(model.CodeEngineFailure, "archiving %s: %s", dir, model.TrimTail(res.Stderr, 2048))
	}
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(res.Stdout), ""))
	if err != nil {
		return "", fmt.Errorf("decoding chats archive: %w", err)
	}

	f, err := os.CreateTemp("", "dronehub-chats-*.tgz")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// restoreChats unpacks a chats snapshot into a freshly seeded drone.
func (e *Engine) restoreChats(ctx context.Context, container, tarPath string) error {
	dest := "/tmp/" + filepath.Base(tarPath)
	if err := e.dvm.Copy(ctx, container, tarPath, dest, dvm.CopyOptions{}); err != nil {
		return err
	}
	parent := path.Dir(path.Clean(e.cfg.ChatsDir))
	res, err := e.dvm.Exec(ctx, container, "sh", []string{"-c",
		fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s && rm -f %s", parent, dest, parent, dest),
	}, dvm.ExecOptions{Timeout: archiveTimeout})
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return model.E(model.CodeEngineFailure, "unpacking chats archive: %s", model.TrimTail(res.Stderr, 2048))
	}
	return nil
}

// SetBaseImage commits the drone's current container state as its new base
// image and returns the tag. The drone must be ready; the call blocks for
// up to BaseImageTimeout.
func (e *Engine) SetBaseImage(ctx context.Context, id string) (string, error) {
	var tag string
	err := e.registry.WithLock(id, func() error {
		rec, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		if rec.Busy {
			return model.E(model.CodeStateViolation, "drone %s has a lifecycle operation in flight", id)
		}
		if rec.HubPhase != model.PhaseReady {
			return model.E(model.CodeStateViolation, "drone %s is not ready (%s)", id, rec.HubPhase)
		}
		if _, err := e.registry.SetBusy(id, true); err != nil {
			return err
		}
		defer func() {
			if _, err := e.registry.SetBusy(id, false); err != nil {
				e.log.Warn("clearing busy flag", "drone", id, "err", err)
			}
		}()

		tag, err = e.dvm.BaseSet(ctx, e.container(rec.Name), e.cfg.BaseImageTimeout)
		return err
	})
	if err != nil {
		metrics.EngineOps.WithLabelValues("base_image", "error").Inc()
		return "", err
	}
	metrics.EngineOps.WithLabelValues("base_image", "ok").Inc()
	e.log.Info("base image committed", "drone", id, "tag", tag)
	return tag, nil
}

// Restore reconciles the registry against the container engine after a hub
// restart: ready drones whose containers survived are walked back to ready
// with their agent sessions restarted; drones caught mid-pipeline, or whose
// containers are gone, land in error. Stale busy flags are cleared.
func (e *Engine) Restore(ctx context.Context) error {
	containers, err := e.dvm.Ls(ctx)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	have := make(map[string]bool, len(containers))
	for _, name := range containers {
		have[name] = true
	}

	known := make(map[string]bool)
	for _, rec := range e.registry.List() {
		known[e.container(rec.Name)] = true
		if rec.Busy {
			// No operation can be in flight at boot.
			if _, err := e.registry.SetBusy(rec.ID, false); err != nil {
				e.log.Warn("clearing stale busy flag", "drone", rec.ID, "err", err)
			}
		}
		switch rec.HubPhase {
		case model.PhaseReady:
			if !have[e.container(rec.Name)] {
				e.fail(rec.ID, "container %s missing after hub restart", e.container(rec.Name))
				continue
			}
			e.readopt(ctx, rec)
		case model.PhaseCreating, model.PhaseStarting, model.PhaseSeeding:
			e.fail(rec.ID, "hub restarted while drone was %s", rec.HubPhase)
		case model.PhaseError:
			// Stays put; the GC sweep collects abandoned ones.
		}
	}

	for _, name := range containers {
		if strings.HasPrefix(name, e.cfg.ContainerPrefix) && !known[name] {
			e.log.Warn("container has no registry record", "container", name)
		}
	}
	return nil
}

// readopt walks a surviving drone back to ready and restarts its agent
// sessions. reuse keeps sessions that stayed alive inside the container.
func (e *Engine) readopt(ctx context.Context, rec model.DroneRecord) {
	container := e.container(rec.Name)
	err := e.registry.WithLock(rec.ID, func() error {
		if _, err := e.transition(rec.ID, model.PhaseStarting, "restoring after hub restart"); err != nil {
			return err
		}
		if err := e.dvm.Start(ctx, container); err != nil {
			// Already-running containers refuse a second start.
			e.log.Debug("starting restored container", "drone", rec.ID, "err", err)
		}
		if _, err := e.transition(rec.ID, model.PhaseSeeding, "restoring after hub restart"); err != nil {
			return err
		}
		for _, chat := range rec.Chats {
			if err := e.startAgent(ctx, container, chat, "", ""); err != nil {
				return fmt.Errorf("restarting agent for chat %s: %w", chat, err)
			}
		}
		_, err := e.transition(rec.ID, model.PhaseReady, "")
		return err
	})
	if err != nil {
		e.fail(rec.ID, "%v", err)
		metrics.EngineOps.WithLabelValues("restore", "error").Inc()
		return
	}
	metrics.EngineOps.WithLabelValues("restore", "ok").Inc()
	e.log.Info("drone restored", "drone", rec.ID, "name", rec.Name)
}

// gcSweep removes errored drones whose containers are gone once they
// outlive the TTL. Create failures and post-restart orphans funnel here.
func (e *Engine) gcSweep() {
	ctx := e.lifetime()
	containers, err := e.dvm.Ls(ctx)
	if err != nil {
		e.log.Warn("gc: listing containers", "err", err)
		return
	}
	have := make(map[string]bool, len(containers))
	for _, name := range containers {
		have[name] = true
	}

	cutoff := time.Now().UTC().Add(-e.cfg.GCErrorTTL)
	for _, rec := range e.registry.List() {
		if rec.HubPhase != model.PhaseError || rec.Busy {
			continue
		}
		if have[e.container(rec.Name)] || rec.CreatedAt.After(cutoff) {
			continue
		}
		id := rec.ID
		err := e.registry.WithLock(id, func() error {
			cur, err := e.registry.Get(id)
			if err != nil {
				return err
			}
			if cur.HubPhase != model.PhaseError || cur.Busy {
				return nil
			}
			if err := e.registry.Remove(id); err != nil {
				return err
			}
			e.emit(id, eventbus.TypeDeleted, "removed by gc: errored without container")
			e.dropDrone(id)
			metrics.GCRemovals.Inc()
			e.log.Info("gc removed drone", "drone", id, "name", cur.Name)
			return nil
		})
		if err != nil && !model.IsCode(err, model.CodeNotFound) {
			e.log.Warn("gc: removing drone", "drone", id, "err", err)
		}
	}
}

// transition moves a drone along a phase edge and fans the change out to
// the bus and the event log.
func (e *Engine) transition(id string, next model.HubPhase, msg string) (model.DroneRecord, error) {
	rec, err := e.registry.Transition(id, next, registry.TransitionOpts{HubMessage: msg})
	if err != nil {
		return model.DroneRecord{}, err
	}
	e.emit(id, eventbus.TypePhase, string(next))
	return rec, nil
}

// fail moves a drone to the error phase and fans the failure out to the
// bus, the event log, and Slack. The container is left in place so the
// user can inspect it.
func (e *Engine) fail(id, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.log.Error("drone failed", "drone", id, "err", msg)
	rec, err := e.registry.Transition(id, model.PhaseError, registry.TransitionOpts{HubMessage: msg})
	if err != nil {
		e.log.Warn("recording drone failure", "drone", id, "err", err)
		return
	}
	e.emit(id, eventbus.TypeError, msg)
	e.notifier.DroneError(rec, msg)
}

// emit publishes a hub event to live subscribers and the durable event log.
func (e *Engine) emit(droneID, typ, data string) {
	e.bus.Publish(eventbus.Event{DroneID: droneID, Type: typ, Data: data})
	if err := e.store.AddEvent(&sqlite.Event{DroneID: droneID, Type: typ, Data: data}); err != nil {
		e.log.Warn("persisting hub event", "drone", droneID, "err", err)
	}
}
