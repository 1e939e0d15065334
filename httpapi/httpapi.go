// Package httpapi provides the HTTP API for DroneHub. It is a thin routing
// layer: every endpoint resolves its drone, delegates to the owning
// component, and wraps the outcome in the ok/error envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/engine"
	"github.com/nerfZael/dronehub/eventbus"
	"github.com/nerfZael/dronehub/gitsync"
	"github.com/nerfZael/dronehub/internal/github"
	"github.com/nerfZael/dronehub/model"
	"github.com/nerfZael/dronehub/prompt"
	"github.com/nerfZael/dronehub/registry"
	"github.com/nerfZael/dronehub/store/sqlite"
	"github.com/nerfZael/dronehub/terminal"
)

const (
	// maxBodyBytes bounds ordinary JSON request bodies.
	maxBodyBytes = 1 << 20
	// maxPromptBodyBytes bounds prompt sends, which carry base64 images.
	maxPromptBodyBytes = 32 << 20
)

// Config wires a Handler to the hub's components. PRs may be nil when no
// GitHub token is configured; the PR endpoints then fail with auth_failure.
type Config struct {
	Engine    *engine.Engine
	Registry  *registry.Registry
	Prompts   *prompt.Dispatcher
	Terminals *terminal.Hub
	Git       *gitsync.Engine
	Dvm       *dvm.Client
	PRs       *github.Client
	Bus       *eventbus.Bus
	Store     *sqlite.Store
	Logger    *slog.Logger

	// ContainerPrefix joined with a drone's name addresses its container.
	ContainerPrefix string
}

// Handler provides the HTTP API for DroneHub.
type Handler struct {
	cfg    Config
	log    *slog.Logger
	router chi.Router
}

// New creates a new HTTP API handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{cfg: cfg, log: cfg.Logger}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/drones", h.handleListDrones)
			r.Get("/drones/{id}", h.handleGetDrone)
			r.Delete("/drones/{id}", h.handleDeleteDrone)
			r.Post("/drones/{id}/rename", h.handleRename)
			r.Get("/drones/{id}/ports", h.handlePorts)
			r.Get("/drones/{id}/chats/{chat}/transcript", h.handleTranscript)
			r.Get("/drones/{id}/chats/{chat}/pending", h.handlePending)
			r.Post("/drones/{id}/chats/{chat}/pending/{promptId}/unstick", h.handleUnstick)
			r.Post("/drones/{id}/terminal/open", h.handleTerminalOpen)
			r.Get("/drones/{id}/terminal/{session}/output", h.handleTerminalOutput)
			r.Post("/drones/{id}/terminal/{session}/input", h.handleTerminalInput)
			r.Get("/drones/{id}/repo/changes", h.handleWorktreeChanges)
			r.Get("/drones/{id}/repo/diff", h.handleWorktreeDiff)
			r.Get("/drones/{id}/repo/pull/changes", h.handlePullChanges)
			r.Get("/drones/{id}/repo/pull/diff", h.handlePullDiff)
			r.Get("/drones/{id}/repo/pull-requests", h.handleListPRs)
			r.Post("/drones/{id}/repo/pull-requests/{number}/merge", h.handleMergePR)
			r.Post("/drones/{id}/repo/pull-requests/{number}/close", h.handleClosePR)
			r.Get("/repos", h.handleListRepos)
			r.Post("/repos", h.handleAddRepo)
		})

		// Long-running and streaming endpoints manage their own deadlines.
		r.Post("/drones", h.handleQueue)
		r.Post("/drones/{id}/clone", h.handleClone)
		r.Post("/drones/{id}/base-image", h.handleBaseImage)
		r.Post("/drones/{id}/chats/{chat}/prompt", h.handlePrompt)
		r.Post("/drones/{id}/repo/pull", h.handlePull)
		r.Post("/drones/{id}/repo/push", h.handlePush)
		r.Post("/drones/{id}/repo/pull-requests/merge-all", h.handleMergeAll)
		r.Get("/drones/{id}/events", h.handleEvents)
		r.Get("/drones/{id}/terminal/{session}/stream", h.handleTerminalStream)
		r.Handle("/drones/{id}/preview/{port}", http.HandlerFunc(h.handlePreview))
		r.Handle("/drones/{id}/preview/{port}/*", http.HandlerFunc(h.handlePreview))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// --- drone lifecycle ---

func (h *Handler) handleListDrones(w http.ResponseWriter, r *http.Request) {
	h.writeOK(w, http.StatusOK, map[string]any{"drones": h.cfg.Registry.List()})
}

func (h *Handler) handleGetDrone(w http.ResponseWriter, r *http.Request) {
	rec, err := h.cfg.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{"drone": rec})
}

type queueRequest struct {
	Drones []model.QueueSpec `json:"drones"`
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if !h.decodeBody(w, r, maxBodyBytes, &req) {
		return
	}
	if len(req.Drones) == 0 {
		h.writeBad(w, "at least one drone spec is required")
		return
	}
	result := h.cfg.Engine.Queue(req.Drones)
	h.writeOK(w, http.StatusAccepted, map[string]any{
		"accepted": result.Accepted,
		"rejected": result.Rejected,
	})
}

func (h *Handler) handleDeleteDrone(w http.ResponseWriter, r *http.Request) {
	// Unknown ids succeed: deletes are idempotent and clients reconcile
	// via the registry poll.
	if err := h.cfg.Engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, nil)
}

type renameRequest struct {
	NewName           string `json:"newName"`
	MigrateVolumeName bool   `json:"migrateVolumeName"`
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req renameRequest
	if !h.decodeBody(w, r, maxBodyBytes, &req) {
		return
	}
	rec, err := h.cfg.Registry.Get(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	renamed, err := h.cfg.Engine.Rename(r.Context(), id, req.NewName, req.MigrateVolumeName)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{
		"oldName": rec.Name,
		"newName": renamed.Name,
	})
}

type cloneRequest struct {
	IncludeChats bool `json:"includeChats"`
}

func (h *Handler) handleClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if !h.decodeBody(w, r, maxBodyBytes, &req) {
		return
	}
	rec, err := h.cfg.Engine.Clone(chi.URLParam(r, "id"), req.IncludeChats)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusAccepted, map[string]any{"drone": rec})
}

func (h *Handler) handleBaseImage(w http.ResponseWriter, r *http.Request) {
	tag, err := h.cfg.Engine.SetBaseImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{"baseImage": tag})
}

func (h *Handler) handlePorts(w http.ResponseWriter, r *http.Request) {
	_, container, err := h.drone(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	ports, err := h.cfg.Dvm.Ports(r.Context(), container)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if ports == nil {
		ports = []model.PortMapping{}
	}
	h.writeOK(w, http.StatusOK, map[string]any{"ports": ports})
}

// --- chats ---

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chat := chi.URLParam(r, "chat")

	turn := r.URL.Query().Get("turn")
	if turn != "" && turn != "all" {
		n, err := strconv.Atoi(turn)
		if err != nil {
			h.writeBad(w, "turn must be a number or \"all\"")
			return
		}
		item, err := h.cfg.Prompts.TranscriptTurn(r.Context(), id, chat, n)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		h.writeOK(w, http.StatusOK, map[string]any{"transcripts": []model.TranscriptItem{item}})
		return
	}

	items, err := h.cfg.Prompts.Transcript(r.Context(), id, chat)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if items == nil {
		items = []model.TranscriptItem{}
	}
	h.writeOK(w, http.StatusOK, map[string]any{"transcripts": items})
}

func (h *Handler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req prompt.SendRequest
	if !h.decodeBody(w, r, maxPromptBodyBytes, &req) {
		return
	}
	promptID, err := h.cfg.Prompts.Send(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "chat"), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"promptId": promptID,
	})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.cfg.Registry.Get(id); err != nil {
		h.writeErr(w, err)
		return
	}
	pending := h.cfg.Prompts.Pending(id, chi.URLParam(r, "chat"))
	if pending == nil {
		pending = []model.PendingPrompt{}
	}
	h.writeOK(w, http.StatusOK, map[string]any{"pending": pending})
}

func (h *Handler) handleUnstick(w http.ResponseWriter, r *http.Request) {
	err := h.cfg.Prompts.Unstick(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "chat"), chi.URLParam(r, "promptId"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, nil)
}

// --- terminal ---

func (h *Handler) handleTerminalOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := terminal.Mode(q.Get("mode"))
	switch mode {
	case "", terminal.ModeShell, terminal.ModeAgent:
	default:
		h.writeBad(w, "mode must be \"shell\" or \"agent\"")
		return
	}
	name, err := h.cfg.Terminals.Open(r.Context(), chi.URLParam(r, "id"), terminal.OpenOptions{
		Mode: mode,
		Chat: q.Get("chat"),
		Cwd:  q.Get("cwd"),
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{"sessionName": name})
}

func (h *Handler) handleTerminalOutput(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, tail := int64(0), 0
	if v := q.Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeBad(w, "tail must be a non-negative integer")
			return
		}
		since, tail = -1, n
	} else if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeBad(w, "since must be an integer")
			return
		}
		since = n
	}
	maxBytes := 0
	if v := q.Get("maxBytes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeBad(w, "maxBytes must be a non-negative integer")
			return
		}
		maxBytes = n
	}

	res, err := h.cfg.Terminals.Read(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "session"), since, maxBytes, tail)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{
		"offsetBytes": res.OffsetBytes,
		"text":        res.Text,
	})
}

type terminalInputRequest struct {
	Data string `json:"data"`
}

func (h *Handler) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	var req terminalInputRequest
	if !h.decodeBody(w, r, maxBodyBytes, &req) {
		return
	}
	err := h.cfg.Terminals.Input(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "session"), req.Data)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, nil)
}

func (h *Handler) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since := int64(-1)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeBad(w, "since must be an integer")
			return
		}
		since = n
	}
	if _, err := h.cfg.Registry.Get(id); err != nil {
		h.writeErr(w, err)
		return
	}
	err := h.cfg.Terminals.Attach(w, r, id, chi.URLParam(r, "session"), since)
	if err != nil {
		// A tagged error means the attach was refused before the upgrade;
		// upgrade failures have already written their own response.
		var tagged *model.Error
		if errors.As(err, &tagged) {
			h.writeErr(w, err)
		}
	}
}

// --- repo sync ---

func (h *Handler) handleWorktreeChanges(w http.ResponseWriter, r *http.Request) {
	_, container, err := h.drone(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	status, err := h.cfg.Git.WorktreeChanges(r.Context(), container)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if status.Entries == nil {
		status.Entries = []model.ChangeEntry{}
	}
	h.writeOK(w, http.StatusOK, map[string]any{
		"entries": status.Entries,
		"counts":  status.Counts,
	})
}

func (h *Handler) handleWorktreeDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		h.writeBad(w, "path is required")
		return
	}
	kind := q.Get("kind")
	switch kind {
	case "", "staged", "unstaged":
	default:
		h.writeBad(w, "kind must be \"staged\" or \"unstaged\"")
		return
	}
	_, container, err := h.drone(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	diff, err := h.cfg.Git.WorktreeDiff(r.Context(), container, path, kind)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{"diff": diff})
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, container, err := h.readyRepoDrone(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	res, err := h.cfg.Git.Pull(r.Context(), id, container, rec.RepoPath)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{
		"baseSha":     res.BaseSha,
		"headSha":     res.HeadSha,
		"importedSha": res.ImportedSha,
		"upToDate":    res.UpToDate,
	})
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, container, err := h.readyRepoDrone(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	res, err := h.cfg.Git.Push(r.Context(), id, container, rec.RepoPath)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{
		"branch":   res.Branch,
		"headSha":  res.HeadSha,
		"upToDate": res.UpToDate,
	})
}

func (h *Handler) handlePullChanges(w http.ResponseWriter, r *http.Request) {
	rec, container, err := h.repoDrone(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	preview, err := h.cfg.Git.PullPreview(r.Context(), container, rec.RepoPath)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if preview.Entries == nil {
		preview.Entries = []model.PreviewEntry{}
	}
	h.writeOK(w, http.StatusOK, map[string]any{
		"baseSha":       preview.BaseSha,
		"headSha":       preview.HeadSha,
		"branchContext": preview.BranchContext,
		"entries":       preview.Entries,
	})
}

func (h *Handler) handlePullDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		h.writeBad(w, "path is required")
		return
	}
	_, container, err := h.drone(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	diff, err := h.cfg.Git.PullDiff(r.Context(), container, path, q.Get("base"), q.Get("head"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{"diff": diff})
}

// --- pull requests ---

func (h *Handler) handleListPRs(w http.ResponseWriter, r *http.Request) {
	if state := r.URL.Query().Get("state"); state != "" && state != "open" {
		h.writeBad(w, "only state=open is supported")
		return
	}
	owner, repo, err := h.prContext(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	prs, err := h.cfg.PRs.ListOpen(r.Context(), owner, repo)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if prs == nil {
		prs = []model.PullRequestSummary{}
	}
	h.writeOK(w, http.StatusOK, map[string]any{"pullRequests": prs})
}

type mergeRequest struct {
	Method model.MergeMethod `json:"method"`
	Force  bool              `json:"force"`
}

func (h *Handler) handleMergePR(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		h.writeBad(w, "pull request number must be an integer")
		return
	}
	var req mergeRequest
	if !h.decodeBody(w, r, maxBodyBytes, &req) {
		return
	}
	if !validMergeMethod(req.Method) {
		h.writeBad(w, "method must be \"merge\", \"squash\" or \"rebase\"")
		return
	}
	owner, repo, err := h.prContext(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if err := h.cfg.PRs.Merge(r.Context(), owner, repo, number, req.Method, req.Force); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, nil)
}

func (h *Handler) handleClosePR(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		h.writeBad(w, "pull request number must be an integer")
		return
	}
	owner, repo, err := h.prContext(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if err := h.cfg.PRs.Close(r.Context(), owner, repo, number); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusOK, nil)
}

type mergeAllRequest struct {
	Numbers []int             `json:"numbers"`
	Method  model.MergeMethod `json:"method"`
	Force   bool              `json:"force"`
}

func (h *Handler) handleMergeAll(w http.ResponseWriter, r *http.Request) {
	var req mergeAllRequest
	if !h.decodeBody(w, r, maxBodyBytes, &req) {
		return
	}
	if len(req.Numbers) == 0 {
		h.writeBad(w, "numbers is required")
		return
	}
	if !validMergeMethod(req.Method) {
		h.writeBad(w, "method must be \"merge\", \"squash\" or \"rebase\"")
		return
	}
	owner, repo, err := h.prContext(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	result, err := h.cfg.PRs.MergeAll(r.Context(), owner, repo, req.Numbers, req.Method, req.Force)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if result.Skipped == nil {
		result.Skipped = []model.SkippedPR{}
	}
	if result.Failed == nil {
		result.Failed = []model.FailedPR{}
	}
	h.writeOK(w, http.StatusOK, map[string]any{
		"merged":  result.Merged,
		"skipped": result.Skipped,
		"failed":  result.Failed,
	})
}

// --- repos ---

func (h *Handler) handleListRepos(w http.ResponseWriter, r *http.Request) {
	h.writeOK(w, http.StatusOK, map[string]any{"repos": h.cfg.Registry.ListRepos()})
}

type addRepoRequest struct {
	Path string `json:"path"`
}

func (h *Handler) handleAddRepo(w http.ResponseWriter, r *http.Request) {
	var req addRepoRequest
	if !h.decodeBody(w, r, maxBodyBytes, &req) {
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		h.writeBad(w, "path is required")
		return
	}
	remote, err := h.cfg.Git.RemoteURL(r.Context(), req.Path)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	var gh *model.GitHubRepo
	if owner, repo, ok := github.ParseRemote(remote); ok {
		gh = &model.GitHubRepo{Owner: owner, Repo: repo}
	}
	rec, err := h.cfg.Registry.AddRepo(req.Path, remote, gh)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, http.StatusCreated, map[string]any{"repo": rec})
}

// --- events ---

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.cfg.Registry.Get(id); err != nil {
		h.writeErr(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, errEnvelope{Error: "streaming not supported", Code: model.CodeInternal})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var after int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}

	// Subscribe before replaying so no event falls between the two; the
	// overlap can duplicate an event, which consumers tolerate.
	ch, cancel := h.cfg.Bus.Subscribe(id)
	defer cancel()

	history, err := h.cfg.Store.Events(id, after)
	if err != nil {
		h.log.Warn("loading event history", "drone", id, "err", err)
	}
	for _, e := range history {
		h.writeSSE(w, e.ID, e.Type, eventbus.Event{DroneID: e.DroneID, Type: e.Type, Data: e.Data, At: e.At})
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			h.writeSSE(w, 0, evt.Type, evt)
			flusher.Flush()
		}
	}
}

// --- preview proxy ---

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, container, err := h.drone(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port < 1 || port > 65535 {
		h.writeBad(w, "port must be 1-65535")
		return
	}
	hostPort, err := h.hostPortFor(r.Context(), rec, container, port)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	target := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort))}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = target.Host
		},
		// Flush every write so streamed previews are not buffered.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.log.Warn("preview proxy", "drone", id, "port", port, "err", err)
			h.writeErr(w, model.E(model.CodeUpstreamHTTP, "preview upstream unreachable: %v", err))
		},
	}
	prefix := fmt.Sprintf("/api/drones/%s/preview/%d", id, port)
	http.StripPrefix(prefix, proxy).ServeHTTP(w, r)
}

// hostPortFor maps a container port to its published host port, preferring
// the record's cached mapping. Fresh lookups of the primary port are cached
// back onto the record.
func (h *Handler) hostPortFor(ctx context.Context, rec model.DroneRecord, container string, port int) (int, error) {
	if port == rec.ContainerPort && rec.HostPort != nil {
		return *rec.HostPort, nil
	}
	ports, err := h.cfg.Dvm.Ports(ctx, container)
	if err != nil {
		return 0, err
	}
	for _, m := range ports {
		if m.ContainerPort != port {
			continue
		}
		if port == rec.ContainerPort {
			hp := m.HostPort
			if _, err := h.cfg.Registry.Update(rec.ID, func(d *model.DroneRecord) { d.HostPort = &hp }); err != nil {
				h.log.Warn("caching host port", "drone", rec.ID, "err", err)
			}
		}
		return m.HostPort, nil
	}
	return 0, model.E(model.CodeNotFound, "container port %d is not published", port)
}

// --- resolution helpers ---

// drone resolves a drone record and its engine container name.
func (h *Handler) drone(id string) (model.DroneRecord, string, error) {
	rec, err := h.cfg.Registry.Get(id)
	if err != nil {
		return model.DroneRecord{}, "", err
	}
	return rec, h.cfg.ContainerPrefix + rec.Name, nil
}

// repoDrone resolves a drone that has a host repository attached.
func (h *Handler) repoDrone(id string) (model.DroneRecord, string, error) {
	rec, container, err := h.drone(id)
	if err != nil {
		return rec, container, err
	}
	if rec.RepoPath == "" {
		return rec, container, model.E(model.CodeStateViolation, "drone %s has no repository attached", id)
	}
	return rec, container, nil
}

// readyRepoDrone additionally requires the ready phase; pull and push refuse
// to touch a drone mid-lifecycle.
func (h *Handler) readyRepoDrone(id string) (model.DroneRecord, string, error) {
	rec, container, err := h.repoDrone(id)
	if err != nil {
		return rec, container, err
	}
	if rec.HubPhase != model.PhaseReady {
		return rec, container, model.E(model.CodeStateViolation, "drone %s is %s, not ready", id, rec.HubPhase)
	}
	return rec, container, nil
}

// prContext resolves the GitHub owner/repo a drone's PR operations target.
func (h *Handler) prContext(id string) (owner, repo string, err error) {
	rec, _, err := h.repoDrone(id)
	if err != nil {
		return "", "", err
	}
	repoRec, err := h.cfg.Registry.GetRepo(rec.RepoPath)
	if err != nil {
		return "", "", err
	}
	if repoRec.GitHub == nil {
		return "", "", model.E(model.CodeStateViolation, "repository %s has no GitHub remote", rec.RepoPath)
	}
	if h.cfg.PRs == nil {
		return "", "", model.E(model.CodeAuthFailure, "no GitHub token configured")
	}
	return repoRec.GitHub.Owner, repoRec.GitHub.Repo, nil
}

func validMergeMethod(m model.MergeMethod) bool {
	switch m {
	case "", model.MergeMerge, model.MergeSquash, model.MergeRebase:
		return true
	}
	return false
}

// --- envelope helpers ---

type errEnvelope struct {
	Ok            bool       `json:"ok"`
	Error         string     `json:"error"`
	Code          model.Code `json:"code,omitempty"`
	ConflictFiles []string   `json:"conflictFiles,omitempty"`
	Diagnostics   string     `json:"diagnostics,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("encoding response", "err", err)
	}
}

// writeOK writes a success envelope; extra fields ride alongside ok.
func (h *Handler) writeOK(w http.ResponseWriter, status int, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	body["ok"] = true
	for k, v := range fields {
		body[k] = v
	}
	h.writeJSON(w, status, body)
}

// writeErr maps an error onto its HTTP status and envelope. The taxonomy
// code drives the status; prompt validation failures are client errors
// without a code.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	var vErr *prompt.ValidationError
	if errors.As(err, &vErr) {
		h.writeJSON(w, http.StatusBadRequest, errEnvelope{Error: vErr.Error()})
		return
	}
	code := model.CodeOf(err)
	env := errEnvelope{Error: err.Error(), Code: code, ConflictFiles: model.ConflictFilesOf(err)}
	var tagged *model.Error
	if errors.As(err, &tagged) {
		env.Diagnostics = tagged.Diagnostics
	}
	h.writeJSON(w, statusFor(code), env)
}

func (h *Handler) writeBad(w http.ResponseWriter, format string, args ...any) {
	h.writeJSON(w, http.StatusBadRequest, errEnvelope{Error: fmt.Sprintf(format, args...)})
}

// decodeBody decodes a JSON request body, bounding it at limit bytes.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeBad(w, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) writeSSE(w http.ResponseWriter, id int64, typ string, evt eventbus.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Warn("encoding event", "err", err)
		return
	}
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data)
}

// statusFor maps taxonomy codes onto HTTP statuses.
func statusFor(code model.Code) int {
	switch code {
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeInvalidName:
		return http.StatusBadRequest
	case model.CodeNameConflict, model.CodeStateViolation,
		model.CodeBlockedConflict, model.CodeBlockedPolicy, model.CodePatchApplyConflict:
		return http.StatusConflict
	case model.CodeTimeout:
		return http.StatusGatewayTimeout
	case model.CodeAuthFailure, model.CodeUpstreamHTTP:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
