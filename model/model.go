// Package model defines the core domain types shared across all DroneHub
// packages. It has zero dependencies on other DroneHub packages.
package model

import "time"

// HubPhase represents the lifecycle state of a drone as exposed to clients.
type HubPhase string

const (
	PhaseCreating HubPhase = "creating"
	PhaseStarting HubPhase = "starting"
	PhaseSeeding  HubPhase = "seeding"
	PhaseReady    HubPhase = "ready"
	PhaseError    HubPhase = "error"
)

// CanTransition reports whether the phase edge from p to next is legal.
// Deletion is not a phase; any drone may be removed regardless of phase.
func (p HubPhase) CanTransition(next HubPhase) bool {
	if next == PhaseError {
		return true
	}
	switch p {
	case PhaseCreating:
		return next == PhaseStarting
	case PhaseStarting:
		return next == PhaseSeeding
	case PhaseSeeding:
		return next == PhaseReady
	case PhaseReady:
		// Re-seed, or re-start after an engine restart.
		return next == PhaseSeeding || next == PhaseStarting
	case PhaseError:
		return false
	}
	return false
}

// DroneRecord is the registry's view of a single drone. The id is an opaque
// stable key; the name is the display identity and unique across live drones.
type DroneRecord struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Group         string    `json:"group,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	RepoPath      string    `json:"repoPath,omitempty"`
	RepoAttached  bool      `json:"repoAttached"`
	ContainerPort int       `json:"containerPort"`
	HostPort      *int      `json:"hostPort,omitempty"`
	StatusOk      bool      `json:"statusOk"`
	StatusError   string    `json:"statusError,omitempty"`
	Chats         []string  `json:"chats"`
	HubPhase      HubPhase  `json:"hubPhase"`
	HubMessage    string    `json:"hubMessage,omitempty"`
	Busy          bool      `json:"busy"`
}

// RepoRecord is a host repository registered with the hub.
type RepoRecord struct {
	Path      string      `json:"path"`
	AddedAt   time.Time   `json:"addedAt"`
	RemoteURL string      `json:"remoteUrl,omitempty"`
	GitHub    *GitHubRepo `json:"github,omitempty"`
}

// GitHubRepo identifies the hosted counterpart of a repo record.
type GitHubRepo struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// QueueSpec describes one drone to create.
type QueueSpec struct {
	Name       string `json:"name,omitempty"`
	Group      string `json:"group,omitempty"`
	RepoPath   string `json:"repoPath,omitempty"`
	Build      string `json:"build,omitempty"`
	SeedAgent  string `json:"seedAgent,omitempty"`
	SeedModel  string `json:"seedModel,omitempty"`
	SeedChat   string `json:"seedChat,omitempty"`
	SeedPrompt string `json:"seedPrompt,omitempty"`
}

// QueueAck is the per-spec acceptance entry of a queue batch. Acceptance
// means the drone was admitted, not that it is ready; callers poll the
// registry for phase progress.
type QueueAck struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// QueueRejection is the per-spec rejection entry of a queue batch.
type QueueRejection struct {
	Name  string `json:"name"`
	Error string `json:"error"`
	Code  Code   `json:"code"`
}

// QueueResult aggregates a queue batch, one entry per input spec,
// correlated by name.
type QueueResult struct {
	Accepted []QueueAck       `json:"accepted"`
	Rejected []QueueRejection `json:"rejected"`
}

// TranscriptItem is one completed agent turn in a chat. Turns are dense and
// strictly increasing within a chat, assigned at completion.
type TranscriptItem struct {
	Turn        int        `json:"turn"`
	PromptAt    time.Time  `json:"promptAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ID          string     `json:"id,omitempty"`
	Prompt      string     `json:"prompt"`
	Session     string     `json:"session,omitempty"`
	LogPath     string     `json:"logPath,omitempty"`
	Ok          bool       `json:"ok"`
	Error       string     `json:"error,omitempty"`
	Output      string     `json:"output,omitempty"`
}

// PendingState is the lifecycle of a pending prompt. StateQueued exists only
// in clients doing optimistic UI; the server never emits it.
type PendingState string

const (
	StateQueued  PendingState = "queued"
	StateSending PendingState = "sending"
	StateSent    PendingState = "sent"
	StateFailed  PendingState = "failed"
)

// PendingPrompt is a prompt the hub accepted whose completion turn has not
// yet appeared in the transcript.
type PendingPrompt struct {
	ID        string       `json:"id"`
	At        time.Time    `json:"at"`
	Prompt    string       `json:"prompt"`
	State     PendingState `json:"state"`
	UpdatedAt *time.Time   `json:"updatedAt,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Attachment is an image attached to a prompt send. Data travels base64 in
// JSON.
type Attachment struct {
	Name string `json:"name"`
	Mime string `json:"mime,omitempty"`
	Data []byte `json:"data"`
}

// PortMapping is one published port of a drone container.
type PortMapping struct {
	HostPort      int `json:"hostPort"`
	ContainerPort int `json:"containerPort"`
}

// ChangeType classifies one side (staged or unstaged) of a working-tree
// entry. Empty means no change on that side.
type ChangeType string

const (
	ChangeAdded       ChangeType = "added"
	ChangeModified    ChangeType = "modified"
	ChangeDeleted     ChangeType = "deleted"
	ChangeRenamed     ChangeType = "renamed"
	ChangeCopied      ChangeType = "copied"
	ChangeTypeChanged ChangeType = "type-changed"
	ChangeUnmerged    ChangeType = "unmerged"
	ChangeUntracked   ChangeType = "untracked"
	ChangeIgnored     ChangeType = "ignored"
	ChangeUnknown     ChangeType = "unknown"
)

// ChangeEntry is one working-tree entry from `git status --porcelain=v2`.
// Code is the two-character staged+unstaged pair; '.' means no change.
type ChangeEntry struct {
	Path         string     `json:"path"`
	OriginalPath string     `json:"originalPath,omitempty"`
	StagedChar   string     `json:"stagedChar"`
	UnstagedChar string     `json:"unstagedChar"`
	StagedType   ChangeType `json:"stagedType,omitempty"`
	UnstagedType ChangeType `json:"unstagedType,omitempty"`
	IsUntracked  bool       `json:"isUntracked"`
	IsIgnored    bool       `json:"isIgnored"`
	IsConflicted bool       `json:"isConflicted"`
	Code         string     `json:"code"`
}

// WorktreeCounts summarizes a working-tree listing.
type WorktreeCounts struct {
	Changed    int `json:"changed"`
	Staged     int `json:"staged"`
	Unstaged   int `json:"unstaged"`
	Untracked  int `json:"untracked"`
	Conflicted int `json:"conflicted"`
}

// WorktreeStatus is the full working-tree payload for a drone repo.
type WorktreeStatus struct {
	Entries []ChangeEntry  `json:"entries"`
	Counts  WorktreeCounts `json:"counts"`
}

// FileDiff is a single-file diff with byte-bounded content.
type FileDiff struct {
	Path          string `json:"path"`
	Diff          string `json:"diff"`
	Truncated     bool   `json:"truncated"`
	FromUntracked bool   `json:"fromUntracked,omitempty"`
}

// BranchContext describes the branches involved in a pull preview.
type BranchContext struct {
	HostCurrent     string `json:"hostCurrent"`
	DroneCurrent    string `json:"droneCurrent"`
	DroneConfigured string `json:"droneConfigured,omitempty"`
	DroneFromRef    string `json:"droneFromRef,omitempty"`
}

// PreviewEntry is one file changed between the drone's base SHA and HEAD.
type PreviewEntry struct {
	Path       string     `json:"path"`
	StatusChar string     `json:"statusChar"`
	Type       ChangeType `json:"type,omitempty"`
}

// PullPreview lists committed drone changes relative to the seed point.
type PullPreview struct {
	BaseSha       string         `json:"baseSha"`
	HeadSha       string         `json:"headSha"`
	BranchContext BranchContext  `json:"branchContext"`
	Entries       []PreviewEntry `json:"entries"`
}

// ChecksState aggregates CI state across a pull request's checks.
type ChecksState string

const (
	ChecksSuccess ChecksState = "success"
	ChecksFailing ChecksState = "failing"
	ChecksPending ChecksState = "pending"
	ChecksUnknown ChecksState = "unknown"
)

// ReviewState aggregates review decisions on a pull request.
type ReviewState string

const (
	ReviewApproved         ReviewState = "approved"
	ReviewChangesRequested ReviewState = "changes_requested"
	ReviewRequired         ReviewState = "review_required"
	ReviewUnknown          ReviewState = "unknown"
)

// PullRequestSummary is the hub's view of one open pull request.
type PullRequestSummary struct {
	Number            int         `json:"number"`
	Title             string      `json:"title"`
	State             string      `json:"state"`
	Draft             bool        `json:"draft"`
	HTMLURL           string      `json:"htmlUrl"`
	AuthorLogin       string      `json:"authorLogin,omitempty"`
	BaseRefName       string      `json:"baseRefName"`
	HeadRefName       string      `json:"headRefName"`
	IsCrossRepository bool        `json:"isCrossRepository"`
	ChecksState       ChecksState `json:"checksState"`
	ReviewState       ReviewState `json:"reviewState"`
	HasMergeConflicts bool        `json:"hasMergeConflicts"`
}

// MergeMethod selects how a pull request is merged.
type MergeMethod string

const (
	MergeMerge  MergeMethod = "merge"
	MergeSquash MergeMethod = "squash"
	MergeRebase MergeMethod = "rebase"
)

// SkippedPR is a bulk-merge entry skipped by a gate.
type SkippedPR struct {
	Number int  `json:"number"`
	Reason Code `json:"reason"`
}

// FailedPR is a bulk-merge entry that errored mid-merge.
type FailedPR struct {
	Number int    `json:"number"`
	Error  string `json:"error"`
}

// BulkMergeResult aggregates a bulk merge. Failures never abort the batch.
type BulkMergeResult struct {
	Merged  int         `json:"merged"`
	Skipped []SkippedPR `json:"skipped"`
	Failed  []FailedPR  `json:"failed"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
