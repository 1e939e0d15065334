package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	gogh "github.com/google/go-github/v68/github"

	"github.com/nerfZael/dronehub/model"
)

type prFixture struct {
	number         int
	title          string
	draft          bool
	mergeableState string
	combined       string      // combined status state, "" for no statuses
	runs           [][2]string // check run status, conclusion
	reviews        [][2]string // reviewer login, review state
}

type ghRecorder struct {
	mu        sync.Mutex
	merged    []int
	closed    []int
	failMerge map[int]int // number -> status code
}

func (r *ghRecorder) mergedNumbers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.merged...)
}

func (r *ghRecorder) closedNumbers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.closed...)
}

func prJSON(p prFixture) map[string]any {
	return map[string]any{
		"number":          p.number,
		"title":           p.title,
		"state":           "open",
		"draft":           p.draft,
		"html_url":        fmt.Sprintf("https://example.com/pr/%d", p.number),
		"user":            map[string]any{"login": "author"},
		"mergeable_state": p.mergeableState,
		"base":            map[string]any{"ref": "main", "repo": map[string]any{"full_name": "o/r"}},
		"head": map[string]any{
			"ref":  fmt.Sprintf("branch-%d", p.number),
			"sha":  fmt.Sprintf("sha-%d", p.number),
			"repo": map[string]any{"full_name": "o/r"},
		},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, prs []prFixture) (*Client, *ghRecorder) {
	t.Helper()
	rec := &ghRecorder{failMerge: make(map[int]int)}
	byNumber := make(map[int]prFixture)
	bySha := make(map[string]prFixture)
	for _, p := range prs {
		byNumber[p.number] = p
		bySha[fmt.Sprintf("sha-%d", p.number)] = p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		out := make([]map[string]any, 0, len(prs))
		for _, p := range prs {
			out = append(out, prJSON(p))
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("GET /repos/o/r/pulls/{number}", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.PathValue("number"))
		p, ok := byNumber[n]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"message": "Not Found"})
			return
		}
		writeJSON(w, prJSON(p))
	})
	mux.HandleFunc("GET /repos/o/r/pulls/{number}/reviews", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.PathValue("number"))
		out := []map[string]any{}
		for _, rv := range byNumber[n].reviews {
			out = append(out, map[string]any{"user": map[string]any{"login": rv[0]}, "state": rv[1]})
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("GET /repos/o/r/commits/{sha}/status", func(w http.ResponseWriter, r *http.Request) {
		p := bySha[r.PathValue("sha")]
		if p.combined == "" {
			writeJSON(w, map[string]any{"state": "pending", "total_count": 0})
			return
		}
		writeJSON(w, map[string]any{"state": p.combined, "total_count": 1})
	})
	mux.HandleFunc("GET /repos/o/r/commits/{sha}/check-runs", func(w http.ResponseWriter, r *http.Request) {
		p := bySha[r.PathValue("sha")]
		runs := []map[string]any{}
		for _, run := range p.runs {
			runs = append(runs, map[string]any{"status": run[0], "conclusion": run[1]})
		}
		writeJSON(w, map[string]any{"total_count": len(runs), "check_runs": runs})
	})
	mux.HandleFunc("PUT /repos/o/r/pulls/{number}/merge", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.PathValue("number"))
		rec.mu.Lock()
		code := rec.failMerge[n]
		if code == 0 {
			rec.merged = append(rec.merged, n)
		}
		rec.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			writeJSON(w, map[string]any{"message": "merge failed"})
			return
		}
		writeJSON(w, map[string]any{"merged": true, "sha": "merge-sha"})
	})
	mux.HandleFunc("PATCH /repos/o/r/pulls/{number}", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.PathValue("number"))
		rec.mu.Lock()
		rec.closed = append(rec.closed, n)
		rec.mu.Unlock()
		p := byNumber[n]
		out := prJSON(p)
		out["state"] = "closed"
		writeJSON(w, out)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gh := gogh.NewClient(nil)
	base, _ := url.Parse(srv.URL + "/")
	gh.BaseURL = base
	return &Client{gh: gh}, rec
}

func cleanPR(number int) prFixture {
	return prFixture{
		number:         number,
		title:          fmt.Sprintf("pr %d", number),
		mergeableState: "clean",
		combined:       "success",
		runs:           [][2]string{{"completed", "success"}},
		reviews:        [][2]string{{"rev", "APPROVED"}},
	}
}

func TestListOpenBuildsSummaries(t *testing.T) {
	c, _ := newTestClient(t, []prFixture{cleanPR(1)})

	prs, err := c.ListOpen(context.Background(), "o", "r")
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(prs) != 1 {
		t.Fatalf("expected 1 PR, got %d", len(prs))
	}
	got := prs[0]
	if got.Number != 1 || got.Title != "pr 1" {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if got.ChecksState != model.ChecksSuccess {
		t.Fatalf("expected success checks, got %q", got.ChecksState)
	}
	if got.ReviewState != model.ReviewApproved {
		t.Fatalf("expected approved, got %q", got.ReviewState)
	}
	if got.HasMergeConflicts {
		t.Fatal("clean PR must not report conflicts")
	}
	if got.BaseRefName != "main" || got.HeadRefName != "branch-1" {
		t.Fatalf("unexpected refs: %+v", got)
	}
	if got.IsCrossRepository {
		t.Fatal("same-repo PR flagged as cross-repository")
	}
}

func TestChecksStateFolding(t *testing.T) {
	cases := []struct {
		name string
		pr   prFixture
		want model.ChecksState
	}{
		{"no signal", prFixture{number: 1, mergeableState: "clean"}, model.ChecksUnknown},
		{"pending run wins over green status", prFixture{
			number: 1, mergeableState: "clean", combined: "success",
			runs: [][2]string{{"in_progress", ""}},
		}, model.ChecksPending},
		{"failed conclusion wins", prFixture{
			number: 1, mergeableState: "clean", combined: "success",
			runs: [][2]string{{"completed", "success"}, {"completed", "failure"}},
		}, model.ChecksFailing},
		{"skipped counts as success", prFixture{
			number: 1, mergeableState: "clean",
			runs: [][2]string{{"completed", "skipped"}},
		}, model.ChecksSuccess},
		{"failing combined status", prFixture{
			number: 1, mergeableState: "clean", combined: "failure",
		}, model.ChecksFailing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, []prFixture{tc.pr})
			s, err := c.Summary(context.Background(), "o", "r", 1)
			if err != nil {
				t.Fatalf("Summary: %v", err)
			}
			if s.ChecksState != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, s.ChecksState)
			}
		})
	}
}

func TestReviewStateOf(t *testing.T) {
	mk := func(pairs ...[2]string) []*gogh.PullRequestReview {
		out := make([]*gogh.PullRequestReview, 0, len(pairs))
		for _, p := range pairs {
			out = append(out, &gogh.PullRequestReview{
				User:  &gogh.User{Login: gogh.Ptr(p[0])},
				State: gogh.Ptr(p[1]),
			})
		}
		return out
	}

	cases := []struct {
		name    string
		reviews []*gogh.PullRequestReview
		want    model.ReviewState
	}{
		{"no reviews", nil, model.ReviewRequired},
		{"approved", mk([2]string{"a", "APPROVED"}), model.ReviewApproved},
		{"changes requested beats approval", mk([2]string{"a", "APPROVED"}, [2]string{"b", "CHANGES_REQUESTED"}), model.ReviewChangesRequested},
		{"same user flips to approved", mk([2]string{"a", "CHANGES_REQUESTED"}, [2]string{"a", "APPROVED"}), model.ReviewApproved},
		{"dismissal clears the vote", mk([2]string{"a", "CHANGES_REQUESTED"}, [2]string{"a", "DISMISSED"}), model.ReviewRequired},
		{"comments only", mk([2]string{"a", "COMMENTED"}), model.ReviewRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := reviewStateOf(tc.reviews); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestMergeGate(t *testing.T) {
	base := model.PullRequestSummary{Number: 1, ChecksState: model.ChecksSuccess, ReviewState: model.ReviewApproved}

	cases := []struct {
		name   string
		mod    func(*model.PullRequestSummary)
		force  bool
		want   model.Code
		wantOK bool
	}{
		{"clean merges", func(s *model.PullRequestSummary) {}, false, "", true},
		{"conflicts block", func(s *model.PullRequestSummary) { s.HasMergeConflicts = true }, false, model.CodeBlockedConflict, false},
		{"conflicts block even forced", func(s *model.PullRequestSummary) { s.HasMergeConflicts = true }, true, model.CodeBlockedConflict, false},
		{"draft blocks", func(s *model.PullRequestSummary) { s.Draft = true }, false, model.CodeBlockedPolicy, false},
		{"changes requested blocks", func(s *model.PullRequestSummary) { s.ReviewState = model.ReviewChangesRequested }, true, model.CodeBlockedPolicy, false},
		{"pending checks block", func(s *model.PullRequestSummary) { s.ChecksState = model.ChecksPending }, false, model.CodeBlockedPolicy, false},
		{"pending checks forced through", func(s *model.PullRequestSummary) { s.ChecksState = model.ChecksPending }, true, "", true},
		{"failing checks forced through", func(s *model.PullRequestSummary) { s.ChecksState = model.ChecksFailing }, true, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base
			tc.mod(&s)
			err := mergeGate(s, tc.force)
			if tc.wantOK {
				if err != nil {
					t.Fatalf("expected pass, got %v", err)
				}
				return
			}
			if !model.IsCode(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestMergeReassessesLiveState(t *testing.T) {
	pending := cleanPR(1)
	pending.runs = [][2]string{{"in_progress", ""}}
	c, rec := newTestClient(t, []prFixture{pending})

	err := c.Merge(context.Background(), "o", "r", 1, model.MergeSquash, false)
	if !model.IsCode(err, model.CodeBlockedPolicy) {
		t.Fatalf("expected blocked_policy, got %v", err)
	}
	if len(rec.mergedNumbers()) != 0 {
		t.Fatal("blocked merge must not hit the merge endpoint")
	}

	if err := c.Merge(context.Background(), "o", "r", 1, model.MergeSquash, true); err != nil {
		t.Fatalf("forced merge: %v", err)
	}
	if got := rec.mergedNumbers(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected merge of #1, got %v", got)
	}
}

func TestMergeUnknownNumberIsNotFound(t *testing.T) {
	c, _ := newTestClient(t, []prFixture{cleanPR(1)})

	err := c.Merge(context.Background(), "o", "r", 42, model.MergeMerge, false)
	if !model.IsCode(err, model.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestClose(t *testing.T) {
	c, rec := newTestClient(t, []prFixture{cleanPR(7)})

	if err := c.Close(context.Background(), "o", "r", 7); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := rec.closedNumbers(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected close of #7, got %v", got)
	}
}

func TestMergeAllPartitionsOutcomes(t *testing.T) {
	good := cleanPR(1)
	draft := cleanPR(2)
	draft.draft = true
	broken := cleanPR(3)

	c, rec := newTestClient(t, []prFixture{good, draft, broken})
	rec.failMerge[3] = http.StatusInternalServerError

	result, err := c.MergeAll(context.Background(), "o", "r", []int{1, 2, 3}, model.MergeMerge, false)
	if err != nil {
		t.Fatalf("MergeAll: %v", err)
	}
	if result.Merged != 1 {
		t.Fatalf("expected 1 merged, got %d", result.Merged)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Number != 2 || result.Skipped[0].Reason != model.CodeBlockedPolicy {
		t.Fatalf("unexpected skips: %+v", result.Skipped)
	}
	if len(result.Failed) != 1 || result.Failed[0].Number != 3 {
		t.Fatalf("unexpected failures: %+v", result.Failed)
	}
}

func TestAuthFailureMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]any{"message": "Bad credentials"})
	}))
	t.Cleanup(srv.Close)

	gh := gogh.NewClient(nil)
	base, _ := url.Parse(srv.URL + "/")
	gh.BaseURL = base
	c := &Client{gh: gh}

	_, err := c.ListOpen(context.Background(), "o", "r")
	if !model.IsCode(err, model.CodeAuthFailure) {
		t.Fatalf("expected auth_failure, got %v", err)
	}
}

func TestParseRemote(t *testing.T) {
	cases := []struct {
		remote string
		owner  string
		repo   string
		ok     bool
	}{
		{"git@github.com:octo/hello.git", "octo", "hello", true},
		{"git@github.com:octo/hello", "octo", "hello", true},
		{"ssh://git@github.com/octo/hello.git", "octo", "hello", true},
		{"https://github.com/octo/hello.git", "octo", "hello", true},
		{"https://github.com/octo/hello/", "octo", "hello", true},
		{"http://github.com/octo/hello", "octo", "hello", true},
		{"  https://github.com/octo/hello \n", "octo", "hello", true},
		{"https://gitlab.com/octo/hello.git", "", "", false},
		{"https://github.com/octo", "", "", false},
		{"https://github.com/octo/hello/extra", "", "", false},
		{"git@github.com:/hello.git", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		owner, repo, ok := ParseRemote(tc.remote)
		if owner != tc.owner || repo != tc.repo || ok != tc.ok {
			t.Errorf("ParseRemote(%q) = (%q, %q, %v), expected (%q, %q, %v)",
				tc.remote, owner, repo, ok, tc.owner, tc.repo, tc.ok)
		}
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, map[string]any{"message": "upstream sad"})
	}))
	t.Cleanup(srv.Close)

	gh := gogh.NewClient(nil)
	base, _ := url.Parse(srv.URL + "/")
	gh.BaseURL = base
	c := &Client{gh: gh}

	_, err := c.ListOpen(context.Background(), "o", "r")
	if !model.IsCode(err, model.CodeUpstreamHTTP) {
		t.Fatalf("expected upstream_http, got %v", err)
	}
}
