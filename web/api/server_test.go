package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
	"github.com/hochfrequenz/taskpilot/internal/hosting/hostingtest"
	"github.com/hochfrequenz/taskpilot/internal/journal"
	"github.com/hochfrequenz/taskpilot/internal/scheduler"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
)

const (
	repo   = "acme/api"
	apiKey = "secret"
)

type mockSubmitter struct {
	store    *taskstore.Store
	requests []scheduler.Request
}

func (m *mockSubmitter) Schedule(ctx context.Context, req scheduler.Request) (*domain.Task, error) {
	m.requests = append(m.requests, req)
	task := scheduler.NewTask(req)
	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

type fixture struct {
	store     *taskstore.Store
	fake      *hostingtest.Fake
	submitter *mockSubmitter
	srv       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := taskstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := hostingtest.New(repo, "main")
	sub := &mockSubmitter{store: store}
	server := NewServer(store, sub, fake, Options{APIKey: apiKey, DefaultBudget: 500, PollInterval: 10 * time.Millisecond})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: store, fake: fake, submitter: sub, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *fixture) task(t *testing.T, status domain.TaskStatus) *domain.Task {
	t.Helper()
	task := domain.NewTask(domain.TypeStandalone, repo, "alice", "add a README")
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	if status != domain.StatusScheduled {
		if status == domain.StatusCompleted {
			require.NoError(t, task.Transition(domain.StatusRunning))
		}
		require.NoError(t, task.Transition(status))
		require.NoError(t, f.store.SaveTask(context.Background(), task))
	}
	return task
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"read without token", http.MethodGet, "/api/status", "", http.StatusOK},
		{"metrics without token", http.MethodGet, "/metrics", "", http.StatusOK},
		{"submit without token", http.MethodPost, "/api/tasks", "", http.StatusUnauthorized},
		{"budget with wrong token", http.MethodPut, "/api/budgets/alice", "wrong", http.StatusUnauthorized},
		{"budget with token", http.MethodPut, "/api/budgets/alice", apiKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.srv.URL+tt.path, strings.NewReader(`{"balance": 1}`))
			require.NoError(t, err)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStatusHandler(t *testing.T) {
	f := newFixture(t)
	f.task(t, domain.StatusScheduled)
	f.task(t, domain.StatusRunning)
	f.task(t, domain.StatusCompleted)
	f.task(t, domain.StatusFailed)
	f.task(t, domain.StatusFailed)

	resp := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	decode(t, resp, &status)

	assert.Equal(t, StatusResponse{Total: 5, Scheduled: 1, Running: 1, Completed: 1, Failed: 2}, status)
}

func TestListTasksHandler(t *testing.T) {
	f := newFixture(t)
	f.task(t, domain.StatusFailed)
	done := f.task(t, domain.StatusCompleted)

	resp := f.do(t, http.MethodGet, "/api/tasks?status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []TaskResponse
	decode(t, resp, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, done.ID, tasks[0].ID)

	resp = f.do(t, http.MethodGet, "/api/tasks?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTaskHandler(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, domain.StatusScheduled)

	resp := f.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got TaskResponse
	decode(t, resp, &got)
	assert.Equal(t, "scheduled", got.Status)
	assert.Equal(t, "add a README", got.UserRequest)

	resp = f.do(t, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitTaskHandler(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/tasks", SubmitRequest{Repo: repo, User: "alice", UserRequest: "add a README"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var got TaskResponse
	decode(t, resp, &got)
	assert.Equal(t, "standalone", got.Type)
	require.Len(t, f.submitter.requests, 1)
	assert.Equal(t, domain.TypeStandalone, f.submitter.requests[0].Type)

	resp = f.do(t, http.MethodPost, "/api/tasks", SubmitRequest{Repo: "not-a-repo", User: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/tasks", SubmitRequest{Type: "issue", Repo: repo, User: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "issue task without an issue number")
	assert.Len(t, f.submitter.requests, 1)
}

func TestUndoHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, domain.StatusCompleted)

	pr, err := f.fake.CreatePullRequest(ctx, repo, hosting.NewPullRequest{Title: "t", Head: "pr-pilot/x", Base: "main"})
	require.NoError(t, err)
	j := journal.New(f.store, task)
	_, err = j.Record(ctx, "assistant", domain.ActionPushBranch, "pr-pilot/x", "Pushed")
	require.NoError(t, err)
	_, err = j.Record(ctx, "assistant", domain.ActionCreatePullRequest, "1", "Created PR")
	require.NoError(t, err)
	require.Equal(t, 1, pr.Number)

	resp := f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/events", nil)
	var events []EventResponse
	decode(t, resp, &events)
	require.Len(t, events, 2)
	assert.False(t, events[0].Undoable)
	assert.True(t, events[1].Undoable)

	resp = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/undo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var undo UndoResponse
	decode(t, resp, &undo)
	require.Len(t, undo.Undone, 1)
	assert.Equal(t, string(domain.ActionClosePullRequest), undo.Undone[0].Action)
	assert.Equal(t, "closed", f.fake.PullRequests[1].State)

	// selecting the same entry again conflicts
	resp = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/undo", UndoRequest{EventIDs: []int64{events[1].ID}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/undo", UndoRequest{EventIDs: []int64{9999}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBudgetHandlers(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/budgets/alice", nil)
	var b BudgetResponse
	decode(t, resp, &b)
	assert.Equal(t, BudgetResponse{User: "alice", Balance: 500}, b)

	resp = f.do(t, http.MethodPut, "/api/budgets/alice", map[string]float64{"balance": 42})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/budgets/alice", nil)
	decode(t, resp, &b)
	assert.Equal(t, 42.0, b.Balance)

	resp = f.do(t, http.MethodPut, "/api/budgets/alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBillAndCosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, domain.StatusCompleted)

	resp := f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/bill", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, f.store.AddCostItem(ctx, &domain.CostItem{TaskID: task.ID, Title: "Agent", Model: "claude-code", Requests: 1, TotalCostUSD: 0.25}))
	_, err := f.store.SettleBill(ctx, &domain.TaskBill{TaskID: task.ID, TotalCreditsUsed: 50, DiscountPercent: 20}, task.User, 500)
	require.NoError(t, err)

	resp = f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/bill", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bill BillResponse
	decode(t, resp, &bill)
	assert.InDelta(t, 40.0, bill.FinalCost, 1e-9)

	resp = f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/costs", nil)
	var costs []CostResponse
	decode(t, resp, &costs)
	require.Len(t, costs, 1)
	assert.Equal(t, 0.25, costs[0].CostUSD)
}

func TestStreamHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, domain.StatusCompleted)
	j := journal.New(f.store, task)
	_, err := j.Record(ctx, "assistant", domain.ActionCloneRepo, repo, "Cloned")
	require.NoError(t, err)
	_, err = j.Record(ctx, "assistant", domain.ActionCommentOnIssue, "1001", "Commented")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/tasks/" + task.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + apiKey}})
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msgs []StreamMessage
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		msgs = append(msgs, msg)
	}

	require.Len(t, msgs, 3)
	assert.Equal(t, "task", msgs[0].Type)
	assert.Equal(t, "completed", msgs[0].Task.Status)
	assert.Equal(t, string(domain.ActionCloneRepo), msgs[1].Event.Action)
	assert.Equal(t, string(domain.ActionCommentOnIssue), msgs[2].Event.Action)
}
