package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/journal"
	"github.com/hochfrequenz/taskpilot/internal/scheduler"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
)

// undoActor is the journal actor for compensations requested over the API
const undoActor = "user"

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	Title              string `json:"title,omitempty"`
	Repo               string `json:"repo"`
	User               string `json:"user"`
	Branch             string `json:"branch,omitempty"`
	IssueNumber        int    `json:"issue_number,omitempty"`
	PRNumber           int    `json:"pr_number,omitempty"`
	UserRequest        string `json:"user_request"`
	Result             string `json:"result,omitempty"`
	CommentURL         string `json:"comment_url,omitempty"`
	ResponseCommentURL string `json:"response_comment_url,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total     int `json:"total"`
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// EventResponse is one journal entry
type EventResponse struct {
	ID        int64  `json:"id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Message   string `json:"message"`
	Undoable  bool   `json:"undoable"`
	Reversed  bool   `json:"reversed"`
	CreatedAt string `json:"created_at"`
}

// CostResponse is one cost item
type CostResponse struct {
	Title            string  `json:"title"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Requests         int     `json:"requests"`
	CostUSD          float64 `json:"cost_usd"`
}

// BillResponse is a settled bill
type BillResponse struct {
	TaskID              string  `json:"task_id"`
	TotalCreditsUsed    float64 `json:"total_credits_used"`
	DiscountPercent     float64 `json:"discount_percent"`
	FinalCost           float64 `json:"final_cost"`
	UserIsOwner         bool    `json:"user_is_owner"`
	ProjectIsOpenSource bool    `json:"project_is_open_source"`
}

// BudgetResponse is a user's credit balance
type BudgetResponse struct {
	User    string  `json:"user"`
	Balance float64 `json:"balance"`
}

// SubmitRequest schedules a task without a hosting trigger or on behalf of one
type SubmitRequest struct {
	Type           string `json:"type"`
	Repo           string `json:"repo"`
	InstallationID int64  `json:"installation_id"`
	User           string `json:"user"`
	IssueNumber    int    `json:"issue_number"`
	PRNumber       int    `json:"pr_number"`
	Head           string `json:"head"`
	Base           string `json:"base"`
	CommentID      int64  `json:"comment_id"`
	CommentURL     string `json:"comment_url"`
	Command        string `json:"command"`
	UserRequest    string `json:"user_request"`
}

// UndoRequest selects journal entries to undo; empty means all candidates
type UndoRequest struct {
	EventIDs []int64 `json:"event_ids"`
}

// UndoResponse lists the compensations that ran
type UndoResponse struct {
	Undone []EventResponse `json:"undone"`
	Error  string          `json:"error,omitempty"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:                 t.ID,
		Type:               string(t.Type),
		Status:             string(t.Status),
		Title:              t.Title,
		Repo:               t.Repo,
		User:               t.User,
		Branch:             t.Branch,
		IssueNumber:        t.IssueNumber,
		PRNumber:           t.PRNumber,
		UserRequest:        t.UserRequest,
		Result:             t.Result,
		CommentURL:         t.CommentURL,
		ResponseCommentURL: t.ResponseCommentURL,
		CreatedAt:          t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          t.UpdatedAt.Format(time.RFC3339),
	}
}

func eventToResponse(ev *domain.TaskEvent) EventResponse {
	return EventResponse{
		ID:        ev.ID,
		Actor:     ev.Actor,
		Action:    string(ev.Action),
		Target:    ev.Target,
		Message:   ev.Message,
		Undoable:  ev.Undoable(),
		Reversed:  ev.Reversed,
		CreatedAt: ev.CreatedAt.Format(time.RFC3339),
	}
}

func eventsToResponse(events []*domain.TaskEvent) []EventResponse {
	resp := make([]EventResponse, len(events))
	for i, ev := range events {
		resp[i] = eventToResponse(ev)
	}
	return resp
}

func (r SubmitRequest) toScheduler() scheduler.Request {
	typ := domain.TaskType(r.Type)
	if typ == "" {
		typ = domain.TypeStandalone
	}
	return scheduler.Request{
		Type:           typ,
		Repo:           r.Repo,
		InstallationID: r.InstallationID,
		User:           r.User,
		IssueNumber:    r.IssueNumber,
		PRNumber:       r.PRNumber,
		Head:           r.Head,
		Base:           r.Base,
		CommentID:      r.CommentID,
		CommentURL:     r.CommentURL,
		Command:        r.Command,
		UserRequest:    r.UserRequest,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.store.ListTasks(r.Context(), taskstore.ListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		status.Total = len(tasks)

		for _, t := range tasks {
			switch t.Status {
			case domain.StatusScheduled:
				status.Scheduled++
			case domain.StatusRunning:
				status.Running++
			case domain.StatusCompleted:
				status.Completed++
			case domain.StatusFailed:
				status.Failed++
			}
		}

		writeJSON(w, status)
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := taskstore.ListOptions{
			Repo:   q.Get("repo"),
			User:   q.Get("user"),
			Status: domain.TaskStatus(q.Get("status")),
			Limit:  50,
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		tasks, err := s.store.ListTasks(r.Context(), opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]TaskResponse, len(tasks))
		for i, t := range tasks {
			responses[i] = taskToResponse(t)
		}

		writeJSON(w, responses)
	}
}

func (s *Server) submitTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.submitter == nil {
			writeError(w, http.StatusServiceUnavailable, "task submission is disabled")
			return
		}
		var body SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		req := body.toScheduler()
		if err := scheduler.NewTask(req).Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		task, err := s.submitter.Schedule(r.Context(), req)
		if err != nil {
			clog.FromContext(r.Context()).Errorf("scheduling task: %v", err)
			if task == nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSONStatus(w, http.StatusCreated, taskToResponse(task))
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, taskToResponse(task))
	}
}

func (s *Server) listEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.store.GetTask(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		events, err := s.store.ListEvents(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, eventsToResponse(events))
	}
}

func (s *Server) listCostsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := s.store.ListCostItems(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]CostResponse, len(items))
		for i, item := range items {
			resp[i] = CostResponse{
				Title:            item.Title,
				Model:            item.Model,
				PromptTokens:     item.PromptTokens,
				CompletionTokens: item.CompletionTokens,
				Requests:         item.Requests,
				CostUSD:          item.TotalCostUSD,
			}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getBillHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bill, err := s.store.GetBill(r.Context(), r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, BillResponse{
			TaskID:              bill.TaskID,
			TotalCreditsUsed:    bill.TotalCreditsUsed,
			DiscountPercent:     bill.DiscountPercent,
			FinalCost:           bill.FinalCost(),
			UserIsOwner:         bill.UserIsOwner,
			ProjectIsOpenSource: bill.ProjectIsOpenSource,
		})
	}
}

func (s *Server) undoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		task, err := s.store.GetTask(ctx, r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}

		var body UndoRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
				return
			}
		}

		client, err := s.provider.Client(ctx, task.InstallationID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}

		undone, err := journal.New(s.store, task).UndoEvents(ctx, client, undoActor, body.EventIDs)
		resp := UndoResponse{Undone: eventsToResponse(undone)}
		switch {
		case err == nil:
			writeJSON(w, resp)
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrNotReversible), errors.Is(err, domain.ErrAlreadyReversed):
			resp.Error = err.Error()
			writeJSONStatus(w, http.StatusConflict, resp)
		default:
			resp.Error = err.Error()
			writeJSONStatus(w, http.StatusBadGateway, resp)
		}
	}
}

func (s *Server) getBudgetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.PathValue("user")
		budget, err := s.store.GetOrCreateBudget(r.Context(), user, s.opts.DefaultBudget)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, BudgetResponse{User: user, Balance: budget.Balance})
	}
}

func (s *Server) setBudgetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.PathValue("user")
		var body struct {
			Balance *float64 `json:"balance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Balance == nil {
			writeError(w, http.StatusBadRequest, "balance is required")
			return
		}
		if err := s.store.SetBudget(r.Context(), user, *body.Balance); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, BudgetResponse{User: user, Balance: *body.Balance})
	}
}
