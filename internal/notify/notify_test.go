package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(context.Background(), Notification{
		Title:   "Task completed on acme/api",
		Message: "Add a README",
		Type:    NotifySuccess,
		TaskID:  "t1",
		URL:     "https://dash.test/tasks/t1/",
		Fields:  []Field{{Name: "Cost", Value: "5.00 credits"}},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got.Text != "Task completed on acme/api" || len(got.Attachments) != 1 {
		t.Fatalf("payload = %+v", got)
	}
	att := got.Attachments[0]
	if att.Color != "good" || att.Title != "Add a README" || att.TitleLink != "https://dash.test/tasks/t1/" || att.Text != "Task t1" {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0] != (SlackField{Title: "Cost", Value: "5.00 credits", Short: true}) {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestSlackNotifier_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(context.Background(), Notification{}); err == nil {
		t.Error("expected error for 403")
	}
	if err := NewSlackNotifier("").Send(context.Background(), Notification{}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestTaskFinished(t *testing.T) {
	task := domain.NewTask(domain.TypeIssue, "acme/api", "alice", "add a README")
	task.Title = "Add a README"
	task.Status = domain.StatusCompleted

	n := TaskFinished(task, "https://dash.test/tasks/x/", &domain.TaskBill{TotalCreditsUsed: 1250, DiscountPercent: 20})
	if n.Type != NotifySuccess || n.Title != "Task completed on acme/api" || n.Message != "Add a README" {
		t.Errorf("notification = %+v", n)
	}
	fields := map[string]string{}
	for _, f := range n.Fields {
		fields[f.Name] = f.Value
	}
	if fields["Requested by"] != "@alice" || fields["Cost"] != "1,000.00 credits" {
		t.Errorf("fields = %v", fields)
	}

	task.Status = domain.StatusFailed
	task.Title = ""
	n = TaskFinished(task, "", nil)
	if n.Type != NotifyError || n.Message != "add a README" || len(n.Fields) != 2 {
		t.Errorf("failed notification = %+v", n)
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called, err: errors.New("boom")}
	mock3 := &mockNotifier{name: "mock3", calls: &called}

	multi := NewMultiNotifier(mock1, mock2, mock3, LogNotifier{}, NoopNotifier{})
	err := multi.Send(context.Background(), Notification{Title: "Test"})

	if len(called) != 3 {
		t.Errorf("Expected 3 calls, got %d", len(called))
	}
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want boom", err)
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(_ context.Context, n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}
