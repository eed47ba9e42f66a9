package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/prbarcelon/crmbridge/internal/upstream"
)

type recordingCaller struct {
	calls  []upstream.Request
	result upstream.Result
}

func (r *recordingCaller) Call(ctx context.Context, req upstream.Request) upstream.Result {
	r.calls = append(r.calls, req)
	return r.result
}

func str(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func bodyJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return string(data)
}

func TestRequestMapping(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		run      func(s *Service) (upstream.Result, error)
		method   string
		endpoint string
		query    string
		body     string
	}{
		{
			name:     "get tasks defaults",
			run:      func(s *Service) (upstream.Result, error) { return s.GetTasks(ctx, TaskQuery{}) },
			method:   http.MethodGet,
			endpoint: "tasks/",
			query:    "limit=10",
			body:     "null",
		},
		{
			name: "get tasks filters",
			run: func(s *Service) (upstream.Result, error) {
				return s.GetTasks(ctx, TaskQuery{Limit: intPtr(5), Status: "to-do", Search: "call"})
			},
			method:   http.MethodGet,
			endpoint: "tasks/",
			query:    "limit=5&search=call&status=to-do",
			body:     "null",
		},
		{
			name:     "get tasks explicit zero limit",
			run:      func(s *Service) (upstream.Result, error) { return s.GetTasks(ctx, TaskQuery{Limit: intPtr(0)}) },
			method:   http.MethodGet,
			endpoint: "tasks/",
			query:    "limit=0",
			body:     "null",
		},
		{
			name:     "create task",
			run:      func(s *Service) (upstream.Result, error) { return s.CreateTask(ctx, NewTask{Title: "Follow up", Priority: "high"}) },
			method:   http.MethodPost,
			endpoint: "tasks/",
			body:     `{"title":"Follow up","priority":"high"}`,
		},
		{
			name:     "create task default priority",
			run:      func(s *Service) (upstream.Result, error) { return s.CreateTask(ctx, NewTask{Title: "Ping"}) },
			method:   http.MethodPost,
			endpoint: "tasks/",
			body:     `{"title":"Ping","priority":"medium"}`,
		},
		{
			name: "update task",
			run: func(s *Service) (upstream.Result, error) {
				return s.UpdateTask(ctx, "7", TaskUpdate{Status: str("completed"), Notes: str("done")})
			},
			method:   http.MethodPatch,
			endpoint: "tasks/7/",
			body:     `{"status":"completed","notes":"done"}`,
		},
		{
			name:     "update status",
			run:      func(s *Service) (upstream.Result, error) { return s.UpdateTaskStatus(ctx, "7", "completed") },
			method:   http.MethodPatch,
			endpoint: "tasks/7/update-status/",
			body:     `{"status":"completed"}`,
		},
		{
			name:     "update priority",
			run:      func(s *Service) (upstream.Result, error) { return s.UpdateTaskPriority(ctx, "7", "low") },
			method:   http.MethodPatch,
			endpoint: "tasks/7/update-priority/",
			body:     `{"priority":"low"}`,
		},
		{
			name:     "latest tasks",
			run:      func(s *Service) (upstream.Result, error) { return s.LatestTasks(ctx) },
			method:   http.MethodGet,
			endpoint: "tasks/latest/",
			body:     "null",
		},
		{
			name:     "statistics",
			run:      func(s *Service) (upstream.Result, error) { return s.TaskStatistics(ctx) },
			method:   http.MethodGet,
			endpoint: "tasks/statistics/",
			body:     "null",
		},
		{
			name:     "search contacts",
			run:      func(s *Service) (upstream.Result, error) { return s.SearchContacts(ctx, ContactQuery{Search: "ana"}) },
			method:   http.MethodGet,
			endpoint: "contacts/",
			query:    "limit=10&search=ana",
			body:     "null",
		},
		{
			name: "create contact",
			run: func(s *Service) (upstream.Result, error) {
				return s.CreateContact(ctx, NewContact{Name: "Ana", Email: "ana@example.com", Country: str("PT")})
			},
			method:   http.MethodPost,
			endpoint: "contacts/",
			body:     `{"name":"Ana","email":"ana@example.com","country":"PT"}`,
		},
		{
			name:     "update contact",
			run:      func(s *Service) (upstream.Result, error) { return s.UpdateContact(ctx, "3", ContactUpdate{Title: str("CTO")}) },
			method:   http.MethodPatch,
			endpoint: "contacts/3/",
			body:     `{"title":"CTO"}`,
		},
		{
			name:     "delete contact",
			run:      func(s *Service) (upstream.Result, error) { return s.DeleteContact(ctx, "3") },
			method:   http.MethodDelete,
			endpoint: "contacts/3/",
			body:     "null",
		},
		{
			name: "send email",
			run: func(s *Service) (upstream.Result, error) {
				return s.SendEmail(ctx, Email{To: "a@b.c", Subject: "Hi", Body: "<p>x</p>", From: str("sales")})
			},
			method:   http.MethodPost,
			endpoint: "email/send/",
			body:     `{"to":"a@b.c","subject":"Hi","body":"<p>x</p>","from":"sales"}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := &recordingCaller{result: upstream.Success(map[string]any{"ok": true})}
			if _, err := tc.run(NewService(rc)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(rc.calls) != 1 {
				t.Fatalf("expected exactly one call, got %d", len(rc.calls))
			}
			got := rc.calls[0]
			if got.Method != tc.method || got.Endpoint != tc.endpoint {
				t.Errorf("expected %s %s, got %s %s", tc.method, tc.endpoint, got.Method, got.Endpoint)
			}
			if q := got.Query.Encode(); q != tc.query {
				t.Errorf("expected query %q, got %q", tc.query, q)
			}
			if b := bodyJSON(t, got.Body); b != tc.body {
				t.Errorf("expected body %s, got %s", tc.body, b)
			}
			if got.Operation == "" {
				t.Error("expected operation name")
			}
		})
	}
}

func TestCreateTaskReturnsBackendPayloadUnchanged(t *testing.T) {
	payload := map[string]any{"id": json.Number("5"), "title": "Follow up", "priority": "high"}
	rc := &recordingCaller{result: upstream.Success(payload)}
	res, err := NewService(rc).CreateTask(context.Background(), NewTask{Title: "Follow up", Priority: "high"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := bodyJSON(t, res); got != `{"id":5,"priority":"high","title":"Follow up"}` {
		t.Errorf("unexpected result %s", got)
	}
}

func TestEmptyUpdatesShortCircuit(t *testing.T) {
	rc := &recordingCaller{}
	s := NewService(rc)
	if _, err := s.UpdateTask(context.Background(), "1", TaskUpdate{}); !errors.Is(err, ErrNoFields) {
		t.Errorf("update task: expected ErrNoFields, got %v", err)
	}
	if _, err := s.UpdateContact(context.Background(), "1", ContactUpdate{}); !errors.Is(err, ErrNoFields) {
		t.Errorf("update contact: expected ErrNoFields, got %v", err)
	}
	if ErrNoFields.Error() != "No fields provided to update." {
		t.Errorf("unexpected message %q", ErrNoFields.Error())
	}
	if len(rc.calls) != 0 {
		t.Fatalf("expected no backend calls, got %d", len(rc.calls))
	}
}

func TestValidationFailuresMakeNoCall(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		field string
		run   func(s *Service) error
	}{
		{"task title", "title", func(s *Service) error { _, err := s.CreateTask(ctx, NewTask{Title: "  "}); return err }},
		{"task id", "task_id", func(s *Service) error { _, err := s.UpdateTaskStatus(ctx, "", "done"); return err }},
		{"status", "status", func(s *Service) error { _, err := s.UpdateTaskStatus(ctx, "1", ""); return err }},
		{"priority", "priority", func(s *Service) error { _, err := s.UpdateTaskPriority(ctx, "1", ""); return err }},
		{"contact name", "name", func(s *Service) error { _, err := s.CreateContact(ctx, NewContact{Email: "a@b.c"}); return err }},
		{"contact email", "email", func(s *Service) error { _, err := s.CreateContact(ctx, NewContact{Name: "A"}); return err }},
		{"contact id", "contact_id", func(s *Service) error { _, err := s.DeleteContact(ctx, ""); return err }},
		{"email to", "to", func(s *Service) error { _, err := s.SendEmail(ctx, Email{Subject: "s", Body: "b"}); return err }},
		{"email body", "body", func(s *Service) error { _, err := s.SendEmail(ctx, Email{To: "t", Subject: "s"}); return err }},
		{"task type enum", "task_type", func(s *Service) error {
			_, err := s.UpdateTask(ctx, "1", TaskUpdate{TaskType: str("fax")})
			return err
		}},
		{"status enum", "status", func(s *Service) error {
			_, err := s.UpdateTask(ctx, "1", TaskUpdate{Status: str("done")})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := &recordingCaller{}
			err := tc.run(NewService(rc))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, verr.Field)
			}
			if len(rc.calls) != 0 {
				t.Errorf("expected no backend call, got %d", len(rc.calls))
			}
		})
	}
}

func TestIDIsPathEscaped(t *testing.T) {
	rc := &recordingCaller{}
	if _, err := NewService(rc).DeleteContact(context.Background(), "a/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rc.calls[0].Endpoint; got != "contacts/a%2Fb/" {
		t.Errorf("unexpected endpoint %q", got)
	}
}
