// Package crm maps each CRM operation onto exactly one backend call.
//
// Operations validate their arguments first and return a *ValidationError or
// ErrNoFields without touching the backend. Everything after that point is
// reported in the upstream.Result.
package crm

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/prbarcelon/crmbridge/internal/upstream"
)

// Operation names, shared by metrics, history and logs.
const (
	OpGetTasks           = "get_tasks"
	OpCreateTask         = "create_task"
	OpUpdateTask         = "update_task"
	OpUpdateTaskStatus   = "update_task_status"
	OpUpdateTaskPriority = "update_task_priority"
	OpLatestTasks        = "latest_tasks"
	OpTaskStatistics     = "task_statistics"
	OpSearchContacts     = "search_contacts"
	OpCreateContact      = "create_contact"
	OpUpdateContact      = "update_contact"
	OpDeleteContact      = "delete_contact"
	OpSendEmail          = "send_email"
)

// Caller performs one backend request. *upstream.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, req upstream.Request) upstream.Result
}

type Service struct {
	caller Caller
}

func NewService(caller Caller) *Service {
	return &Service{caller: caller}
}

func limitOrDefault(limit *int) int {
	if limit == nil {
		return DefaultLimit
	}
	return *limit
}

func idPath(collection, id, suffix string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", missing(strings.TrimSuffix(collection, "s") + "_id")
	}
	return collection + "/" + url.PathEscape(id) + "/" + suffix, nil
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return missing(field)
	}
	return nil
}

func (s *Service) GetTasks(ctx context.Context, q TaskQuery) (upstream.Result, error) {
	params := url.Values{"limit": {strconv.Itoa(limitOrDefault(q.Limit))}}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpGetTasks, Method: http.MethodGet, Endpoint: "tasks/", Query: params,
	}), nil
}

func (s *Service) CreateTask(ctx context.Context, t NewTask) (upstream.Result, error) {
	if err := requireText("title", t.Title); err != nil {
		return upstream.Result{}, err
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpCreateTask, Method: http.MethodPost, Endpoint: "tasks/", Body: t,
	}), nil
}

func (s *Service) UpdateTask(ctx context.Context, id string, u TaskUpdate) (upstream.Result, error) {
	endpoint, err := idPath("tasks", id, "")
	if err != nil {
		return upstream.Result{}, err
	}
	if u.empty() {
		return upstream.Result{}, ErrNoFields
	}
	if err := u.validate(); err != nil {
		return upstream.Result{}, err
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpUpdateTask, Method: http.MethodPatch, Endpoint: endpoint, Body: u,
	}), nil
}

func (s *Service) UpdateTaskStatus(ctx context.Context, id, status string) (upstream.Result, error) {
	endpoint, err := idPath("tasks", id, "update-status/")
	if err != nil {
		return upstream.Result{}, err
	}
	if status == "" {
		return upstream.Result{}, &ValidationError{Field: "status", Message: "Missing status field"}
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpUpdateTaskStatus, Method: http.MethodPatch, Endpoint: endpoint,
		Body: map[string]string{"status": status},
	}), nil
}

func (s *Service) UpdateTaskPriority(ctx context.Context, id, priority string) (upstream.Result, error) {
	endpoint, err := idPath("tasks", id, "update-priority/")
	if err != nil {
		return upstream.Result{}, err
	}
	if priority == "" {
		return upstream.Result{}, &ValidationError{Field: "priority", Message: "Missing priority field"}
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpUpdateTaskPriority, Method: http.MethodPatch, Endpoint: endpoint,
		Body: map[string]string{"priority": priority},
	}), nil
}

func (s *Service) LatestTasks(ctx context.Context) (upstream.Result, error) {
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpLatestTasks, Method: http.MethodGet, Endpoint: "tasks/latest/",
	}), nil
}

func (s *Service) TaskStatistics(ctx context.Context) (upstream.Result, error) {
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpTaskStatistics, Method: http.MethodGet, Endpoint: "tasks/statistics/",
	}), nil
}

func (s *Service) SearchContacts(ctx context.Context, q ContactQuery) (upstream.Result, error) {
	params := url.Values{"limit": {strconv.Itoa(limitOrDefault(q.Limit))}}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpSearchContacts, Method: http.MethodGet, Endpoint: "contacts/", Query: params,
	}), nil
}

func (s *Service) CreateContact(ctx context.Context, c NewContact) (upstream.Result, error) {
	if err := requireText("name", c.Name); err != nil {
		return upstream.Result{}, err
	}
	if err := requireText("email", c.Email); err != nil {
		return upstream.Result{}, err
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpCreateContact, Method: http.MethodPost, Endpoint: "contacts/", Body: c,
	}), nil
}

func (s *Service) UpdateContact(ctx context.Context, id string, u ContactUpdate) (upstream.Result, error) {
	endpoint, err := idPath("contacts", id, "")
	if err != nil {
		return upstream.Result{}, err
	}
	if u.empty() {
		return upstream.Result{}, ErrNoFields
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpUpdateContact, Method: http.MethodPatch, Endpoint: endpoint, Body: u,
	}), nil
}

func (s *Service) DeleteContact(ctx context.Context, id string) (upstream.Result, error) {
	endpoint, err := idPath("contacts", id, "")
	if err != nil {
		return upstream.Result{}, err
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpDeleteContact, Method: http.MethodDelete, Endpoint: endpoint,
	}), nil
}

func (s *Service) SendEmail(ctx context.Context, e Email) (upstream.Result, error) {
	for _, f := range []struct{ name, value string }{{"to", e.To}, {"subject", e.Subject}, {"body", e.Body}} {
		if err := requireText(f.name, f.value); err != nil {
			return upstream.Result{}, err
		}
	}
	return s.caller.Call(ctx, upstream.Request{
		Operation: OpSendEmail, Method: http.MethodPost, Endpoint: "email/send/", Body: e,
	}), nil
}
