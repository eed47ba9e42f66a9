package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prbarcelon/crmbridge/internal/crm"
	"github.com/prbarcelon/crmbridge/internal/logging"
	"github.com/prbarcelon/crmbridge/internal/protocol"
	"github.com/prbarcelon/crmbridge/internal/upstream"
)

const maxBodyBytes = 1 << 20

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// restCall wraps one REST request and collects the arguments it used for
// the history log.
type restCall struct {
	r    *http.Request
	w    http.ResponseWriter
	args map[string]any
}

func (c *restCall) pathID(name string) string {
	id := c.r.PathValue(name)
	c.args[name] = id
	return id
}

func (c *restCall) query(name string) string {
	v := c.r.URL.Query().Get(name)
	if v != "" {
		c.args[name] = v
	}
	return v
}

// queryInt parses an optional integer query parameter; absent means nil.
func (c *restCall) queryInt(name string) (*int, error) {
	raw := strings.TrimSpace(c.query(name))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &crm.ValidationError{Field: name, Message: "Input should be a valid integer, unable to parse string as an integer"}
	}
	return &n, nil
}

// decode reads the JSON body into v. An empty body decodes as {} so that
// missing fields surface as validation errors.
func (c *restCall) decode(v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.w, c.r.Body, maxBodyBytes))
	if err != nil {
		return &badRequestError{msg: fmt.Sprintf("Invalid request body: %v", err)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return &badRequestError{msg: fmt.Sprintf("Invalid JSON body: %v", err)}
	}
	for k, val := range raw {
		c.args[k] = val
	}
	if err := json.Unmarshal(body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &crm.ValidationError{Field: typeErr.Field, Message: "Input should be a valid " + jsonKind(typeErr.Type.Kind().String())}
		}
		return &badRequestError{msg: fmt.Sprintf("Invalid JSON body: %v", err)}
	}
	return nil
}

func jsonKind(kind string) string {
	switch kind {
	case "int", "int64", "float64":
		return "number"
	case "ptr":
		return "string"
	default:
		return kind
	}
}

type restFunc func(c *restCall) (upstream.Result, error)

// rest adapts an operation to an HTTP handler: it maps validation failures
// to 422, malformed bodies to 400 and everything else to 200 with the
// operation result as the body.
func (s *Server) rest(operation string, fn restFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		call := &restCall{r: r, w: w, args: map[string]any{}}
		res, err := fn(call)

		status, payload, errText := restResponse(res, err)
		writeJSON(w, status, payload)

		elapsed := time.Since(started)
		s.metrics.ObserveREST(operation, status)
		logger := logging.FromContext(r.Context(), s.logger)
		if errText != "" {
			logger.Info("rest.operation.failed", "operation", operation, "status", status, "error", errText)
		} else {
			logger.Debug("rest.operation.done", "operation", operation, "elapsed_ms", elapsed.Milliseconds())
		}
		s.recorder.Record(r.Context(), protocol.HistoryItem{
			At:         started.UTC(),
			Surface:    protocol.SurfaceREST,
			Operation:  operation,
			Args:       call.args,
			Success:    errText == "",
			Error:      errText,
			DurationMs: elapsed.Milliseconds(),
		})
	}
}

func restResponse(res upstream.Result, err error) (int, any, string) {
	if err == nil {
		return http.StatusOK, res, res.Err
	}
	var verr *crm.ValidationError
	var bad *badRequestError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, protocol.ErrorBody{
			Error:  verr.Error(),
			Detail: []protocol.FieldError{{Field: verr.Field, Message: verr.Message}},
		}, err.Error()
	case errors.As(err, &bad):
		return http.StatusBadRequest, protocol.ErrorBody{Error: bad.msg}, err.Error()
	case errors.Is(err, crm.ErrNoFields):
		return http.StatusOK, protocol.ErrorBody{Error: err.Error()}, err.Error()
	default:
		return http.StatusInternalServerError, protocol.ErrorBody{Error: err.Error()}, err.Error()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /tasks/all", s.rest(crm.OpGetTasks, func(c *restCall) (upstream.Result, error) {
		limit, err := c.queryInt("limit")
		if err != nil {
			return upstream.Result{}, err
		}
		return s.svc.GetTasks(c.r.Context(), crm.TaskQuery{Limit: limit, Status: c.query("status"), Search: c.query("search")})
	}))
	mux.HandleFunc("GET /tasks/latest", s.rest(crm.OpLatestTasks, func(c *restCall) (upstream.Result, error) {
		return s.svc.LatestTasks(c.r.Context())
	}))
	mux.HandleFunc("GET /stats", s.rest(crm.OpTaskStatistics, func(c *restCall) (upstream.Result, error) {
		return s.svc.TaskStatistics(c.r.Context())
	}))
	mux.HandleFunc("POST /tasks/create", s.rest(crm.OpCreateTask, func(c *restCall) (upstream.Result, error) {
		var in crm.NewTask
		if err := c.decode(&in); err != nil {
			return upstream.Result{}, err
		}
		return s.svc.CreateTask(c.r.Context(), in)
	}))
	mux.HandleFunc("PATCH /tasks/{id}", s.rest(crm.OpUpdateTask, func(c *restCall) (upstream.Result, error) {
		id := c.pathID("id")
		var in crm.TaskUpdate
		if err := c.decode(&in); err != nil {
			return upstream.Result{}, err
		}
		return s.svc.UpdateTask(c.r.Context(), id, in)
	}))
	mux.HandleFunc("PATCH /tasks/{id}/update-status", s.rest(crm.OpUpdateTaskStatus, func(c *restCall) (upstream.Result, error) {
		id := c.pathID("id")
		var in struct {
			Status string `json:"status"`
		}
		if err := c.decode(&in); err != nil {
			return upstream.Result{}, err
		}
		return s.svc.UpdateTaskStatus(c.r.Context(), id, in.Status)
	}))
	mux.HandleFunc("PATCH /tasks/{id}/update-priority", s.rest(crm.OpUpdateTaskPriority, func(c *restCall) (upstream.Result, error) {
		id := c.pathID("id")
		var in struct {
			Priority string `json:"priority"`
		}
		if err := c.decode(&in); err != nil {
			return upstream.Result{}, err
		}
		return s.svc.UpdateTaskPriority(c.r.Context(), id, in.Priority)
	}))
	mux.HandleFunc("GET /contacts/search", s.rest(crm.OpSearchContacts, func(c *restCall) (upstream.Result, error) {
		limit, err := c.queryInt("limit")
		if err != nil {
			return upstream.Result{}, err
		}
		return s.svc.SearchContacts(c.r.Context(), crm.ContactQuery{Search: c.query("search"), Limit: limit})
	}))
	mux.HandleFunc("POST /contacts/create", s.rest(crm.OpCreateContact, func(c *restCall) (upstream.Result, error) {
		var in crm.NewContact
		if err := c.decode(&in); err != nil {
			return upstream.Result{}, err
		}
		return s.svc.CreateContact(c.r.Context(), in)
	}))
	mux.HandleFunc("PATCH /contacts/{id}", s.rest(crm.OpUpdateContact, func(c *restCall) (upstream.Result, error) {
		id := c.pathID("id")
		var in crm.ContactUpdate
		if err := c.decode(&in); err != nil {
			return upstream.Result{}, err
		}
		return s.svc.UpdateContact(c.r.Context(), id, in)
	}))
	mux.HandleFunc("DELETE /contacts/{id}", s.rest(crm.OpDeleteContact, func(c *restCall) (upstream.Result, error) {
		return s.svc.DeleteContact(c.r.Context(), c.pathID("id"))
	}))
	mux.HandleFunc("POST /email/send", s.rest(crm.OpSendEmail, func(c *restCall) (upstream.Result, error) {
		var in crm.Email
		if err := c.decode(&in); err != nil {
			return upstream.Result{}, err
		}
		return s.svc.SendEmail(c.r.Context(), in)
	}))
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "CRM Bridge is running!"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
	})
}
