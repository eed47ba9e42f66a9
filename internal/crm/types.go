package crm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const DefaultLimit = 10

// ErrNoFields is returned by partial updates whose payload is empty.
var ErrNoFields = errors.New("No fields provided to update.")

// ValidationError reports a missing or invalid argument. No backend call is
// made when one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func missing(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "Field required"}
}

var (
	TaskTypes      = []string{"to-do", "email", "whatsapp", "call"}
	TaskPriorities = []string{"none", "low", "medium", "high"}
	TaskStatuses   = []string{"in_progress", "to-do", "completed"}
)

func oneOf(field string, value *string, allowed []string) error {
	if value == nil || slices.Contains(allowed, *value) {
		return nil
	}
	quoted := make([]string, len(allowed))
	for i, a := range allowed {
		quoted[i] = "'" + a + "'"
	}
	return &ValidationError{Field: field, Message: "Input should be " + strings.Join(quoted, ", ")}
}

// Limit nil means absent; the service then sends DefaultLimit. Any given
// value, zero included, is forwarded as is.
type TaskQuery struct {
	Limit  *int
	Status string
	Search string
}

type NewTask struct {
	Title    string `json:"title"`
	Priority string `json:"priority"`
}

// TaskUpdate is a partial task update; nil fields are omitted.
type TaskUpdate struct {
	Title    *string `json:"title,omitempty"`
	TaskType *string `json:"task_type,omitempty"`
	Priority *string `json:"priority,omitempty"`
	Status   *string `json:"status,omitempty"`
	DueDate  *string `json:"due_date,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

func (u TaskUpdate) empty() bool {
	return u.Title == nil && u.TaskType == nil && u.Priority == nil &&
		u.Status == nil && u.DueDate == nil && u.Notes == nil
}

func (u TaskUpdate) validate() error {
	if err := oneOf("task_type", u.TaskType, TaskTypes); err != nil {
		return err
	}
	if err := oneOf("priority", u.Priority, TaskPriorities); err != nil {
		return err
	}
	return oneOf("status", u.Status, TaskStatuses)
}

type ContactQuery struct {
	Search string
	Limit  *int
}

type NewContact struct {
	Name        string  `json:"name"`
	LastName    *string `json:"last_name,omitempty"`
	Email       string  `json:"email"`
	Title       *string `json:"title,omitempty"`
	MobilePhone *string `json:"mobile_phone,omitempty"`
	Seniority   *string `json:"seniority,omitempty"`
	Departments *string `json:"departments,omitempty"`
	Country     *string `json:"country,omitempty"`
}

// ContactUpdate is a partial contact update; nil fields are omitted.
type ContactUpdate struct {
	Name        *string `json:"name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	Email       *string `json:"email,omitempty"`
	Title       *string `json:"title,omitempty"`
	MobilePhone *string `json:"mobile_phone,omitempty"`
	Seniority   *string `json:"seniority,omitempty"`
	Departments *string `json:"departments,omitempty"`
}

func (u ContactUpdate) empty() bool {
	return u.Name == nil && u.LastName == nil && u.Email == nil && u.Title == nil &&
		u.MobilePhone == nil && u.Seniority == nil && u.Departments == nil
}

type Email struct {
	To      string  `json:"to"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	CC      *string `json:"cc,omitempty"`
	BCC     *string `json:"bcc,omitempty"`
	From    *string `json:"from,omitempty"`
}
