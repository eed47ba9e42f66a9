package mcp

import (
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/prbarcelon/crmbridge/internal/crm"
)

// Tool names advertised over the tool-call surface.
const (
	ToolGetTasks           = "get_crm_tasks"
	ToolCreateTask         = "create_crm_task"
	ToolUpdateTask         = "update_crm_task"
	ToolUpdateTaskStatus   = "update_crm_task_status"
	ToolUpdateTaskPriority = "update_crm_task_priority"
	ToolLatestTasks        = "get_latest_crm_tasks"
	ToolTaskStatistics     = "get_crm_task_statistics"
	ToolSearchContacts     = "search_crm_contacts"
	ToolCreateContact      = "create_crm_contact"
	ToolUpdateContact      = "update_crm_contact"
	ToolDeleteContact      = "delete_crm_contact"
	ToolSendEmail          = "send_crm_email"
)

func idArg(name, what string) mcpproto.ToolOption {
	return mcpproto.WithString(name, mcpproto.Required(), mcpproto.Description("ID of the "+what+"."))
}

func readOnly() []mcpproto.ToolOption {
	return []mcpproto.ToolOption{
		mcpproto.WithReadOnlyHintAnnotation(true),
		mcpproto.WithDestructiveHintAnnotation(false),
		mcpproto.WithOpenWorldHintAnnotation(true),
	}
}

func mutating(destructive, idempotent bool) []mcpproto.ToolOption {
	return []mcpproto.ToolOption{
		mcpproto.WithReadOnlyHintAnnotation(false),
		mcpproto.WithDestructiveHintAnnotation(destructive),
		mcpproto.WithIdempotentHintAnnotation(idempotent),
		mcpproto.WithOpenWorldHintAnnotation(true),
	}
}

func newTool(name, description string, groups ...[]mcpproto.ToolOption) mcpproto.Tool {
	opts := []mcpproto.ToolOption{mcpproto.WithDescription(description)}
	for _, g := range groups {
		opts = append(opts, g...)
	}
	return mcpproto.NewTool(name, opts...)
}

func catalogTools() []mcpproto.Tool {
	return []mcpproto.Tool{
		newTool(ToolGetTasks, "Get CRM tasks, optionally filtered by status or a search term.", readOnly(), []mcpproto.ToolOption{
			mcpproto.WithNumber("limit", mcpproto.Description("Maximum number of tasks to return."), mcpproto.DefaultNumber(crm.DefaultLimit)),
			mcpproto.WithString("status", mcpproto.Description("Only return tasks with this status, e.g. to-do.")),
			mcpproto.WithString("search", mcpproto.Description("Free-text search over tasks.")),
		}),
		newTool(ToolCreateTask, "Create a new CRM task.", mutating(false, false), []mcpproto.ToolOption{
			mcpproto.WithString("title", mcpproto.Required(), mcpproto.Description("Task title.")),
			mcpproto.WithString("priority", mcpproto.Description("Task priority."), mcpproto.Enum(crm.TaskPriorities...), mcpproto.DefaultString("medium")),
		}),
		newTool(ToolUpdateTask, "Update one or more fields of an existing CRM task. At least one field besides task_id is required.", mutating(false, true), []mcpproto.ToolOption{
			idArg("task_id", "task"),
			mcpproto.WithString("title", mcpproto.Description("New title.")),
			mcpproto.WithString("task_type", mcpproto.Description("Task type."), mcpproto.Enum(crm.TaskTypes...)),
			mcpproto.WithString("priority", mcpproto.Description("Task priority."), mcpproto.Enum(crm.TaskPriorities...)),
			mcpproto.WithString("status", mcpproto.Description("Task status."), mcpproto.Enum(crm.TaskStatuses...)),
			mcpproto.WithString("due_date", mcpproto.Description("Due date, ISO 8601.")),
			mcpproto.WithString("notes", mcpproto.Description("Free-form notes.")),
		}),
		newTool(ToolUpdateTaskStatus, "Change the status of a CRM task.", mutating(false, true), []mcpproto.ToolOption{
			idArg("task_id", "task"),
			mcpproto.WithString("status", mcpproto.Required(), mcpproto.Description("New status."), mcpproto.Enum(crm.TaskStatuses...)),
		}),
		newTool(ToolUpdateTaskPriority, "Change the priority of a CRM task.", mutating(false, true), []mcpproto.ToolOption{
			idArg("task_id", "task"),
			mcpproto.WithString("priority", mcpproto.Required(), mcpproto.Description("New priority."), mcpproto.Enum(crm.TaskPriorities...)),
		}),
		newTool(ToolLatestTasks, "Get the most recently created CRM tasks.", readOnly()),
		newTool(ToolTaskStatistics, "Get task statistics: counts by status and priority.", readOnly()),
		newTool(ToolSearchContacts, "Search CRM contacts by name, email or title.", readOnly(), []mcpproto.ToolOption{
			mcpproto.WithString("search", mcpproto.Description("Search term.")),
			mcpproto.WithNumber("limit", mcpproto.Description("Maximum number of contacts to return."), mcpproto.DefaultNumber(crm.DefaultLimit)),
		}),
		newTool(ToolCreateContact, "Create a new CRM contact.", mutating(false, false), []mcpproto.ToolOption{
			mcpproto.WithString("name", mcpproto.Required(), mcpproto.Description("First name.")),
			mcpproto.WithString("email", mcpproto.Required(), mcpproto.Description("Email address.")),
			mcpproto.WithString("last_name", mcpproto.Description("Last name.")),
			mcpproto.WithString("title", mcpproto.Description("Job title.")),
			mcpproto.WithString("mobile_phone", mcpproto.Description("Mobile phone number.")),
			mcpproto.WithString("seniority", mcpproto.Description("Seniority level.")),
			mcpproto.WithString("departments", mcpproto.Description("Departments, comma separated.")),
			mcpproto.WithString("country", mcpproto.Description("Country.")),
		}),
		newTool(ToolUpdateContact, "Update one or more fields of an existing CRM contact. At least one field besides contact_id is required.", mutating(false, true), []mcpproto.ToolOption{
			idArg("contact_id", "contact"),
			mcpproto.WithString("name", mcpproto.Description("First name.")),
			mcpproto.WithString("last_name", mcpproto.Description("Last name.")),
			mcpproto.WithString("email", mcpproto.Description("Email address.")),
			mcpproto.WithString("title", mcpproto.Description("Job title.")),
			mcpproto.WithString("mobile_phone", mcpproto.Description("Mobile phone number.")),
			mcpproto.WithString("seniority", mcpproto.Description("Seniority level.")),
			mcpproto.WithString("departments", mcpproto.Description("Departments, comma separated.")),
		}),
		newTool(ToolDeleteContact, "Delete a CRM contact.", mutating(true, true), []mcpproto.ToolOption{
			idArg("contact_id", "contact"),
		}),
		newTool(ToolSendEmail, "Send an email through the user's connected mailbox in the CRM.", mutating(false, false), []mcpproto.ToolOption{
			mcpproto.WithString("to", mcpproto.Required(), mcpproto.Description("Recipient email address.")),
			mcpproto.WithString("subject", mcpproto.Required(), mcpproto.Description("Subject line.")),
			mcpproto.WithString("body", mcpproto.Required(), mcpproto.Description("Body of the email, HTML allowed.")),
			mcpproto.WithString("cc", mcpproto.Description("Comma-separated CC addresses.")),
			mcpproto.WithString("bcc", mcpproto.Description("Comma-separated BCC addresses.")),
			mcpproto.WithString("from", mcpproto.Description("Optional sender alias or address.")),
		}),
	}
}
