package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/prbarcelon/crmbridge/internal/config"
	"github.com/prbarcelon/crmbridge/internal/mcp"
	"github.com/prbarcelon/crmbridge/internal/protocol"
	"github.com/prbarcelon/crmbridge/internal/store"
)

const DefaultURL = "http://127.0.0.1:8005"

// Options select the bridge a Client talks to.
type Options struct {
	URL       string
	Token     string
	Transport string
	JSON      bool
	Version   string
}

// Client runs operator commands against a bridge and prints the results.
type Client struct {
	opts   Options
	out    io.Writer
	errOut io.Writer
	remote remoteBridge
}

type remoteBridge interface {
	ListTools(ctx context.Context) ([]protocol.ToolInfo, error)
	InspectTool(ctx context.Context, name string) (*protocol.ToolDetail, error)
	Call(ctx context.Context, name string, args map[string]interface{}) (*mcpproto.CallToolResult, error)
}

func New(opts Options, out, errOut io.Writer) *Client {
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = DefaultURL
	}
	return &Client{
		opts:   opts,
		out:    out,
		errOut: errOut,
		remote: mcp.NewRemote(mcp.RemoteConfig{
			URL:        opts.URL,
			Token:      opts.Token,
			Transport:  opts.Transport,
			ClientName: "crmbridge",
			Version:    opts.Version,
		}),
	}
}

func (c *Client) Tools(ctx context.Context, full bool) error {
	items, err := c.remote.ListTools(ctx)
	if err != nil {
		return err
	}
	if c.opts.JSON {
		return c.writeJSON(items)
	}
	printToolsList(c.out, items, full)
	return nil
}

func (c *Client) Inspect(ctx context.Context, tool string) error {
	detail, err := c.remote.InspectTool(ctx, tool)
	if err != nil {
		return err
	}
	if c.opts.JSON {
		return c.writeJSON(detail)
	}
	printCallHelpFromDetail(c.out, detail)
	return nil
}

// ErrToolFailed is returned when a call completed but the tool reported an
// error result.
var ErrToolFailed = errors.New("tool reported an error")

// Call runs `call <tool> [--json] [--arg value ...]`. Arguments after "--"
// are passed through even when they collide with reserved names.
func (c *Client) Call(ctx context.Context, parsed CallArgs) error {
	if parsed.Tool == "" {
		return errors.New("usage: crmbridge call <tool> [--json] [--arg value ...]")
	}
	if parsed.Help {
		return c.printCallHelp(ctx, parsed.Tool)
	}

	detail, _ := c.remote.InspectTool(ctx, parsed.Tool)
	toolArgs := parseToolArgs(parsed.Rest, detail)
	if missing := missingRequired(detail, toolArgs); len(missing) > 0 {
		fmt.Fprintf(c.errOut, "missing required argument(s): --%s\n\n", strings.Join(missing, " --"))
		printCallHelpFromDetail(c.errOut, detail)
		return fmt.Errorf("missing required argument(s) for %s", parsed.Tool)
	}

	result, err := c.remote.Call(ctx, parsed.Tool, toolArgs)
	if err != nil {
		return err
	}
	switch {
	case parsed.ParseJSON:
		err = c.writeJSON(decodedResult(result))
	case c.opts.JSON:
		err = c.writeJSON(result)
	default:
		printResultText(c.out, result)
	}
	if err != nil {
		return err
	}
	if result != nil && result.IsError {
		return ErrToolFailed
	}
	return nil
}

func (c *Client) printCallHelp(ctx context.Context, tool string) error {
	fmt.Fprintf(c.out, "usage: crmbridge call %s [--json] [--arg value ...]\n", tool)
	fmt.Fprintf(c.out, "       crmbridge call %s -- [--reserved-arg value ...]\n", tool)
	fmt.Fprintln(c.out, "       --json parses JSON-like content text fields in tool results")
	fmt.Fprintln(c.out)
	detail, err := c.remote.InspectTool(ctx, tool)
	if err != nil {
		return fmt.Errorf("failed to load tool details: %w", err)
	}
	printCallHelpFromDetail(c.out, detail)
	return nil
}

// History prints entries from a local history database, oldest first.
func (c *Client) History(ctx context.Context, dbPath, surface, operation string, limit int) error {
	if strings.TrimSpace(dbPath) == "" {
		return errors.New("history database path is required")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("history database %s: %w", dbPath, err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	items, err := st.ListHistory(ctx, surface, operation, limit)
	if err != nil {
		return err
	}
	if c.opts.JSON {
		return c.writeJSON(items)
	}
	printHistory(c.out, items)
	return nil
}

// Validate loads and validates a config file.
func (c *Client) Validate(path string) error {
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "config is valid: %s\n", path)
	return nil
}

func (c *Client) writeJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// CallArgs is the parsed form of the call command line.
type CallArgs struct {
	Tool      string
	URL       string
	Token     string
	Transport string
	Rest      []string
	Help      bool
	ParseJSON bool
}

// ParseCallArgs splits connection flags and --json/--help from the tool's
// own arguments. The first positional argument names the tool.
func ParseCallArgs(args []string) (CallArgs, error) {
	var out CallArgs
	out.Rest = make([]string, 0, len(args))
	passthrough := false
	takeValue := func(i int, name string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("missing value for %s", name)
		}
		return args[i+1], nil
	}
	for i := 0; i < len(args); i++ {
		item := args[i]
		if passthrough {
			out.Rest = append(out.Rest, item)
			continue
		}
		switch {
		case item == "--":
			passthrough = true
		case item == "--help" || item == "-h":
			out.Help = true
		case item == "--json" || item == "--json=true":
			out.ParseJSON = true
		case item == "--json=false":
			out.ParseJSON = false
		case item == "--url" || item == "--token" || item == "--transport":
			value, err := takeValue(i, item)
			if err != nil {
				return CallArgs{}, err
			}
			out.setConnection(strings.TrimPrefix(item, "--"), value)
			i++
		case strings.HasPrefix(item, "--url="), strings.HasPrefix(item, "--token="), strings.HasPrefix(item, "--transport="):
			name, value, _ := strings.Cut(strings.TrimPrefix(item, "--"), "=")
			out.setConnection(name, value)
		case out.Tool == "" && !strings.HasPrefix(item, "-"):
			out.Tool = item
		default:
			out.Rest = append(out.Rest, item)
		}
	}
	return out, nil
}

func (a *CallArgs) setConnection(name, value string) {
	switch name {
	case "url":
		a.URL = value
	case "token":
		a.Token = value
	case "transport":
		a.Transport = value
	}
}

// decodedResult mirrors a tool result with every text item that holds a
// JSON object or array replaced by the decoded value.
func decodedResult(result *mcpproto.CallToolResult) map[string]any {
	out := map[string]any{"isError": false, "content": []any{}}
	if result == nil {
		return out
	}
	out["isError"] = result.IsError
	content := make([]any, 0, len(result.Content))
	for _, item := range result.Content {
		tc, ok := mcpproto.AsTextContent(item)
		if !ok {
			content = append(content, item)
			continue
		}
		entry := map[string]any{"type": "text", "text": tc.Text}
		if value, ok := decodeJSONText(tc.Text); ok {
			entry["text"] = value
		}
		content = append(content, entry)
	}
	out["content"] = content
	return out
}

func decodeJSONText(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, false
	}
	return value, true
}

// parseToolArgs turns --name value pairs into tool arguments. Values are
// converted by the parameter's schema type; parameters the schema does not
// name are guessed from their text.
func parseToolArgs(args []string, detail *protocol.ToolDetail) map[string]any {
	types := map[string]string{}
	if detail != nil {
		for _, p := range detail.Properties {
			types[p.Name] = p.Type
		}
	}
	out := map[string]any{}
	for i := 0; i < len(args); i++ {
		name, ok := strings.CutPrefix(args[i], "--")
		if !ok || name == "" {
			continue
		}
		var raw string
		hasValue := false
		if key, value, found := strings.Cut(name, "="); found {
			name, raw, hasValue = key, value, true
		} else if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			raw, hasValue = args[i+1], true
			i++
		}
		if !hasValue {
			out[name] = true
			continue
		}
		out[name] = convertArg(raw, types[name])
	}
	return out
}

func convertArg(raw, schemaType string) any {
	switch schemaType {
	case "string":
		return raw
	case "integer":
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	case "":
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}

func missingRequired(detail *protocol.ToolDetail, args map[string]any) []string {
	if detail == nil {
		return nil
	}
	var missing []string
	for _, p := range detail.Properties {
		if _, ok := args[p.Name]; p.Required && !ok {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

func printHistory(w io.Writer, items []protocol.HistoryItem) {
	for _, h := range items {
		status := "ok"
		if !h.Success {
			status = "error"
		}
		fmt.Fprintf(w, "%s %s/%s %s (%dms)\n", h.At.Format(time.RFC3339), h.Surface, h.Operation, status, h.DurationMs)
		if !h.Success && h.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", h.Error)
		}
		if len(h.Args) > 0 {
			data, _ := json.Marshal(h.Args)
			fmt.Fprintf(w, "  args: %s\n", string(data))
		}
	}
}

func printResultText(w io.Writer, result *mcpproto.CallToolResult) {
	if result == nil {
		return
	}
	for _, content := range result.Content {
		if text, ok := mcpproto.AsTextContent(content); ok {
			fmt.Fprintln(w, text.Text)
			continue
		}
		data, _ := json.MarshalIndent(content, "", "  ")
		fmt.Fprintln(w, string(data))
	}
}
