package client

import (
	"fmt"
	"io"
	"strings"

	"github.com/prbarcelon/crmbridge/internal/protocol"
)

func printCallHelpFromDetail(w io.Writer, d *protocol.ToolDetail) {
	if d == nil {
		return
	}
	fmt.Fprintf(w, "tool: %s\n", d.Name)
	if d.Description != "" {
		fmt.Fprintln(w, "\ndescription:")
		printIndentedBlock(w, normalizeMultiline(d.Description), "  ")
	}
	if len(d.Properties) == 0 {
		return
	}
	fmt.Fprintln(w, "\nparameters:")
	for _, p := range d.Properties {
		req := ""
		if p.Required {
			req = " (required)"
		}
		typ := p.Type
		if typ == "" {
			typ = "any"
		}
		if len(p.Enum) > 0 {
			typ += " enum(" + strings.Join(p.Enum, "|") + ")"
		}
		if p.Default != "" {
			typ += " default(" + p.Default + ")"
		}
		descLines := splitNonEmptyLines(p.Description)
		if len(descLines) == 0 {
			fmt.Fprintf(w, "  --%-20s %s%s\n", p.Name, typ, req)
			continue
		}
		fmt.Fprintf(w, "  --%-20s %s%s: %s\n", p.Name, typ, req, descLines[0])
		for _, line := range descLines[1:] {
			fmt.Fprintf(w, "  %-20s   %s\n", "", line)
		}
	}
}

func printIndentedBlock(w io.Writer, text string, indent string) {
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			fmt.Fprintln(w)
			continue
		}
		fmt.Fprintf(w, "%s%s\n", indent, line)
	}
}

func splitNonEmptyLines(text string) []string {
	var out []string
	for _, line := range paragraphs(text) {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func printToolsList(w io.Writer, items []protocol.ToolInfo, full bool) {
	if full {
		for i, item := range items {
			fmt.Fprintln(w, item.Name)
			if len(item.Required) > 0 {
				fmt.Fprintf(w, "  required: %s\n", strings.Join(item.Required, ", "))
			}
			if len(item.Properties) > 0 {
				fmt.Fprintf(w, "  parameters: %s\n", strings.Join(item.Properties, ", "))
			}
			detail := normalizeMultiline(item.Description)
			if detail != "" {
				fmt.Fprintln(w, "  description:")
				printIndentedBlock(w, detail, "    ")
			}
			if i < len(items)-1 {
				fmt.Fprintln(w)
			}
		}
		return
	}

	for _, item := range items {
		summary := summarizeDescription(item.Description)
		if len(item.Required) > 0 {
			if summary != "" {
				summary += " "
			}
			summary += "required: " + strings.Join(item.Required, ",")
		}
		if summary != "" {
			fmt.Fprintf(w, "%-30s  %s\n", item.Name, summary)
		} else {
			fmt.Fprintln(w, item.Name)
		}
	}
}

const summaryWidth = 100

// summarizeDescription returns the first sentence of the first prose line.
// Headings lose their "#", and JSON samples and "Label:" lines are skipped.
func summarizeDescription(text string) string {
	for _, line := range paragraphs(text) {
		if line == "" || strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "#"))
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		if i := strings.Index(line, ". "); i > 0 {
			line = line[:i+1]
		}
		return truncate(line, summaryWidth)
	}
	return ""
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}

func normalizeMultiline(text string) string {
	return strings.Join(paragraphs(text), "\n")
}

// paragraphs splits text into trimmed lines, keeping one empty line between
// blocks and none at either end.
func paragraphs(text string) []string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" && (len(lines) == 0 || lines[len(lines)-1] == "") {
			continue
		}
		lines = append(lines, line)
	}
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
