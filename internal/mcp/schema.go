package mcp

import (
	"encoding/json"
	"fmt"
	"sort"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/prbarcelon/crmbridge/internal/protocol"
)

func toolInfos(tools []mcpproto.Tool) []protocol.ToolInfo {
	items := make([]protocol.ToolInfo, 0, len(tools))
	for _, t := range tools {
		required, properties := parseSchema(t.InputSchema)
		items = append(items, protocol.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Required:    required,
			Properties:  properties,
		})
	}
	return items
}

func toolDetail(t mcpproto.Tool) *protocol.ToolDetail {
	required, _ := parseSchema(t.InputSchema)
	return &protocol.ToolDetail{
		Name:        t.Name,
		Description: t.Description,
		Properties:  parseSchemaDetail(t.InputSchema, required),
	}
}

func parseSchema(schema interface{}) ([]string, []string) {
	type inputSchema struct {
		Required   []string               `json:"required"`
		Properties map[string]interface{} `json:"properties"`
	}
	var parsed inputSchema
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, nil
	}
	if err := json.Unmarshal(b, &parsed); err != nil {
		return nil, nil
	}
	props := make([]string, 0, len(parsed.Properties))
	for key := range parsed.Properties {
		props = append(props, key)
	}
	sort.Strings(props)
	return parsed.Required, props
}

func parseSchemaDetail(schema interface{}, requiredList []string) []protocol.PropertyDetail {
	type propEntry struct {
		Type        string        `json:"type"`
		Enum        []interface{} `json:"enum"`
		Default     interface{}   `json:"default"`
		Description string        `json:"description"`
	}
	type inputSchema struct {
		Properties map[string]propEntry `json:"properties"`
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var parsed inputSchema
	if err := json.Unmarshal(b, &parsed); err != nil {
		return nil
	}

	required := map[string]bool{}
	for _, r := range requiredList {
		required[r] = true
	}

	// required first, then alphabetical
	keys := make([]string, 0, len(parsed.Properties))
	for k := range parsed.Properties {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if required[keys[i]] != required[keys[j]] {
			return required[keys[i]]
		}
		return keys[i] < keys[j]
	})

	out := make([]protocol.PropertyDetail, 0, len(keys))
	for _, k := range keys {
		p := parsed.Properties[k]
		enum := []string{}
		for _, v := range p.Enum {
			enum = append(enum, fmt.Sprintf("%v", v))
		}
		defaultValue := ""
		if p.Default != nil {
			defaultValue = fmt.Sprintf("%v", p.Default)
		}
		out = append(out, protocol.PropertyDetail{
			Name:        k,
			Type:        p.Type,
			Enum:        enum,
			Default:     defaultValue,
			Description: p.Description,
			Required:    required[k],
		})
	}
	return out
}
