package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// MaxDetailEntries limits how many input fields a summary line shows.
const MaxDetailEntries = 3

// displaySpec declares how one tool renders in the CLI transcript.
type displaySpec struct {
	Label      string
	DetailKeys []string
}

var displaySpecs = map[string]displaySpec{
	ReadFiles:          {Label: "Reading", DetailKeys: []string{"paths"}},
	WriteFile:          {Label: "Writing", DetailKeys: []string{"path"}},
	StrReplace:         {Label: "Editing", DetailKeys: []string{"path"}},
	RunTerminalCommand: {Label: "Running", DetailKeys: []string{"command"}},
	CodeSearch:         {Label: "Searching", DetailKeys: []string{"pattern"}},
	Glob:               {Label: "Globbing", DetailKeys: []string{"pattern"}},
	ListDirectory:      {Label: "Listing", DetailKeys: []string{"path"}},
	WebSearch:          {Label: "Searching the web", DetailKeys: []string{"query"}},
	SpawnAgents:        {Label: "Spawning agents"},
	SpawnAgentInline:   {Label: "Spawning agent", DetailKeys: []string{"agent_type"}},
	AddMessage:         {Label: "Adding a note"},
	SetOutput:          {Label: "Setting output"},
	SetMessages:        {Label: "Rewriting history"},
	EndTurn:            {Label: "Done"},
	ThinkDeeply:        {Label: "Thinking"},
	RunFileChangeHooks: {Label: "Running hooks", DetailKeys: []string{"files"}},
}

// DisplaySummary renders a one-line human description of a tool call
// for transcript output, e.g. "Writing: src/main.go".
func DisplaySummary(toolName string, input json.RawMessage) string {
	spec, ok := displaySpecs[toolName]
	if !ok {
		spec = displaySpec{Label: defaultLabel(toolName)}
	}

	detail := resolveDetail(input, spec.DetailKeys)
	if detail == "" {
		return spec.Label
	}
	return spec.Label + ": " + detail
}

// defaultLabel turns an unknown (custom) tool name into a title,
// "deploy_preview" -> "Deploy Preview".
func defaultLabel(toolName string) string {
	words := strings.FieldsFunc(toolName, func(r rune) bool {
		return r == '_' || r == '-'
	})
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

func resolveDetail(input json.RawMessage, keys []string) string {
	if len(input) == 0 || len(keys) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}

	var details []string
	for _, key := range keys {
		if len(details) >= MaxDetailEntries {
			break
		}
		value, ok := fields[key]
		if !ok {
			continue
		}
		if s := coerceDetail(value); s != "" {
			details = append(details, shortenHomePath(s))
		}
	}
	return strings.Join(details, " · ")
}

func coerceDetail(value any) string {
	switch v := value.(type) {
	case string:
		return firstLine(v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if s := coerceDetail(item); s != "" {
				items = append(items, s)
			}
			if len(items) >= MaxDetailEntries {
				break
			}
		}
		return strings.Join(items, ", ")
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + "…"
	}
	if len(s) > 80 {
		s = s[:80] + "…"
	}
	return s
}

// shortenHomePath replaces the home directory prefix with ~.
func shortenHomePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, filepath.Clean(home)+string(filepath.Separator)) {
		return "~" + clean[len(filepath.Clean(home)):]
	}
	return path
}
