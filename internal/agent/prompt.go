package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/codebuff/agent-runtime/pkg/models"
)

// Template placeholders substituted at prompt-assembly time. The set is
// fixed; unknown {{...}} tokens pass through untouched.
const (
	placeholderFileTree       = "{{FILE_TREE}}"
	placeholderGitChanges     = "{{GIT_CHANGES}}"
	placeholderRemainingSteps = "{{REMAINING_STEPS}}"
	placeholderProjectRoot    = "{{PROJECT_ROOT}}"
	placeholderSystemInfo     = "{{SYSTEM_INFO}}"
	placeholderKnowledgeFiles = "{{KNOWLEDGE_FILES}}"
)

// renderPrompt substitutes the supported placeholders with current
// session and agent state.
func renderPrompt(text string, session *models.SessionState, state *models.AgentState) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	var fc models.FileContext
	var info models.SystemInfo
	var git models.GitChanges
	var knowledge map[string]string
	if session != nil {
		fc = session.FileContext
		info = session.SystemInfo
		git = session.GitChanges
		knowledge = session.KnowledgeFiles
	}
	remaining := ""
	if state != nil {
		remaining = strconv.Itoa(state.StepsRemaining)
	}
	return strings.NewReplacer(
		placeholderFileTree, fc.FileTree,
		placeholderGitChanges, formatGitChanges(git),
		placeholderRemainingSteps, remaining,
		placeholderProjectRoot, fc.ProjectRoot,
		placeholderSystemInfo, formatSystemInfo(info),
		placeholderKnowledgeFiles, formatKnowledgeFiles(knowledge),
	).Replace(text)
}

func formatGitChanges(git models.GitChanges) string {
	var b strings.Builder
	if git.Status != "" {
		b.WriteString("Status:\n" + git.Status + "\n")
	}
	if git.Diff != "" {
		b.WriteString("Diff:\n" + git.Diff + "\n")
	}
	if git.DiffCached != "" {
		b.WriteString("Staged diff:\n" + git.DiffCached + "\n")
	}
	if git.LastCommitMsg != "" {
		b.WriteString("Recent commits:\n" + git.LastCommitMsg + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSystemInfo(info models.SystemInfo) string {
	fields := []string{}
	if info.Platform != "" {
		fields = append(fields, "platform: "+info.Platform)
	}
	if info.Arch != "" {
		fields = append(fields, "arch: "+info.Arch)
	}
	if info.Shell != "" {
		fields = append(fields, "shell: "+info.Shell)
	}
	if info.OSVersion != "" {
		fields = append(fields, "os: "+info.OSVersion)
	}
	return strings.Join(fields, ", ")
}

func formatKnowledgeFiles(files map[string]string) string {
	if len(files) == 0 {
		return ""
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		fmt.Fprintf(&b, "<knowledge_file path=%q>\n%s\n</knowledge_file>\n", path, files[path])
	}
	return strings.TrimRight(b.String(), "\n")
}

// seedHistory appends the opening messages for a run: the user (or
// spawner) prompt, pinned through truncation, and the formatted
// instructions prompt scoped to this prompt's lifetime.
func seedHistory(args RunArgs) {
	state := args.State
	prompt := args.Prompt
	if len(args.Params) > 0 {
		if raw, err := json.Marshal(args.Params); err == nil {
			if prompt != "" {
				prompt += "\n\n"
			}
			prompt += "Params: " + string(raw)
		}
	}
	if prompt != "" {
		state.MessageHistory = append(state.MessageHistory, models.Message{
			Role:                 models.RoleUser,
			Content:              prompt,
			KeepDuringTruncation: true,
		})
	}
	if args.Template != nil && args.Template.InstructionsPrompt != "" {
		state.MessageHistory = append(state.MessageHistory, models.Message{
			Role:       models.RoleUser,
			Content:    renderPrompt(args.Template.InstructionsPrompt, args.Session, state),
			TimeToLive: models.TTLUserPrompt,
		})
	}
}

// refreshStepPrompt replaces the previous step prompt with a freshly
// rendered one so each model turn sees current file-tree, git, and
// step-count values. Subagents get it wrapped in a system_reminder
// envelope.
func refreshStepPrompt(args RunArgs) {
	tmpl := args.Template
	if tmpl == nil || tmpl.StepPrompt == "" {
		return
	}
	state := args.State

	kept := state.MessageHistory[:0]
	for _, msg := range state.MessageHistory {
		if msg.TimeToLive == models.TTLAgentStep {
			continue
		}
		kept = append(kept, msg)
	}

	content := renderPrompt(tmpl.StepPrompt, args.Session, state)
	if !args.IsMain {
		content = "<system_reminder>" + content + "</system_reminder>"
	}
	state.MessageHistory = append(kept, models.Message{
		Role:       models.RoleUser,
		Content:    content,
		TimeToLive: models.TTLAgentStep,
	})
}

// systemPrompt assembles the system prompt, prepending the parent's
// when the template inherits it.
func systemPrompt(args RunArgs) string {
	var own string
	if args.Template != nil {
		own = renderPrompt(args.Template.SystemPrompt, args.Session, args.State)
	}
	if args.Template != nil && args.Template.InheritParentSystemPrompt && args.ParentSystemPrompt != "" {
		if own == "" {
			return args.ParentSystemPrompt
		}
		return args.ParentSystemPrompt + "\n\n" + own
	}
	return own
}
