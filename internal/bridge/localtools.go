package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

const (
	// MaxCommandOutput truncates terminal output so one command cannot
	// flood the conversation.
	MaxCommandOutput = 50_000

	// DefaultCommandTimeout applies when the input carries no
	// timeout_seconds; negative input disables the timeout.
	DefaultCommandTimeout = 30 * time.Second
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// LocalTools executes the client-side built-in tools against the real
// project directory.
type LocalTools struct {
	// Root is the project directory all paths resolve against.
	Root string

	// Shell runs terminal commands; defaults to /bin/sh.
	Shell string

	// Ripgrep is the binary used by code_search; defaults to "rg".
	Ripgrep string

	// Hooks are shell commands run by run_file_change_hooks, with the
	// changed files appended as arguments.
	Hooks []string
}

// Handle executes one delegated tool call. Failures come back as
// error-shaped result parts, never Go errors; the server folds them
// into the conversation either way.
func (lt *LocalTools) Handle(ctx context.Context, toolName string, input json.RawMessage) []models.ToolResultPart {
	switch toolName {
	case tools.WriteFile:
		return lt.writeFile(input)
	case tools.StrReplace:
		return lt.strReplace(input)
	case tools.RunTerminalCommand:
		return lt.runTerminalCommand(ctx, input)
	case tools.CodeSearch:
		return lt.codeSearch(ctx, input)
	case tools.Glob:
		return lt.glob(input)
	case tools.ListDirectory:
		return lt.listDirectory(input)
	case tools.RunFileChangeHooks:
		return lt.runFileChangeHooks(ctx, input)
	default:
		return []models.ToolResultPart{models.ErrorPart("Tool " + toolName + " is not implemented by this client")}
	}
}

// ReadFiles returns file contents keyed by path; nil marks a missing
// file. Non-nil contents always end with a trailing newline.
func (lt *LocalTools) ReadFiles(paths []string) map[string]*string {
	out := make(map[string]*string, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(lt.resolve(path))
		if err != nil {
			out[path] = nil
			continue
		}
		contents := string(raw)
		if !strings.HasSuffix(contents, "\n") {
			contents += "\n"
		}
		out[path] = &contents
	}
	return out
}

func (lt *LocalTools) writeFile(input json.RawMessage) []models.ToolResultPart {
	var in tools.WriteFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	target := lt.resolve(in.Path)
	_, statErr := os.Stat(target)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return []models.ToolResultPart{models.ErrorPart("write_file: " + err.Error())}
	}
	if err := os.WriteFile(target, []byte(in.Content), 0o644); err != nil {
		return []models.ToolResultPart{models.ErrorPart("write_file: " + err.Error())}
	}
	return []models.ToolResultPart{models.JSONPart(map[string]any{
		"path":    in.Path,
		"created": created,
	})}
}

func (lt *LocalTools) strReplace(input json.RawMessage) []models.ToolResultPart {
	var in tools.StrReplaceInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	target := lt.resolve(in.Path)
	raw, err := os.ReadFile(target)
	if err != nil {
		return []models.ToolResultPart{models.ErrorPart("str_replace: " + err.Error())}
	}
	contents := string(raw)

	applied := 0
	for _, rep := range in.Replacements {
		count := strings.Count(contents, rep.Old)
		switch {
		case count == 0:
			return []models.ToolResultPart{models.ErrorPart(
				fmt.Sprintf("No replacement performed: old string not found in %s", in.Path))}
		case count > 1 && !rep.AllowMultiple:
			return []models.ToolResultPart{models.ErrorPart(
				fmt.Sprintf("Old string appears %d times in %s; set allowMultiple to replace all", count, in.Path))}
		case rep.AllowMultiple:
			contents = strings.ReplaceAll(contents, rep.Old, rep.New)
			applied += count
		default:
			contents = strings.Replace(contents, rep.Old, rep.New, 1)
			applied++
		}
	}
	if err := os.WriteFile(target, []byte(contents), 0o644); err != nil {
		return []models.ToolResultPart{models.ErrorPart("str_replace: " + err.Error())}
	}
	return []models.ToolResultPart{models.JSONPart(map[string]any{
		"path":         in.Path,
		"replacements": applied,
	})}
}

func (lt *LocalTools) runTerminalCommand(ctx context.Context, input json.RawMessage) []models.ToolResultPart {
	var in tools.RunTerminalCommandInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	if in.Command == "" {
		return []models.ToolResultPart{models.ErrorPart("run_terminal_command: empty command")}
	}

	shell := lt.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cwd := lt.Root
	if in.CWD != "" {
		cwd = lt.resolve(in.CWD)
	}

	if in.Mode == "background" {
		cmd := exec.Command(shell, "-c", in.Command)
		cmd.Dir = cwd
		if err := cmd.Start(); err != nil {
			return []models.ToolResultPart{models.ErrorPart("run_terminal_command: " + err.Error())}
		}
		go func() { _ = cmd.Wait() }()
		return []models.ToolResultPart{models.JSONPart(map[string]any{
			"command": in.Command,
			"pid":     cmd.Process.Pid,
			"message": "Command started in background",
		})}
	}

	runCtx := ctx
	timeout := DefaultCommandTimeout
	if in.TimeoutSeconds != nil {
		if *in.TimeoutSeconds < 0 {
			timeout = 0
		} else {
			timeout = time.Duration(*in.TimeoutSeconds * float64(time.Second))
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, shell, "-c", in.Command)
	cmd.Dir = cwd
	raw, err := cmd.CombinedOutput()
	duration := time.Since(start)

	output, truncated := truncateOutput(stripANSI(string(raw)))
	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			output += fmt.Sprintf("\n[command timed out after %s]", timeout)
		}
	}
	return []models.ToolResultPart{models.JSONPart(map[string]any{
		"command":    in.Command,
		"stdout":     output,
		"exitCode":   exitCode,
		"durationMs": duration.Milliseconds(),
		"truncated":  truncated,
	})}
}

func (lt *LocalTools) codeSearch(ctx context.Context, input json.RawMessage) []models.ToolResultPart {
	var in tools.CodeSearchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	binary := lt.Ripgrep
	if binary == "" {
		binary = "rg"
	}

	args := []string{"--line-number", "--no-heading", "--color", "never"}
	if in.Flags != "" {
		args = append(args, strings.Fields(in.Flags)...)
	}
	args = append(args, "--", in.Pattern)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = lt.Root
	if in.CWD != "" {
		cmd.Dir = lt.resolve(in.CWD)
	}
	raw, err := cmd.Output()
	if err != nil {
		// Exit status 1 is "no matches" for ripgrep.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return []models.ToolResultPart{models.JSONPart(map[string]any{
				"pattern": in.Pattern,
				"matches": []string{},
			})}
		}
		return []models.ToolResultPart{models.ErrorPart("code_search: " + err.Error())}
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	truncated := false
	if in.MaxResults > 0 && len(lines) > in.MaxResults {
		lines = lines[:in.MaxResults]
		truncated = true
	}
	return []models.ToolResultPart{models.JSONPart(map[string]any{
		"pattern":   in.Pattern,
		"matches":   lines,
		"truncated": truncated,
	})}
}

func (lt *LocalTools) glob(input json.RawMessage) []models.ToolResultPart {
	var in tools.GlobInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	base := lt.Root
	if in.CWD != "" {
		base = lt.resolve(in.CWD)
	}
	matcher, err := compileGlob(in.Pattern)
	if err != nil {
		return []models.ToolResultPart{models.ErrorPart("glob: " + err.Error())}
	}

	var matches []string
	_ = filepath.WalkDir(base, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if entry.Name() == ".git" || entry.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matcher.MatchString(rel) {
			matches = append(matches, rel)
		}
		return nil
	})
	sort.Strings(matches)
	return []models.ToolResultPart{models.JSONPart(map[string]any{
		"pattern": in.Pattern,
		"matches": matches,
	})}
}

func (lt *LocalTools) listDirectory(input json.RawMessage) []models.ToolResultPart {
	var in tools.ListDirectoryInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	entries, err := os.ReadDir(lt.resolve(in.Path))
	if err != nil {
		return []models.ToolResultPart{models.ErrorPart("list_directory: " + err.Error())}
	}
	type listing struct {
		Name string `json:"name"`
		Dir  bool   `json:"dir"`
	}
	out := make([]listing, 0, len(entries))
	for _, entry := range entries {
		out = append(out, listing{Name: entry.Name(), Dir: entry.IsDir()})
	}
	return []models.ToolResultPart{models.JSONPart(map[string]any{
		"path":    in.Path,
		"entries": out,
	})}
}

func (lt *LocalTools) runFileChangeHooks(ctx context.Context, input json.RawMessage) []models.ToolResultPart {
	var in tools.RunFileChangeHooksInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}
	}
	if len(lt.Hooks) == 0 {
		return []models.ToolResultPart{models.JSONPart(map[string]any{
			"message": "No file change hooks configured",
		})}
	}

	shell := lt.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	parts := make([]models.ToolResultPart, 0, len(lt.Hooks))
	for _, hook := range lt.Hooks {
		cmd := exec.CommandContext(ctx, shell, "-c", hook+" "+strings.Join(in.Files, " "))
		cmd.Dir = lt.Root
		raw, err := cmd.CombinedOutput()
		output, _ := truncateOutput(stripANSI(string(raw)))
		if err != nil {
			parts = append(parts, models.ErrorPart(fmt.Sprintf("hook %q failed: %v\n%s", hook, err, output)))
			continue
		}
		parts = append(parts, models.JSONPart(map[string]any{
			"hook":   hook,
			"stdout": output,
		}))
	}
	return parts
}

func (lt *LocalTools) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(lt.Root, path)
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func truncateOutput(s string) (string, bool) {
	if len(s) <= MaxCommandOutput {
		return s, false
	}
	return s[:MaxCommandOutput] + "\n[output truncated]", true
}

// compileGlob converts a glob pattern to a regexp: ** crosses path
// separators, * and ? stay within one segment.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				// Swallow a following slash so "a/**/b" matches "a/b".
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					b.WriteString(`(?:[^/]+/)*`)
				} else {
					b.WriteString(`.*`)
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
