// Package sanitize screens inbound strings for injection and abuse patterns
// before a tool call is allowed to execute.
//
// Sanitization is a pure classification: the caller receives an ordered list
// of findings and, when a critical rule matches, a blocking reason. Nothing
// is rewritten or stripped from the input.
package sanitize

import (
	"fmt"
	"regexp"
	"sort"
)

// InputType selects the rule set and length limit applied to an input.
type InputType string

const (
	TypeCommand InputType = "command"
	TypePath    InputType = "path"
	TypeContent InputType = "content"
	TypeText    InputType = "text"
)

// Maximum permitted input length in bytes per input type.
const (
	MaxCommandLen = 10000
	MaxPathLen    = 4096
	MaxContentLen = 1000000
	MaxTextLen    = 50000
)

// Options adjusts escalation behavior. Strict turns general-category warnings
// into blocks; it never relaxes the always-critical rules.
type Options struct {
	Strict bool
}

// Finding is a single matched rule.
type Finding struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Result is the outcome of sanitizing one input. Warnings preserves detection
// order; BlockedReason carries the first critical finding, after which
// scanning stops.
type Result struct {
	Safe          bool      `json:"safe"`
	Warnings      []Finding `json:"warnings,omitempty"`
	BlockedReason string    `json:"blocked_reason,omitempty"`
}

// Always-critical patterns. These block for every input type, strict or not.
var criticalPatterns = []struct {
	re     *regexp.Regexp
	rule   string
	detail string
}{
	{regexp.MustCompile(`\x00`), "null_byte", "embedded null byte"},
	{regexp.MustCompile(`\x1b\[`), "ansi_escape", "ANSI escape sequence"},
	{regexp.MustCompile(`\.\./`), "path_traversal", "path traversal segment"},
	{regexp.MustCompile(`\.\.\\`), "path_traversal", "path traversal segment"},
}

// Command-critical patterns. Scanned only for TypeCommand, always blocking.
var commandPatterns = []struct {
	re     *regexp.Regexp
	rule   string
	detail string
}{
	{regexp.MustCompile(`(?i)\brm\s+-[rf]{1,2}\s+/`), "recursive_delete", "recursive delete of an absolute path"},
	{regexp.MustCompile(`(?i)\b(sudo|doas)\b`), "privilege_escalation", "privilege escalation"},
	{regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*0?777\b`), "world_writable", "world-writable permission change"},
	{regexp.MustCompile(`(?i)\b(curl|wget)\b.*\|\s*(ba|z)?sh\b`), "pipe_to_shell", "download piped to a shell"},
	{regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/`), "raw_disk_write", "raw disk write via dd"},
	{regexp.MustCompile(`>\s*/dev/sd`), "raw_disk_write", "redirect to a raw disk device"},
	{regexp.MustCompile(`(?i)\bmkfs\b`), "filesystem_format", "filesystem format"},
	{regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), "fork_bomb", "fork bomb"},
	{regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff|halt)\b|\binit\s+0\b`), "system_power", "system power-state change"},
}

// General metacharacter and substitution patterns. Warnings for text, path
// and content inputs; blocking for commands and in strict mode. Specific
// shapes precede the generic metacharacter rule so a block names the most
// specific finding.
var metacharPatterns = []struct {
	re     *regexp.Regexp
	rule   string
	detail string
}{
	{regexp.MustCompile(`\$\([^)]+\)`), "command_substitution", "command substitution"},
	{regexp.MustCompile("`[^`]+`"), "backtick_execution", "backtick command execution"},
	{regexp.MustCompile("[;&|`$]"), "shell_metachar", "shell metacharacter"},
}

// Sanitize classifies text against the rule set for typ. Length is checked
// first, then always-critical rules, then command-critical rules, then the
// general metacharacter rules.
func Sanitize(text string, typ InputType, opts Options) Result {
	limit := maxLength(typ)
	if len(text) > limit {
		reason := fmt.Sprintf("length exceeded (%d > %d)", len(text), limit)
		return Result{
			Warnings:      []Finding{{Rule: "length_exceeded", Detail: reason}},
			BlockedReason: reason,
		}
	}

	var warnings []Finding

	for _, p := range criticalPatterns {
		if p.re.MatchString(text) {
			warnings = append(warnings, Finding{Rule: p.rule, Detail: p.detail})
			return Result{Warnings: warnings, BlockedReason: p.detail}
		}
	}

	if typ == TypeCommand {
		for _, p := range commandPatterns {
			if p.re.MatchString(text) {
				warnings = append(warnings, Finding{Rule: p.rule, Detail: p.detail})
				return Result{Warnings: warnings, BlockedReason: p.detail}
			}
		}
	}

	block := typ == TypeCommand || opts.Strict
	for _, p := range metacharPatterns {
		if p.re.MatchString(text) {
			warnings = append(warnings, Finding{Rule: p.rule, Detail: p.detail})
			if block {
				return Result{Warnings: warnings, BlockedReason: p.detail}
			}
		}
	}

	return Result{Safe: true, Warnings: warnings}
}

// Params sanitizes every string value of a tool parameter map, selecting the
// input type from the parameter key. Parameters are visited in sorted key
// order so results are deterministic; warnings accumulate across parameters
// and the first blocking finding stops the walk. Non-string values are not
// scanned.
func Params(params map[string]any, opts Options) Result {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var warnings []Finding
	for _, k := range keys {
		s, ok := params[k].(string)
		if !ok {
			continue
		}
		r := Sanitize(s, typeForKey(k), opts)
		warnings = append(warnings, r.Warnings...)
		if r.BlockedReason != "" {
			return Result{
				Warnings:      warnings,
				BlockedReason: fmt.Sprintf("parameter %q: %s", k, r.BlockedReason),
			}
		}
	}
	return Result{Safe: true, Warnings: warnings}
}

func typeForKey(key string) InputType {
	switch key {
	case "command", "cmd", "script":
		return TypeCommand
	case "path", "file_path", "working_dir", "directory", "dir":
		return TypePath
	case "content", "body":
		return TypeContent
	default:
		return TypeText
	}
}

func maxLength(typ InputType) int {
	switch typ {
	case TypeCommand:
		return MaxCommandLen
	case TypePath:
		return MaxPathLen
	case TypeContent:
		return MaxContentLen
	default:
		return MaxTextLen
	}
}
