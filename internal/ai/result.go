package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/buildroom-dev/buildroom/internal/apperr"
	"github.com/buildroom-dev/buildroom/internal/model"
)

// MentionToken routes a chat message to the AI client when it appears
// anywhere in the text, in any case.
const MentionToken = "@ai"

var mentionRe = regexp.MustCompile(`(?i)@ai`)

// HasMention reports whether text contains the mention token.
func HasMention(text string) bool {
	return mentionRe.MatchString(text)
}

// StripMentions removes all mention tokens and trims the remainder,
// yielding the prompt sent upstream.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}

// Command is a tool invocation declared by the AI, e.g. {npm, [install]}.
type Command struct {
	Tool string   `json:"mainItem"`
	Args []string `json:"commands"`
}

// Normalize splits a tool field that embeds arguments ("npm run dev") into
// a clean tool name and argument list.
func (c *Command) Normalize() (string, []string) {
	tool := strings.TrimSpace(c.Tool)
	args := c.Args
	if strings.Contains(tool, " ") {
		fields := strings.Fields(tool)
		tool = fields[0]
		args = append(append([]string{}, fields[1:]...), args...)
	}
	return tool, args
}

// GeneratedFile is one new or changed file in an AI response.
type GeneratedFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Result is the validated response contract of the generation service.
type Result struct {
	Text         string          `json:"text"`
	Files        []GeneratedFile `json:"files,omitempty"`
	BuildCommand *Command        `json:"buildCommand,omitempty"`
	StartCommand *Command        `json:"startCommand,omitempty"`
}

const (
	manifestName = "package.json"

	// frameworkDependency is the runtime framework the node project template
	// requires; responses that declare a manifest without it get it injected.
	frameworkDependency        = "express"
	frameworkDependencyVersion = "^4.18.3"
)

// allowedTools is the fixed allow-list of known package/process runners for
// buildCommand/startCommand. Anything else is replaced with a safe default.
var allowedTools = map[string]bool{
	"npm":  true,
	"node": true,
	"yarn": true,
	"pnpm": true,
	"bun":  true,
}

// AllowedTool reports whether tool may run workspace commands. Every command
// that does not come out of a parsed manifest goes through this check.
func AllowedTool(tool string) bool {
	return allowedTools[tool]
}

// DefaultBuildCommand is the safe fallback when a build command is invalid.
func DefaultBuildCommand() *Command {
	return &Command{Tool: "npm", Args: []string{"install"}}
}

// DefaultStartCommand is the safe fallback when a start command is invalid.
func DefaultStartCommand() *Command {
	return &Command{Tool: "npm", Args: []string{"start"}}
}

// ParseResult runs the full validation pipeline over a raw upstream
// response, in order: strict schema parse, framework dependency injection
// into the manifest, and command allow-list sanitization.
func ParseResult(raw []byte) (*Result, error) {
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperr.NewAIError(apperr.AIMalformedOutput, fmt.Errorf("response is not valid JSON: %w", err))
	}
	if result.Text == "" && len(result.Files) == 0 {
		return nil, apperr.NewAIError(apperr.AIMalformedOutput, fmt.Errorf("response carries neither text nor files"))
	}

	ensureFrameworkDependency(&result)
	sanitizeCommands(&result)

	return &result, nil
}

// ensureFrameworkDependency injects the required runtime framework into the
// dependency manifest when the AI forgot to declare it. A manifest that
// fails to parse is left untouched; the install step surfaces the problem.
func ensureFrameworkDependency(result *Result) {
	for i, f := range result.Files {
		if f.Name != manifestName {
			continue
		}

		var manifest map[string]json.RawMessage
		if err := json.Unmarshal([]byte(f.Content), &manifest); err != nil {
			return
		}

		deps := map[string]string{}
		if rawDeps, ok := manifest["dependencies"]; ok {
			if err := json.Unmarshal(rawDeps, &deps); err != nil {
				return
			}
		}
		if _, ok := deps[frameworkDependency]; ok {
			return
		}

		deps[frameworkDependency] = frameworkDependencyVersion
		encodedDeps, err := json.Marshal(deps)
		if err != nil {
			return
		}
		manifest["dependencies"] = encodedDeps

		encoded, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return
		}
		result.Files[i].Content = string(encoded)
		return
	}
}

// sanitizeCommands replaces commands whose tool is outside the allow-list
// with safe defaults rather than rejecting the whole result.
func sanitizeCommands(result *Result) {
	if result.BuildCommand != nil {
		tool, _ := result.BuildCommand.Normalize()
		if !AllowedTool(tool) {
			result.BuildCommand = DefaultBuildCommand()
		}
	}
	if result.StartCommand != nil {
		tool, _ := result.StartCommand.Normalize()
		if !AllowedTool(tool) {
			result.StartCommand = DefaultStartCommand()
		}
	}
}

// FilePatch converts the files array into a workspace patch map keyed by
// file name. The patch only ever adds or overwrites paths.
func (r *Result) FilePatch() model.FileTree {
	if len(r.Files) == 0 {
		return nil
	}
	patch := model.FileTree{}
	for _, f := range r.Files {
		if f.Name == "" {
			continue
		}
		patch[f.Name] = model.NewFileNode(f.Content)
	}
	return patch
}

// messagePayload is the wire shape of an AI-authored chat message.
type messagePayload struct {
	Text         string         `json:"text"`
	FileTree     model.FileTree `json:"fileTree,omitempty"`
	BuildCommand *Command       `json:"buildCommand,omitempty"`
	StartCommand *Command       `json:"startCommand,omitempty"`
}

// MessagePayload renders the result as the chat message payload that is
// persisted and broadcast to the room.
func (r *Result) MessagePayload() (json.RawMessage, error) {
	return json.Marshal(messagePayload{
		Text:         r.Text,
		FileTree:     r.FilePatch(),
		BuildCommand: r.BuildCommand,
		StartCommand: r.StartCommand,
	})
}
