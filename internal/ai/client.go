// Package ai wraps the external generation service behind a strict
// request/response contract. Responses are validated before anything
// touches the workspace.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/buildroom-dev/buildroom/internal/apperr"
)

// systemContract pins the upstream response to the Result schema. Full
// file-tree echoes are forbidden: only new or changed files come back.
const systemContract = `You are an expert full-stack developer. You write modular,
maintainable code with consistent indentation and handle errors and edge
cases carefully.

Respond ONLY with JSON containing:
- "text": explanation of the solution
- "files": array of {"name": "filename", "content": "file content"}
- "buildCommand": {"mainItem": "npm", "commands": ["install"]} (if needed)
- "startCommand": {"mainItem": "npm", "commands": ["start"]} (if needed)

Rules:
- "files" must ONLY contain new or updated files. Never return the entire
  existing file tree.
- ALWAYS include a package.json with ALL required dependencies. For Express
  projects it MUST include "express" in dependencies.
- "mainItem" must be a valid CLI tool like "npm", "node", or "yarn". Never
  a file name.
- File contents must be properly formatted with line breaks, never a whole
  file on a single line.
- Do not use nested path names like routes/index.js; keep file names flat.`

// Client calls the Gemini generation service.
type Client struct {
	apiKey  string
	model   string
	timeout time.Duration
}

// NewClient creates a generation client. An empty apiKey leaves the client
// unconfigured; Generate then fails without calling upstream.
func NewClient(apiKey, model string, timeout time.Duration) *Client {
	return &Client{apiKey: apiKey, model: model, timeout: timeout}
}

// IsConfigured reports whether the client has credentials.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// Generate sends the prompt upstream and returns the validated result.
// All failures come back as *apperr.AIError with a category the pipeline
// turns into a user-facing chat message.
func (c *Client) Generate(ctx context.Context, prompt string) (*Result, error) {
	if !c.IsConfigured() {
		return nil, apperr.NewAIError(apperr.AIUnknown, errors.New("generation service is not configured (missing API key)"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, apperr.NewAIError(apperr.AIUnknown, fmt.Errorf("failed to create client: %w", err))
	}
	defer client.Close()

	generativeModel := client.GenerativeModel(c.model)
	generativeModel.ResponseMIMEType = "application/json"
	generativeModel.ResponseSchema = resultSchema()
	generativeModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemContract)},
	}

	resp, err := generativeModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, apperr.NewAIError(classify(err), fmt.Errorf("generation call failed: %w", err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, apperr.NewAIError(apperr.AIMalformedOutput, errors.New("empty response from generation service"))
	}

	var output strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			output.WriteString(string(text))
		}
	}

	return ParseResult([]byte(output.String()))
}

// classify maps an upstream call failure to a user-facing category.
func classify(err error) apperr.AIErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.AIOverloaded
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "unavailable"):
		return apperr.AIOverloaded
	default:
		return apperr.AIUnknown
	}
}

// resultSchema mirrors the Result type for upstream constrained decoding.
func resultSchema() *genai.Schema {
	command := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"mainItem": {Type: genai.TypeString},
			"commands": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
		},
		Required: []string{"mainItem", "commands"},
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"text": {Type: genai.TypeString},
			"files": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"name":    {Type: genai.TypeString},
						"content": {Type: genai.TypeString},
					},
					Required: []string{"name", "content"},
				},
			},
			"buildCommand": command,
			"startCommand": command,
		},
		Required: []string{"text"},
	}
}
