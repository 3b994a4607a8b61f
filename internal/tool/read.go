package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const readDescription = `Reads a file from the filesystem.

Usage:
- Provide an absolute path, or a path relative to the working directory
- Optionally pass offset/limit to read a window of a large file
- Output is prefixed with line numbers`

const (
	readDefaultLimit = 2000
	readMaxLineLen   = 2000
)

// ReadTool returns file contents with line numbers.
type ReadTool struct {
	workDir string
}

// ReadInput is the input for the read tool.
type ReadInput struct {
	FilePath string `json:"filePath"`
	Offset   int    `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// NewReadTool creates a new read tool.
func NewReadTool(workDir string) *ReadTool {
	return &ReadTool{workDir: workDir}
}

func (t *ReadTool) ID() string          { return "read" }
func (t *ReadTool) Description() string { return readDescription }

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "Path of the file to read"
			},
			"offset": {
				"type": "integer",
				"description": "Line number to start reading from (0-based)"
			},
			"limit": {
				"type": "integer",
				"description": "Maximum number of lines to read"
			}
		},
		"required": ["filePath"]
	}`)
}

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ReadInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.FilePath == "" {
		return nil, fmt.Errorf("filePath is required")
	}

	path := params.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.workDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", params.FilePath, err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = readDefaultLimit
	}

	lines := strings.Split(string(data), "\n")
	total := len(lines)

	start := params.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	window := lines[start:end]

	var sb strings.Builder
	for i, line := range window {
		if len(line) > readMaxLineLen {
			line = line[:readMaxLineLen] + "..."
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", start+i+1, line)
	}

	return &Result{
		Title:  params.FilePath,
		Output: sb.String(),
		Metadata: map[string]any{
			"path":  path,
			"lines": total,
		},
	}, nil
}
