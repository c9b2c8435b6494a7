// Package plan defines the plan input format and its validator.
//
// Validation is pure: it never touches the store. A plan is accepted iff
// it is structurally well formed and its dependency graph is acyclic.
package plan

import (
	"encoding/json"
	"fmt"
)

// Subtask is one unit of execution inside a plan. Unknown JSON fields are
// ignored.
type Subtask struct {
	ID        string   `json:"id"`
	Title     string   `json:"title,omitempty"`
	Prompt    string   `json:"prompt"`
	Routing   *string  `json:"routing,omitempty"`
	RepoPath  string   `json:"repoPath,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Plan is the aggregate a caller submits: a DAG of subtasks.
type Plan struct {
	PlanID   string    `json:"planId"`
	AliasID  string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Repo     string    `json:"repo,omitempty"`
	RepoPath string    `json:"repoPath,omitempty"`
	Subtasks []Subtask `json:"subtasks"`
}

// ID returns planId, falling back to the id alias.
func (p *Plan) ID() string {
	if p.PlanID != "" {
		return p.PlanID
	}
	return p.AliasID
}

// Parse decodes a plan from JSON.
func Parse(data []byte) (*Plan, error) {
	p := &Plan{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return p, nil
}

// ValidationError is a rejected plan. Path names the offending field,
// e.g. "subtasks[3].prompt".
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

func invalid(path, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}
