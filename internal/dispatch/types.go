// Package dispatch provides the skill registry the Forge registers into.
//
// Every capability - statically compiled in or forge-loaded at runtime -
// is represented by the same Skill shape: a callable with JSON-ish args
// in and a string result out. The registry never special-cases
// dynamically loaded skills.
package dispatch

import (
	"context"
)

// Origin records how a skill entered the registry.
type Origin string

const (
	// OriginStatic marks skills compiled into the binary.
	OriginStatic Origin = "static"

	// OriginForged marks skills produced by the Forge pipeline at runtime.
	OriginForged Origin = "forged"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
}

// SkillSchema defines the JSON schema for skill arguments.
type SkillSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc is the signature for skill execution.
// Returns the result string and any error.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Skill defines a callable capability.
type Skill struct {
	// Name is the unique identifier for the skill.
	Name string

	// Description explains what the skill does.
	Description string

	// Origin classifies how the skill was produced.
	Origin Origin

	// Execute runs the skill with the given arguments.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema SkillSchema
}

// Validate checks if the skill definition is valid.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return ErrSkillNameEmpty
	}
	if s.Execute == nil {
		return ErrSkillExecuteNil
	}
	return nil
}

// SkillResult wraps the result of skill execution with metadata.
type SkillResult struct {
	// SkillName identifies which skill was executed.
	SkillName string

	// Result is the string output from the skill.
	Result string

	// Error is set if the skill failed.
	Error error

	// DurationMs is how long execution took.
	DurationMs int64
}

// IsSuccess returns true if the skill executed without error.
func (r *SkillResult) IsSuccess() bool {
	return r.Error == nil
}
