package dispatch

import "errors"

// Skill registry errors.
var (
	// ErrSkillNotFound is returned when a skill is not registered.
	ErrSkillNotFound = errors.New("skill not found")

	// ErrSkillNameEmpty is returned when a skill has no name.
	ErrSkillNameEmpty = errors.New("skill name cannot be empty")

	// ErrSkillExecuteNil is returned when a skill has no execute function.
	ErrSkillExecuteNil = errors.New("skill execute function cannot be nil")

	// ErrSkillAlreadyRegistered is returned when Register hits a duplicate.
	// Bind never returns this; it replaces.
	ErrSkillAlreadyRegistered = errors.New("skill already registered")

	// ErrMissingRequiredArg is returned when a required argument is missing.
	ErrMissingRequiredArg = errors.New("missing required argument")
)
