package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrTaskNotFound returns an error for when a task is not found.
func ErrTaskNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task not found: %s", id),
		Suggestion: "Use 'habitkeep task list' to see task ids",
	}
}

// ErrSpaceNotFound returns an error for when a space is not found.
func ErrSpaceNotFound(name string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("space not found: %s", name),
		Suggestion: fmt.Sprintf("Create the space with 'habitkeep space add %s'", name),
	}
}

// ErrTemplateNotFound returns an error for when a template is not found.
func ErrTemplateNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("template not found: %s", id),
		Suggestion: "Use 'habitkeep template list' to see template ids",
	}
}

// ErrNotSignedIn returns an error for commands that need a session.
func ErrNotSignedIn() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("not signed in"),
		Suggestion: "Run 'habitkeep login' first",
	}
}

// ErrSyncNotEnabled returns an error when sync is not configured.
func ErrSyncNotEnabled() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("sync is not enabled"),
		Suggestion: "Set sync.enabled and remote.base_url in your config file",
	}
}

// ErrRemoteOffline returns an error when the remote API is unreachable with smart suggestions.
func ErrRemoteOffline(reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("remote API is unreachable: %s", reason),
		Suggestion: getSmartSuggestion(reason),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") {
		return "The server may be slow or unreachable. Changes stay queued; try again later"
	}

	return "Check your internet connection and try again"
}

// ErrInvalidScore returns an error for an out of range score.
func ErrInvalidScore(score int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid score: %d", score),
		Suggestion: fmt.Sprintf("Score must be between %d and %d", MinScore, MaxScore),
	}
}

// ErrInvalidDate returns an error for an invalid date string.
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date: %s", dateStr),
		Suggestion: "Use YYYY-MM-DD (e.g., 2026-01-15) or today, tomorrow, +3d, +2w",
	}
}

// ErrInvalidTime returns an error for an invalid time of day.
func ErrInvalidTime(value string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid time: %s", value),
		Suggestion: "Use 24-hour HH:MM (e.g., 07:30)",
	}
}

// ErrInvalidWeekdays returns an error for an unparseable weekday list.
func ErrInvalidWeekdays(value string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid weekdays: %s", value),
		Suggestion: "Use a comma separated list such as mon,wed,fri",
	}
}

// ErrInvalidStatus returns an error for an invalid status with valid options.
func ErrInvalidStatus(status string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid status: %s", status),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}

// ErrAuthenticationFailed returns an error when the session was rejected.
func ErrAuthenticationFailed() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("authentication failed"),
		Suggestion: "Your session expired; run 'habitkeep login' again. Queued changes are kept",
	}
}
