package backend

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the storage and wire format for calendar dates.
const DateLayout = "2006-01-02"

// ScheduleKind describes when a task or template recurs
type ScheduleKind string

const (
	ScheduleUnscheduled  ScheduleKind = "unscheduled"
	ScheduleOnce         ScheduleKind = "once"
	ScheduleDaily        ScheduleKind = "daily"
	ScheduleSpecificDays ScheduleKind = "specific_days"
)

// Valid reports whether k is a known schedule kind.
func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleUnscheduled, ScheduleOnce, ScheduleDaily, ScheduleSpecificDays:
		return true
	}
	return false
}

// TaskStatus represents the completion state of a task
type TaskStatus string

const (
	StatusIncomplete TaskStatus = "incomplete"
	StatusComplete   TaskStatus = "complete"
	StatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	return s == StatusIncomplete || s == StatusComplete || s == StatusFailed
}

// Task is a single to-do or habit occurrence
type Task struct {
	ID          string
	Title       string
	Description string // rich text, stored verbatim
	Schedule    ScheduleKind
	DueDate     *time.Time // date only, midnight UTC
	DueTime     string     // HH:MM, empty when untimed
	Status      TaskStatus
	Score       *int
	Active      bool
	SpaceID     *string
	TemplateID  *string
	OwnerID     *string // nil for anonymous rows
	Created     time.Time
	Modified    time.Time
}

// RepetitiveTaskTemplate generates Task rows on the days its rule matches
type RepetitiveTaskTemplate struct {
	ID                string
	Title             string
	Description       string
	Schedule          ScheduleKind // ScheduleDaily or ScheduleSpecificDays
	Weekdays          []time.Weekday
	TimeOfDay         string
	Scored            bool
	Active            bool
	LastGeneratedDate *time.Time
	SpaceID           *string
	OwnerID           *string
	Created           time.Time
	Modified          time.Time
}

// OccursOn reports whether the template's rule matches the given date.
func (t *RepetitiveTaskTemplate) OccursOn(day time.Time) bool {
	switch t.Schedule {
	case ScheduleDaily:
		return true
	case ScheduleSpecificDays:
		return slices.Contains(t.Weekdays, day.Weekday())
	default:
		return false
	}
}

// Space is a named grouping of tasks and templates
type Space struct {
	ID       string
	Name     string
	OwnerID  *string
	Created  time.Time
	Modified time.Time
}

// Tag is a free-form label attached to tasks
type Tag struct {
	ID      string
	Name    string
	OwnerID *string
	Created time.Time
}

// User is the local shadow of the authenticated identity
type User struct {
	ID       string
	Email    string
	Premium  bool
	Created  time.Time
	Modified time.Time
}

// TaskCounts are the aggregates consumed by notification and purchase collaborators.
type TaskCounts struct {
	Overdue  int
	ByStatus map[TaskStatus]int
	BySpace  map[string]int // keyed by space id, "" for tasks without a space
}

// Owner converts a user id into the optional owner used by repositories.
// An empty id yields nil, the anonymous owner.
func Owner(userID string) *string {
	if userID == "" {
		return nil
	}
	return &userID
}

// OwnerString returns the owner id or "" for anonymous rows.
func OwnerString(owner *string) string {
	return StringValue(owner)
}

// StringValue dereferences an optional string, returning "" for nil.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// FindSpaceByName searches for a space by name (case-insensitive) in a slice of spaces.
// Returns nil if no match is found.
func FindSpaceByName(spaces []Space, name string) *Space {
	for _, s := range spaces {
		if strings.EqualFold(s.Name, name) {
			return &s
		}
	}
	return nil
}

// GenerateID generates a unique identifier using UUID v4.
func GenerateID() string {
	return uuid.New().String()
}
