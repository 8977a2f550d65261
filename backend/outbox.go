package backend

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind is the kind of mutation recorded in the outbox
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// EntityKind names the entity an outbox row refers to
type EntityKind string

const (
	EntityTask     EntityKind = "task"
	EntitySpace    EntityKind = "space"
	EntityTemplate EntityKind = "template"
)

// EntityKinds lists every synchronized entity kind.
var EntityKinds = []EntityKind{EntityTask, EntitySpace, EntityTemplate}

// OpKinds lists every operation kind.
var OpKinds = []OpKind{OpCreate, OpUpdate, OpDelete}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == EntityTask || k == EntitySpace || k == EntityTemplate
}

// OpStatus is the processing state of an outbox row
type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpProcessing OpStatus = "processing"
	OpFailed     OpStatus = "failed"
)

// PendingOperation is a durable record of a local mutation awaiting remote propagation.
// Payload is a snapshot taken at enqueue time.
type PendingOperation struct {
	ID            int64
	OwnerID       string
	Op            OpKind
	Entity        EntityKind
	EntityID      string
	Payload       json.RawMessage
	Status        OpStatus
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	Created       time.Time
}

// Payload is the closed set of outbox snapshot shapes.
type Payload interface {
	EntityKind() EntityKind
	EntityID() string
}

// TaskPayload is the remote representation of a task.
type TaskPayload struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Schedule      string   `json:"schedule"`
	DueDate       string   `json:"due_date,omitempty"`
	DueTime       string   `json:"due_time,omitempty"`
	Status        string   `json:"status"`
	Score         *int     `json:"score,omitempty"`
	Active        bool     `json:"active"`
	SpaceID       string   `json:"space_id,omitempty"`
	SpaceName     string   `json:"space_name,omitempty"`
	TemplateID    string   `json:"template_id,omitempty"`
	TemplateTitle string   `json:"template_title,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	CreatedAt     string   `json:"created_at"`
	ModifiedAt    string   `json:"modified_at"`
}

func (p TaskPayload) EntityKind() EntityKind { return EntityTask }
func (p TaskPayload) EntityID() string       { return p.ID }

// SpacePayload is the remote representation of a space.
type SpacePayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CreatedAt  string `json:"created_at"`
	ModifiedAt string `json:"modified_at"`
}

func (p SpacePayload) EntityKind() EntityKind { return EntitySpace }
func (p SpacePayload) EntityID() string       { return p.ID }

// TemplatePayload is the remote representation of a repetitive task template.
type TemplatePayload struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	Schedule          string `json:"schedule"`
	Weekdays          []int  `json:"weekdays,omitempty"`
	TimeOfDay         string `json:"time_of_day,omitempty"`
	Scored            bool   `json:"scored"`
	Active            bool   `json:"active"`
	LastGeneratedDate string `json:"last_generated_date,omitempty"`
	SpaceID           string `json:"space_id,omitempty"`
	SpaceName         string `json:"space_name,omitempty"`
	CreatedAt         string `json:"created_at"`
	ModifiedAt        string `json:"modified_at"`
}

func (p TemplatePayload) EntityKind() EntityKind { return EntityTemplate }
func (p TemplatePayload) EntityID() string       { return p.ID }

// DeletePayload identifies a removed entity. Delete calls carry no body.
type DeletePayload struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (p DeletePayload) EntityKind() EntityKind { return p.Kind }
func (p DeletePayload) EntityID() string       { return p.ID }

// NewPendingOperation validates p against op and builds a pending outbox row.
func NewPendingOperation(ownerID string, op OpKind, p Payload) (*PendingOperation, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: anonymous data is never queued", ErrInvalidPayload)
	}
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidPayload, op)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if !p.EntityKind().Valid() {
		return nil, fmt.Errorf("%w: unknown entity %q", ErrInvalidPayload, p.EntityKind())
	}
	if p.EntityID() == "" {
		return nil, fmt.Errorf("%w: missing entity id", ErrInvalidPayload)
	}
	_, isDelete := p.(DeletePayload)
	if isDelete != (op == OpDelete) {
		return nil, fmt.Errorf("%w: %s operation with %T", ErrInvalidPayload, op, p)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &PendingOperation{
		OwnerID:  ownerID,
		Op:       op,
		Entity:   p.EntityKind(),
		EntityID: p.EntityID(),
		Payload:  data,
		Status:   OpPending,
	}, nil
}

// DecodePayload restores the typed payload of an outbox row.
func DecodePayload(op *PendingOperation) (Payload, error) {
	if op.Op == OpDelete {
		var p DeletePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	}

	var (
		p   Payload
		err error
	)
	switch op.Entity {
	case EntityTask:
		var tp TaskPayload
		err = json.Unmarshal(op.Payload, &tp)
		p = tp
	case EntitySpace:
		var sp SpacePayload
		err = json.Unmarshal(op.Payload, &sp)
		p = sp
	case EntityTemplate:
		var tp TemplatePayload
		err = json.Unmarshal(op.Payload, &tp)
		p = tp
	default:
		return nil, fmt.Errorf("%w: unknown entity %q", ErrInvalidPayload, op.Entity)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// timestampLayout is the fixed-width UTC layout shared by storage and payloads.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in the fixed-width UTC layout used for storage and
// payloads. Lexical order of formatted values equals chronological order.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp, also accepting RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}

// NewTaskPayload snapshots t with the denormalized fields the remote API expects.
func NewTaskPayload(t *Task, spaceName, templateTitle string, tags []string) TaskPayload {
	return TaskPayload{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Schedule:      string(t.Schedule),
		DueDate:       formatDate(t.DueDate),
		DueTime:       t.DueTime,
		Status:        string(t.Status),
		Score:         t.Score,
		Active:        t.Active,
		SpaceID:       StringValue(t.SpaceID),
		SpaceName:     spaceName,
		TemplateID:    StringValue(t.TemplateID),
		TemplateTitle: templateTitle,
		Tags:          tags,
		CreatedAt:     FormatTimestamp(t.Created),
		ModifiedAt:    FormatTimestamp(t.Modified),
	}
}

// NewSpacePayload snapshots s.
func NewSpacePayload(s *Space) SpacePayload {
	return SpacePayload{
		ID:         s.ID,
		Name:       s.Name,
		CreatedAt:  FormatTimestamp(s.Created),
		ModifiedAt: FormatTimestamp(s.Modified),
	}
}

// NewTemplatePayload snapshots t with its space name.
func NewTemplatePayload(t *RepetitiveTaskTemplate, spaceName string) TemplatePayload {
	days := make([]int, 0, len(t.Weekdays))
	for _, d := range t.Weekdays {
		days = append(days, int(d))
	}
	return TemplatePayload{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Schedule:          string(t.Schedule),
		Weekdays:          days,
		TimeOfDay:         t.TimeOfDay,
		Scored:            t.Scored,
		Active:            t.Active,
		LastGeneratedDate: formatDate(t.LastGeneratedDate),
		SpaceID:           StringValue(t.SpaceID),
		SpaceName:         spaceName,
		CreatedAt:         FormatTimestamp(t.Created),
		ModifiedAt:        FormatTimestamp(t.Modified),
	}
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseStamps(created, modified string) (time.Time, time.Time, error) {
	c, err := ParseTimestamp(created)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("created_at: %w", err)
	}
	m, err := ParseTimestamp(modified)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("modified_at: %w", err)
	}
	return c, m, nil
}

// Task converts a remote task into a local row owned by owner.
func (p TaskPayload) Task(owner *string) (Task, error) {
	created, modified, err := parseStamps(p.CreatedAt, p.ModifiedAt)
	if err != nil {
		return Task{}, fmt.Errorf("task %s: %w", p.ID, err)
	}
	due, err := parseOptionalDate(p.DueDate)
	if err != nil {
		return Task{}, fmt.Errorf("task %s: due_date: %w", p.ID, err)
	}
	t := Task{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Schedule:    ScheduleKind(p.Schedule),
		DueDate:     due,
		DueTime:     p.DueTime,
		Status:      TaskStatus(p.Status),
		Score:       p.Score,
		Active:      p.Active,
		SpaceID:     optional(p.SpaceID),
		TemplateID:  optional(p.TemplateID),
		OwnerID:     owner,
		Created:     created,
		Modified:    modified,
	}
	if !t.Schedule.Valid() || !t.Status.Valid() {
		return Task{}, fmt.Errorf("task %s: %w: schedule %q status %q", p.ID, ErrInvalidPayload, p.Schedule, p.Status)
	}
	return t, nil
}

// Space converts a remote space into a local row owned by owner.
func (p SpacePayload) Space(owner *string) (Space, error) {
	created, modified, err := parseStamps(p.CreatedAt, p.ModifiedAt)
	if err != nil {
		return Space{}, fmt.Errorf("space %s: %w", p.ID, err)
	}
	return Space{ID: p.ID, Name: p.Name, OwnerID: owner, Created: created, Modified: modified}, nil
}

// Template converts a remote template into a local row owned by owner.
func (p TemplatePayload) Template(owner *string) (RepetitiveTaskTemplate, error) {
	created, modified, err := parseStamps(p.CreatedAt, p.ModifiedAt)
	if err != nil {
		return RepetitiveTaskTemplate{}, fmt.Errorf("template %s: %w", p.ID, err)
	}
	last, err := parseOptionalDate(p.LastGeneratedDate)
	if err != nil {
		return RepetitiveTaskTemplate{}, fmt.Errorf("template %s: last_generated_date: %w", p.ID, err)
	}
	days := make([]time.Weekday, 0, len(p.Weekdays))
	for _, d := range p.Weekdays {
		if d < 0 || d > 6 {
			return RepetitiveTaskTemplate{}, fmt.Errorf("template %s: %w: weekday %d", p.ID, ErrInvalidPayload, d)
		}
		days = append(days, time.Weekday(d))
	}
	return RepetitiveTaskTemplate{
		ID:                p.ID,
		Title:             p.Title,
		Description:       p.Description,
		Schedule:          ScheduleKind(p.Schedule),
		Weekdays:          days,
		TimeOfDay:         p.TimeOfDay,
		Scored:            p.Scored,
		Active:            p.Active,
		LastGeneratedDate: last,
		SpaceID:           optional(p.SpaceID),
		OwnerID:           owner,
		Created:           created,
		Modified:          modified,
	}, nil
}
