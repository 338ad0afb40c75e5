package reminder

import "time"

// Status is the reminder lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Method selects how a reminder is delivered.
type Method string

const (
	MethodDM      Method = "dm"
	MethodChannel Method = "channel"
)

func (m Method) Valid() bool { return m == MethodDM || m == MethodChannel }

// AssigneeType is a closed enum. Anything outside user/role is rejected at
// write time, never at delivery time.
type AssigneeType string

const (
	AssigneeUser AssigneeType = "user"
	AssigneeRole AssigneeType = "role"
)

func (t AssigneeType) Valid() bool { return t == AssigneeUser || t == AssigneeRole }

// Assignee binds a type to an id. Use User()/Role() to construct valid values.
type Assignee struct {
	Type AssigneeType
	ID   string
}

func User(id string) Assignee { return Assignee{Type: AssigneeUser, ID: id} }
func Role(id string) Assignee { return Assignee{Type: AssigneeRole, ID: id} }

// Reminder is one guild-scoped scheduled notification.
type Reminder struct {
	ID           int64
	GuildID      string
	Subject      string
	Category     string
	Content      string
	ChannelID    string // delivery channel when Method == channel
	When         time.Time
	Method       Method
	Status       Status
	AttemptCount int
	CreatedAt    time.Time
}

// Draft is the input to Create.
type Draft struct {
	Subject   string
	Category  string
	Content   string
	ChannelID string
	When      time.Time
	Method    Method // defaults to dm
}

// Patch is a partial update; nil fields are left unchanged.
// The merged record is re-validated as a whole.
type Patch struct {
	Subject   *string
	Category  *string
	Content   *string
	ChannelID *string
	When      *time.Time
	Method    *Method
}

// Assignment is a stored delivery binding for a reminder.
type Assignment struct {
	ID         string
	ReminderID int64
	Assignee   Assignee
	CreatedAt  time.Time
}

// Stats is a pure aggregate over one guild's reminders.
type Stats struct {
	Total     int
	Active    int
	Processed int
	Failed    int
}

// ListFilter narrows List results. Zero value means no filtering.
type ListFilter struct {
	// AssigneeUserID keeps only reminders with a user assignment for this id.
	AssigneeUserID string
}
