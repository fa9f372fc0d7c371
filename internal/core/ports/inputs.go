package ports

import (
	"time"

	"github.com/practicehub/syncstore/internal/core/domain"
)

// BookAppointmentInput carries the data needed to book an appointment.
// OwnerID defaults to the signed-in identity; only the operator may book for someone else.
type BookAppointmentInput struct {
	OwnerID   string
	TypeID    string    `validate:"required"`
	StartTime time.Time `validate:"required"`
	EndTime   time.Time `validate:"required,gtfield=StartTime"`
	Notes     string    `validate:"max=2000"`
}

// ListAppointmentsInput filters the appointment list.
type ListAppointmentsInput struct {
	OwnerID string
	Status  domain.AppointmentStatus
	From    time.Time
	To      time.Time
	// WithOwner joins the counterparty profile.
	WithOwner bool
	Refresh   bool
}

// RescheduleInput moves a booked appointment.
type RescheduleInput struct {
	StartTime time.Time `validate:"required"`
	EndTime   time.Time `validate:"required,gtfield=StartTime"`
}

// TemplateInput creates or replaces a task template.
type TemplateInput struct {
	Title       string          `validate:"required,max=200"`
	Description string          `validate:"max=4000"`
	Kind        domain.TaskKind `validate:"required,oneof=text file checklist link"`
	Content     domain.TemplateContent
}

// AssignTaskInput assigns a task to a counterparty, either from a template
// (TemplateID set) or inline.
type AssignTaskInput struct {
	OwnerID    string `validate:"required"`
	TemplateID string
	DueDate    time.Time `validate:"required"`
	Inline     *TemplateInput
}

// ListTasksInput filters the task list.
type ListTasksInput struct {
	OwnerID string
	Status  domain.TaskStatus
	// OverdueOnly keeps only tasks whose derived state is overdue.
	OverdueOnly  bool
	WithTemplate bool
	Refresh      bool
}

// SubmitTaskInput is the counterparty's answer to a task.
type SubmitTaskInput struct {
	Text    string
	Checked []string
	Link    string `validate:"omitempty,url"`
}

// FileUpload describes a file submitted against a task.
type FileUpload struct {
	Name        string `validate:"required"`
	ContentType string
	Size        int64 `validate:"gte=0"`
	Progress    ProgressFunc
}

// SendMessageInput posts a message into a conversation.
type SendMessageInput struct {
	ConversationID string `validate:"required"`
	Content        string `validate:"required,max=4000"`
}

// SignUpInput registers a new counterparty.
type SignUpInput struct {
	Email       string `validate:"required,email"`
	Password    string `validate:"required,min=8"`
	DisplayName string `validate:"required,max=120"`
}
