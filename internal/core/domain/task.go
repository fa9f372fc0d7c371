package domain

import (
	"strings"
	"time"
)

// TaskKind is the kind of work a task asks for.
type TaskKind string

const (
	TaskText      TaskKind = "text"
	TaskFile      TaskKind = "file"
	TaskChecklist TaskKind = "checklist"
	TaskLink      TaskKind = "link"
)

func (k TaskKind) Valid() bool {
	switch k {
	case TaskText, TaskFile, TaskChecklist, TaskLink:
		return true
	}
	return false
}

// TaskStatus is the stored lifecycle state of an assigned task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSubmitted TaskStatus = "submitted"
	TaskReviewed  TaskStatus = "reviewed"

	// taskOverdueLegacy is accepted from the wire and normalised to pending.
	// Overdue is derived from the due date, never stored.
	taskOverdueLegacy TaskStatus = "overdue"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskSubmitted},
	TaskSubmitted: {TaskReviewed},
}

func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NormalizeTaskStatus maps wire values onto the stored status set.
func NormalizeTaskStatus(s TaskStatus) TaskStatus {
	if s == taskOverdueLegacy {
		return TaskPending
	}
	return s
}

// TaskState is the status shown to users, including the derived overdue state.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateOverdue   TaskState = "overdue"
	StateSubmitted TaskState = "submitted"
	StateReviewed  TaskState = "reviewed"
)

// ClassifyTask is the single derivation of a task's displayed state. A task
// is overdue when it is still pending at now and its due date has passed.
// A stored legacy "overdue" value is treated as pending first, so both
// representations always classify the same way.
func ClassifyTask(status TaskStatus, due, now time.Time) TaskState {
	switch NormalizeTaskStatus(status) {
	case TaskSubmitted:
		return StateSubmitted
	case TaskReviewed:
		return StateReviewed
	}
	if !due.IsZero() && due.Before(now) {
		return StateOverdue
	}
	return StatePending
}

// TemplateContent is the typed body of a task or template.
type TemplateContent struct {
	Prompt string   `json:"prompt,omitempty" bson:"prompt,omitempty"`
	Items  []string `json:"items,omitempty" bson:"items,omitempty"`
	URL    string   `json:"url,omitempty" bson:"url,omitempty"`
}

func (c TemplateContent) clone() TemplateContent {
	c.Items = append([]string(nil), c.Items...)
	return c
}

func (c TemplateContent) validate(kind TaskKind) error {
	switch kind {
	case TaskChecklist:
		if len(c.Items) == 0 {
			return Validationf("checklist needs at least one item")
		}
	case TaskLink:
		if strings.TrimSpace(c.URL) == "" {
			return Validationf("link task needs a url")
		}
	}
	return nil
}

// Submission is the counterparty's answer to a task.
type Submission struct {
	Text        string    `json:"text,omitempty" bson:"text,omitempty"`
	Checked     []string  `json:"checked,omitempty" bson:"checked,omitempty"`
	Link        string    `json:"link,omitempty" bson:"link,omitempty"`
	FilePath    string    `json:"file_path,omitempty" bson:"file_path,omitempty"`
	SubmittedAt time.Time `json:"submitted_at" bson:"submitted_at"`
}

func (s *Submission) clone() *Submission {
	if s == nil {
		return nil
	}
	c := *s
	c.Checked = append([]string(nil), s.Checked...)
	return &c
}

func (s *Submission) validate(kind TaskKind, content TemplateContent) error {
	switch kind {
	case TaskText:
		if strings.TrimSpace(s.Text) == "" {
			return Validationf("text submission is empty")
		}
	case TaskFile:
		if s.FilePath == "" {
			return Validationf("file submission needs an uploaded file")
		}
	case TaskLink:
		if strings.TrimSpace(s.Link) == "" {
			return Validationf("link submission is empty")
		}
	case TaskChecklist:
		for _, item := range s.Checked {
			if !contains(content.Items, item) {
				return Validationf("checklist item %q is not part of the task", item)
			}
		}
	}
	return nil
}

// TaskTemplate is a reusable task definition owned by the operator.
type TaskTemplate struct {
	ID          string          `json:"id" bson:"_id"`
	ClientRef   string          `json:"client_ref,omitempty" bson:"client_ref,omitempty"`
	Title       string          `json:"title" bson:"title"`
	Description string          `json:"description" bson:"description"`
	Kind        TaskKind        `json:"kind" bson:"kind"`
	Content     TemplateContent `json:"content" bson:"content"`
	CreatedAt   time.Time       `json:"created_at" bson:"created_at"`
}

func (t *TaskTemplate) EntityID() string  { return t.ID }
func (t *TaskTemplate) EntityKind() Kind  { return KindTemplate }
func (t *TaskTemplate) Reference() string { return t.ClientRef }

func (t *TaskTemplate) AssignRef(ref string) { t.ID, t.ClientRef = ref, ref }
func (t *TaskTemplate) SortTime() time.Time  { return t.CreatedAt }

func (t *TaskTemplate) Attributes() map[string][]string {
	return map[string][]string{
		AttrID:   {t.ID},
		AttrKind: {string(t.Kind)},
	}
}

func (t *TaskTemplate) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return Validationf("template title is required")
	}
	if !t.Kind.Valid() {
		return Validationf("template kind %q is invalid", t.Kind)
	}
	return t.Content.validate(t.Kind)
}

func (t *TaskTemplate) Clone() Entity {
	c := *t
	c.Content = t.Content.clone()
	return &c
}

func (t *TaskTemplate) Apply(p Patch) (Entity, error) {
	c := t.Clone().(*TaskTemplate)
	for _, f := range p.Fields() {
		switch f {
		case FieldTitle:
			v, err := patchString(p, f)
			if err != nil {
				return nil, err
			}
			c.Title = v
		case FieldDescription:
			v, err := patchString(p, f)
			if err != nil {
				return nil, err
			}
			c.Description = v
		case FieldContent:
			v, ok := p[f].(TemplateContent)
			if !ok {
				return nil, Validationf("content must be template content")
			}
			c.Content = v.clone()
		default:
			return nil, unknownField(KindTemplate, f)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Task is an assignment given to one counterparty. Title, description, kind
// and content are copied from the template at assignment time and never
// follow later template edits.
type Task struct {
	ID          string          `json:"id" bson:"_id"`
	ClientRef   string          `json:"client_ref,omitempty" bson:"client_ref,omitempty"`
	TemplateID  string          `json:"template_id,omitempty" bson:"template_id,omitempty"`
	OwnerID     string          `json:"owner_id" bson:"owner_id"`
	Title       string          `json:"title" bson:"title"`
	Description string          `json:"description" bson:"description"`
	Kind        TaskKind        `json:"kind" bson:"kind"`
	Content     TemplateContent `json:"content" bson:"content"`
	AssignedAt  time.Time       `json:"assigned_at" bson:"assigned_at"`
	DueDate     time.Time       `json:"due_date" bson:"due_date"`
	Status      TaskStatus      `json:"status" bson:"status"`
	Submission  *Submission     `json:"submission,omitempty" bson:"submission,omitempty"`

	Owner    *Identity     `json:"owner,omitempty" bson:"-"`
	Template *TaskTemplate `json:"template,omitempty" bson:"-"`
}

// NewTaskFromTemplate snapshots tpl into a pending task for owner.
func NewTaskFromTemplate(tpl *TaskTemplate, ownerID string, due, now time.Time) *Task {
	return &Task{
		TemplateID:  tpl.ID,
		OwnerID:     ownerID,
		Title:       tpl.Title,
		Description: tpl.Description,
		Kind:        tpl.Kind,
		Content:     tpl.Content.clone(),
		AssignedAt:  now.UTC(),
		DueDate:     due.UTC(),
		Status:      TaskPending,
	}
}

func (t *Task) EntityID() string  { return t.ID }
func (t *Task) EntityKind() Kind  { return KindTask }
func (t *Task) Reference() string { return t.ClientRef }

func (t *Task) AssignRef(ref string) { t.ID, t.ClientRef = ref, ref }
func (t *Task) SortTime() time.Time  { return t.DueDate }

func (t *Task) Attributes() map[string][]string {
	return map[string][]string{
		AttrID:         {t.ID},
		AttrOwnerID:    {t.OwnerID},
		AttrTemplateID: {t.TemplateID},
		AttrStatus:     {string(t.Status)},
		AttrKind:       {string(t.Kind)},
	}
}

// Normalize folds wire-only status values into the stored set.
func (t *Task) Normalize() {
	t.Status = NormalizeTaskStatus(t.Status)
}

// State is the displayed state at now.
func (t *Task) State(now time.Time) TaskState {
	return ClassifyTask(t.Status, t.DueDate, now)
}

func (t *Task) IsOverdue(now time.Time) bool {
	return t.State(now) == StateOverdue
}

func (t *Task) Validate() error {
	if t.OwnerID == "" {
		return Validationf("task owner is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return Validationf("task title is required")
	}
	if !t.Kind.Valid() {
		return Validationf("task kind %q is invalid", t.Kind)
	}
	if t.DueDate.IsZero() {
		return Validationf("task due date is required")
	}
	switch t.Status {
	case TaskPending:
		if t.Submission != nil {
			return Validationf("pending task cannot carry a submission")
		}
	case TaskSubmitted, TaskReviewed:
		if t.Submission == nil {
			return Validationf("%s task needs a submission", t.Status)
		}
		if err := t.Submission.validate(t.Kind, t.Content); err != nil {
			return err
		}
	default:
		return Validationf("task status %q is invalid", t.Status)
	}
	return t.Content.validate(t.Kind)
}

func (t *Task) Clone() Entity {
	c := *t
	c.Content = t.Content.clone()
	c.Submission = t.Submission.clone()
	if t.Owner != nil {
		o := *t.Owner
		c.Owner = &o
	}
	if t.Template != nil {
		c.Template = t.Template.Clone().(*TaskTemplate)
	}
	return &c
}

func (t *Task) Apply(p Patch) (Entity, error) {
	c := t.Clone().(*Task)
	for _, f := range p.Fields() {
		switch f {
		case FieldStatus:
			v, err := patchString(p, f)
			if err != nil {
				return nil, err
			}
			next := NormalizeTaskStatus(TaskStatus(v))
			if next != t.Status && !t.Status.CanTransitionTo(next) {
				return nil, transitionError(t.Status, next)
			}
			c.Status = next
		case FieldSubmission:
			s, ok := p[f].(*Submission)
			if !ok {
				return nil, Validationf("submission has the wrong shape")
			}
			c.Submission = s.clone()
		case FieldDueDate:
			if t.Status != TaskPending {
				return nil, Validationf("due date can only change while the task is pending")
			}
			d, err := patchTime(p, f)
			if err != nil {
				return nil, err
			}
			c.DueDate = d
		default:
			return nil, unknownField(KindTask, f)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
