package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
	"github.com/practicehub/syncstore/internal/core/validation"
)

// TaskService manages templates, task assignment and submissions.
type TaskService struct {
	coord   *Coordinator
	session *Session
	store   ports.ObjectStore
	logger  zerolog.Logger
	now     func() time.Time
}

func NewTaskService(coord *Coordinator, session *Session, store ports.ObjectStore, logger zerolog.Logger) *TaskService {
	return &TaskService{coord: coord, session: session, store: store, logger: logger, now: time.Now}
}

// List returns tasks ordered by due date. A requested status of "overdue"
// selects by the derived state, never by a stored value.
func (s *TaskService) List(ctx context.Context, in ports.ListTasksInput) ([]*domain.Task, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	owner := in.OwnerID
	if me.Role == domain.RoleCounterparty && owner == "" {
		owner = me.ID
	}

	overdueOnly := in.OverdueOnly
	status := in.Status
	if status == domain.TaskStatus(domain.StateOverdue) {
		overdueOnly, status = true, domain.TaskPending
	}

	f := domain.Filter{}
	if owner != "" {
		f = f.Eq(domain.AttrOwnerID, owner)
	}
	if status != "" {
		f = f.Eq(domain.AttrStatus, string(status))
	}
	if in.WithTemplate {
		f = f.Include(domain.RelTemplate)
	}

	rows, err := s.coord.Query(ctx, domain.KindTask, f, QueryOptions{Force: in.Refresh})
	if err != nil {
		return nil, err
	}
	tasks := typed[*domain.Task](rows)
	if !overdueOnly {
		return tasks, nil
	}
	now := s.now()
	out := tasks[:0]
	for _, t := range tasks {
		if t.IsOverdue(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Overdue returns the owner's pending tasks whose due date has passed.
func (s *TaskService) Overdue(ctx context.Context, ownerID string) ([]*domain.Task, error) {
	return s.List(ctx, ports.ListTasksInput{OwnerID: ownerID, OverdueOnly: true})
}

// Templates lists the operator's templates, newest first.
func (s *TaskService) Templates(ctx context.Context, refresh bool) ([]*domain.TaskTemplate, error) {
	rows, err := s.coord.Query(ctx, domain.KindTemplate, domain.Filter{}, QueryOptions{Force: refresh})
	if err != nil {
		return nil, err
	}
	return typed[*domain.TaskTemplate](rows), nil
}

func (s *TaskService) CreateTemplate(ctx context.Context, in ports.TemplateInput, opts ...MutationOption) (*domain.TaskTemplate, error) {
	if err := requireOperator(s.session); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	tpl := &domain.TaskTemplate{
		Title:       in.Title,
		Description: in.Description,
		Kind:        in.Kind,
		Content:     in.Content,
		CreatedAt:   s.now().UTC(),
	}
	res, err := s.coord.Create(ctx, tpl, opts...)
	if err != nil {
		return nil, err
	}
	return res.Entity.(*domain.TaskTemplate), nil
}

// UpdateTemplate edits a template. Tasks already assigned from it keep
// their snapshot.
func (s *TaskService) UpdateTemplate(ctx context.Context, id string, in ports.TemplateInput, opts ...MutationOption) (*domain.TaskTemplate, error) {
	if err := requireOperator(s.session); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}
	res, err := s.coord.Patch(ctx, domain.KindTemplate, id, func(cur domain.Entity) (domain.Patch, error) {
		tpl := cur.(*domain.TaskTemplate)
		if tpl.Kind != in.Kind {
			return nil, domain.Validationf("template kind cannot change from %s to %s", tpl.Kind, in.Kind)
		}
		return domain.Patch{
			domain.FieldTitle:       in.Title,
			domain.FieldDescription: in.Description,
			domain.FieldContent:     in.Content,
		}, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return res.Entity.(*domain.TaskTemplate), nil
}

func (s *TaskService) DeleteTemplate(ctx context.Context, id string, opts ...MutationOption) error {
	if err := requireOperator(s.session); err != nil {
		return err
	}
	_, err := s.coord.Delete(ctx, domain.KindTemplate, id, nil, opts...)
	return err
}

// Assign gives a counterparty a task, either snapshotted from a template or
// described inline.
func (s *TaskService) Assign(ctx context.Context, in ports.AssignTaskInput, opts ...MutationOption) (*domain.Task, error) {
	if err := requireOperator(s.session); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("assign task: %w", err)
	}

	now := s.now()
	var task *domain.Task
	switch {
	case in.TemplateID != "":
		tpl, err := s.template(ctx, in.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("assign task: %w", err)
		}
		task = domain.NewTaskFromTemplate(tpl, in.OwnerID, in.DueDate, now)
	case in.Inline != nil:
		if err := validation.Struct(in.Inline); err != nil {
			return nil, fmt.Errorf("assign task: %w", err)
		}
		task = domain.NewTaskFromTemplate(&domain.TaskTemplate{
			Title:       in.Inline.Title,
			Description: in.Inline.Description,
			Kind:        in.Inline.Kind,
			Content:     in.Inline.Content,
		}, in.OwnerID, in.DueDate, now)
	default:
		return nil, fmt.Errorf("assign task: %w", domain.Validationf("template_id or an inline task is required"))
	}

	res, err := s.coord.Create(ctx, task, opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("id", res.ID).Str("owner_id", in.OwnerID).Msg("task assigned")
	return res.Entity.(*domain.Task), nil
}

func (s *TaskService) template(ctx context.Context, id string) (*domain.TaskTemplate, error) {
	if e, ok := s.coord.Cache().Get(domain.KindTemplate, id); ok {
		return e.(*domain.TaskTemplate), nil
	}
	rows, err := s.coord.Query(ctx, domain.KindTemplate, domain.Where(domain.AttrID, id), QueryOptions{})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.EntityID() == id {
			return r.(*domain.TaskTemplate), nil
		}
	}
	return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
}

// Submit records the owner's answer and moves the task to submitted.
func (s *TaskService) Submit(ctx context.Context, id string, in ports.SubmitTaskInput, opts ...MutationOption) (*domain.Task, error) {
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	return s.submit(ctx, id, &domain.Submission{Text: in.Text, Checked: in.Checked, Link: in.Link}, opts)
}

// SubmitFile uploads body to object storage, reporting progress, and then
// submits the task with the stored path. Cancelling ctx aborts the upload;
// nothing is submitted in that case.
func (s *TaskService) SubmitFile(ctx context.Context, id string, body io.Reader, up ports.FileUpload, opts ...MutationOption) (*domain.Task, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	if err := validation.Struct(up); err != nil {
		return nil, fmt.Errorf("submit file: %w", err)
	}
	if s.store == nil {
		return nil, fmt.Errorf("submit file: no object store configured")
	}

	t, err := s.ownTask(ctx, me, id)
	if err != nil {
		return nil, fmt.Errorf("submit file: %w", err)
	}
	if t.Kind != domain.TaskFile {
		return nil, fmt.Errorf("submit file: %w", domain.Validationf("task %s does not take a file", id))
	}

	key := path.Join("task-submissions", me.ID, id, fmt.Sprintf("%d-%s", s.now().UnixMilli(), path.Base(up.Name)))
	ref, err := s.store.Upload(ctx, key, body, up.Size, ports.UploadOptions{ContentType: up.ContentType, Progress: up.Progress})
	if err != nil {
		return nil, fmt.Errorf("submit file: upload: %w", err)
	}
	s.logger.Info().Str("id", id).Str("path", ref.Path).Int64("size", ref.Size).Msg("submission uploaded")

	return s.submit(ctx, id, &domain.Submission{FilePath: ref.Path}, opts)
}

// ownTask resolves a task assigned to me, from the cache when possible. A
// task assigned to someone else is refused.
func (s *TaskService) ownTask(ctx context.Context, me *domain.Identity, id string) (*domain.Task, error) {
	if cur, ok := s.coord.Cache().Get(domain.KindTask, id); ok {
		t := cur.(*domain.Task)
		if t.OwnerID != me.ID {
			return nil, fmt.Errorf("%w: only the assignee submits", domain.ErrForbidden)
		}
		return t, nil
	}
	f := domain.Where(domain.AttrID, id).Eq(domain.AttrOwnerID, me.ID)
	rows, err := s.coord.Query(ctx, domain.KindTask, f, QueryOptions{})
	if err != nil {
		return nil, err
	}
	for _, t := range typed[*domain.Task](rows) {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
}

func (s *TaskService) submit(ctx context.Context, id string, sub *domain.Submission, opts []MutationOption) (*domain.Task, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	sub.SubmittedAt = s.now().UTC()
	res, err := s.coord.Patch(ctx, domain.KindTask, id, func(cur domain.Entity) (domain.Patch, error) {
		t := cur.(*domain.Task)
		if t.OwnerID != me.ID {
			return nil, fmt.Errorf("%w: only the assignee submits", domain.ErrForbidden)
		}
		return domain.Patch{
			domain.FieldStatus:     string(domain.TaskSubmitted),
			domain.FieldSubmission: sub,
		}, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return res.Entity.(*domain.Task), nil
}

// Review marks a submitted task reviewed. Operator only; reviewing twice is
// a no-op.
func (s *TaskService) Review(ctx context.Context, id string, opts ...MutationOption) (*domain.Task, error) {
	if err := requireOperator(s.session); err != nil {
		return nil, err
	}
	res, err := s.coord.Patch(ctx, domain.KindTask, id, func(cur domain.Entity) (domain.Patch, error) {
		if cur.(*domain.Task).Status == domain.TaskReviewed {
			return nil, nil
		}
		return domain.Patch{domain.FieldStatus: string(domain.TaskReviewed)}, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return res.Entity.(*domain.Task), nil
}
