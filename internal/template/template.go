// Package template implements reusable workflow plan prototypes (spec
// §4.10): capturing a workflow's task graph (or an authored one) as a
// named, versioned template that can later be applied with concrete
// variable substitutions to start a new workflow.
package template

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cawhq/caw/internal/errs"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/model"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/task"
	"github.com/cawhq/caw/internal/workflow"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const columns = "id, name, description, template, version, created_at, updated_at"

var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// CreateParams are the inputs to Create. Exactly one of FromWorkflowID
// and Definition must be set: the former clones an existing workflow's
// task graph, the latter authors a template directly.
type CreateParams struct {
	Name           string
	Description    string
	FromWorkflowID *string
	Definition     *model.TemplateDefinition
}

// ApplyResult is the return shape of Apply.
type ApplyResult struct {
	WorkflowID string
}

// Service is the top-level entry point used by the HTTP adapter and CLI.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Create(ctx context.Context, params CreateParams) (*model.WorkflowTemplate, error) {
	return Create(ctx, s.store.DB(), params)
}

func (s *Service) List(ctx context.Context) ([]*model.WorkflowTemplate, error) {
	return List(ctx, s.store.DB())
}

func (s *Service) Get(ctx context.Context, id string) (*model.WorkflowTemplate, error) {
	return Get(ctx, s.store.DB(), id)
}

func (s *Service) Apply(ctx context.Context, id string, variables map[string]string) (*ApplyResult, error) {
	var out *ApplyResult
	err := s.store.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = Apply(ctx, tx, id, variables)
		return err
	})
	return out, err
}

func (s *Service) UpdateVersion(ctx context.Context, id string, def model.TemplateDefinition) (*model.WorkflowTemplate, error) {
	return UpdateVersion(ctx, s.store.DB(), id, def)
}

// Create inserts a new named template, version 1.
func Create(ctx context.Context, q store.Querier, params CreateParams) (*model.WorkflowTemplate, error) {
	if params.Name == "" {
		return nil, errs.Validation("template: name is required")
	}
	if (params.FromWorkflowID == nil) == (params.Definition == nil) {
		return nil, errs.Validation("template: exactly one of from_workflow_id and template must be set")
	}

	var def model.TemplateDefinition
	if params.FromWorkflowID != nil {
		cloned, err := cloneFromWorkflow(ctx, q, *params.FromWorkflowID)
		if err != nil {
			return nil, err
		}
		def = *cloned
	} else {
		def = *params.Definition
	}
	if len(def.Tasks) == 0 {
		return nil, errs.Validation("template: definition must declare at least one task")
	}
	if err := validateNoDuplicateNames(def.Tasks); err != nil {
		return nil, err
	}

	body, err := json.Marshal(def)
	if err != nil {
		return nil, errs.Internal("template: encoding definition", err)
	}

	now := time.Now().UTC()
	tmpl := &model.WorkflowTemplate{
		ID:          ids.New(ids.Template),
		Name:        params.Name,
		Description: params.Description,
		Template:    string(body),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query, args, err := psql.Insert("templates").
		Columns("id", "name", "description", "template", "version", "created_at", "updated_at").
		Values(tmpl.ID, tmpl.Name, tmpl.Description, tmpl.Template, tmpl.Version, tmpl.CreatedAt, tmpl.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, errs.Internal("template: building insert", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("template: inserting", err)
	}
	return tmpl, nil
}

// List returns every template ordered by name.
func List(ctx context.Context, q store.Querier) ([]*model.WorkflowTemplate, error) {
	query, args, err := psql.Select(columns).From("templates").OrderBy("name ASC").ToSql()
	if err != nil {
		return nil, errs.Internal("template: building list query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("template: listing", err)
	}
	defer rows.Close()

	var out []*model.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal("template: iterating rows", err)
	}
	if out == nil {
		out = []*model.WorkflowTemplate{}
	}
	return out, nil
}

// Get returns the template by id, or NotFound.
func Get(ctx context.Context, q store.Querier, id string) (*model.WorkflowTemplate, error) {
	query, args, err := psql.Select(columns).From("templates").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errs.Internal("template: building select", err)
	}
	return scanTemplate(q.QueryRowContext(ctx, query, args...))
}

// Apply substitutes variables into a template's task graph and creates
// a new workflow from the result in one transaction: a missing
// required variable aborts before anything is created.
func Apply(ctx context.Context, q store.Querier, id string, variables map[string]string) (*ApplyResult, error) {
	tmpl, err := Get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	var def model.TemplateDefinition
	if err := json.Unmarshal([]byte(tmpl.Template), &def); err != nil {
		return nil, errs.Internal("template: decoding definition", err)
	}

	if err := validateRequiredVariables(def, variables); err != nil {
		return nil, err
	}
	substituted := substituteTasks(def.Tasks, variables)

	wf, err := workflow.Create(ctx, q, workflow.CreateParams{
		Name:       fmt.Sprintf("%s (from %s)", tmpl.Name, tmpl.ID),
		SourceType: "template",
		SourceRef:  &id,
	})
	if err != nil {
		return nil, err
	}
	if _, err := workflow.SetPlan(ctx, q, wf.ID, substituted); err != nil {
		return nil, err
	}
	return &ApplyResult{WorkflowID: wf.ID}, nil
}

// UpdateVersion replaces a template's definition and increments its
// version.
func UpdateVersion(ctx context.Context, q store.Querier, id string, def model.TemplateDefinition) (*model.WorkflowTemplate, error) {
	tmpl, err := Get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if len(def.Tasks) == 0 {
		return nil, errs.Validation("template: definition must declare at least one task")
	}
	if err := validateNoDuplicateNames(def.Tasks); err != nil {
		return nil, err
	}

	body, err := json.Marshal(def)
	if err != nil {
		return nil, errs.Internal("template: encoding definition", err)
	}

	query, args, err := psql.Update("templates").
		Set("template", string(body)).
		Set("version", tmpl.Version+1).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, errs.Internal("template: building version update", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Internal("template: updating version", err)
	}
	return Get(ctx, q, id)
}

// cloneFromWorkflow builds a TemplateDefinition from a workflow's
// current task graph, serializing each task's dependencies as names
// rather than ids so the template is portable.
func cloneFromWorkflow(ctx context.Context, q store.Querier, workflowID string) (*model.TemplateDefinition, error) {
	tasks, err := task.ByWorkflow(ctx, q, workflowID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	planTasks := make([]model.PlanTask, 0, len(tasks))
	for _, t := range tasks {
		deps, err := task.GetDependencies(ctx, q, t.ID)
		if err != nil {
			return nil, err
		}
		var dependsOn []string
		for _, e := range deps.Dependencies {
			if e.DependencyType != model.DependencyBlocks {
				continue
			}
			if pred, ok := byID[e.DependsOnID]; ok {
				dependsOn = append(dependsOn, pred.Name)
			}
		}
		planTasks = append(planTasks, model.PlanTask{
			Name:          t.Name,
			Description:   t.Description,
			ParallelGroup: t.ParallelGroup,
			DependsOn:     dependsOn,
		})
	}

	return &model.TemplateDefinition{Tasks: planTasks}, nil
}

func validateRequiredVariables(def model.TemplateDefinition, variables map[string]string) error {
	required := discoverVariables(def)
	for _, name := range def.Variables {
		required[name] = true
	}

	var missing []string
	for name := range required {
		if _, ok := variables[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errs.ValidationDetails("template: missing required variables",
			map[string]any{"missing": missing})
	}
	return nil
}

// discoverVariables scans every task's name, description, and
// depends_on entries for {{varName}} placeholders, so a placeholder
// used in a task body but absent from the declared Variables list
// still triggers the missing-variable validation error.
func discoverVariables(def model.TemplateDefinition) map[string]bool {
	found := make(map[string]bool)
	scan := func(s string) {
		for _, m := range variablePattern.FindAllStringSubmatch(s, -1) {
			found[m[1]] = true
		}
	}
	for _, t := range def.Tasks {
		scan(t.Name)
		scan(t.Description)
		for _, dep := range t.DependsOn {
			scan(dep)
		}
	}
	return found
}

func substituteTasks(tasks []model.PlanTask, variables map[string]string) []model.PlanTask {
	out := make([]model.PlanTask, len(tasks))
	for i, t := range tasks {
		out[i] = model.PlanTask{
			Name:          substituteString(t.Name, variables),
			Description:   substituteString(t.Description, variables),
			ParallelGroup: t.ParallelGroup,
			DependsOn:     t.DependsOn,
			Context:       substituteContext(t.Context, variables),
		}
	}
	return out
}

func substituteString(s string, variables map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if v, ok := variables[name]; ok {
			return v
		}
		return match
	})
}

func substituteContext(ctx model.JSONMap, variables map[string]string) model.JSONMap {
	if ctx == nil {
		return nil
	}
	out := make(model.JSONMap, len(ctx))
	for k, v := range ctx {
		if s, ok := v.(string); ok {
			out[k] = substituteString(s, variables)
		} else {
			out[k] = v
		}
	}
	return out
}

func validateNoDuplicateNames(tasks []model.PlanTask) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return errs.Validation("template: task name is required")
		}
		if seen[t.Name] {
			return errs.ValidationDetails("template: duplicate task name", map[string]any{"name": t.Name})
		}
		seen[t.Name] = true
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row *sql.Row) (*model.WorkflowTemplate, error) {
	t, err := scanTemplateRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("template not found")
		}
	}
	return t, err
}

func scanTemplateRows(row rowScanner) (*model.WorkflowTemplate, error) {
	var t model.WorkflowTemplate
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Template, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errs.Internal("template: scanning row", err)
	}
	return &t, nil
}
