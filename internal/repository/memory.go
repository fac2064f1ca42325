package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"signoff/backend/pkg/models"
)

// memState is the shared backing data for a Memory store and its
// transactional views.
type memState struct {
	mu sync.Mutex

	users             map[string]models.User
	templates         map[string]models.Template
	versions          map[string]models.TemplateVersion
	steps             map[string]models.TemplateStep
	stepAssignees     map[string][]string // step id -> user ids
	workflows         map[string]models.Workflow
	workflowAssignees []models.WorkflowAssignee
	responses         []models.Response
	history           []models.HistoryEntry
	seq               int // tiebreaker for identical timestamps
}

// Memory is an in-memory implementation of the Store interface, used by unit
// tests and the dev server. WithTx serializes on a single mutex, which is a
// stronger guarantee than the per-workflow isolation the contract requires.
// There is no rollback: the service layer validates every precondition
// before its first write, so an aborted unit has written nothing.
type Memory struct {
	state *memState
	inTx  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: &memState{
		users:         make(map[string]models.User),
		templates:     make(map[string]models.Template),
		versions:      make(map[string]models.TemplateVersion),
		steps:         make(map[string]models.TemplateStep),
		stepAssignees: make(map[string][]string),
		workflows:     make(map[string]models.Workflow),
	}}
}

// WithTx serializes fn against all other transactions on this store. Nested
// calls reuse the held lock.
func (s *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return fn(&Memory{state: s.state, inTx: true})
}

// lock acquires the state mutex unless the enclosing transaction already
// holds it. Returns the matching unlock.
func (s *Memory) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.state.mu.Lock()
	return s.state.mu.Unlock
}

func (s *Memory) now() time.Time {
	s.state.seq++
	return time.Now().Add(time.Duration(s.state.seq) * time.Microsecond)
}

// Users

func (s *Memory) CreateUser(ctx context.Context, user *models.User) error {
	defer s.lock()()
	for _, u := range s.state.users {
		if u.Email == user.Email {
			return models.Validationf("duplicate value: user email %s", user.Email)
		}
	}
	user.CreatedAt = s.now()
	s.state.users[user.ID] = *user
	return nil
}

func (s *Memory) GetUser(ctx context.Context, id string) (*models.User, error) {
	defer s.lock()()
	user, ok := s.state.users[id]
	if !ok {
		return nil, models.NotFoundf("user %s not found", id)
	}
	return &user, nil
}

func (s *Memory) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	defer s.lock()()
	for _, u := range s.state.users {
		if u.Email == email {
			user := u
			return &user, nil
		}
	}
	return nil, models.NotFoundf("user %s not found", email)
}

func (s *Memory) ListUsers(ctx context.Context) ([]models.User, error) {
	defer s.lock()()
	users := make([]models.User, 0, len(s.state.users))
	for _, u := range s.state.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

// Template catalog

func (s *Memory) CreateTemplate(ctx context.Context, template *models.Template, version *models.TemplateVersion) error {
	defer s.lock()()
	template.CreatedAt = s.now()
	t := *template
	t.Versions = nil
	s.state.templates[template.ID] = t
	s.state.versions[version.ID] = *version
	return nil
}

func (s *Memory) ListTemplates(ctx context.Context) ([]models.Template, error) {
	defer s.lock()()
	templates := make([]models.Template, 0, len(s.state.templates))
	for _, t := range s.state.templates {
		for _, v := range s.state.versions {
			if v.TemplateID == t.ID && v.IsActive {
				t.Versions = []models.TemplateVersion{v}
				break
			}
		}
		templates = append(templates, t)
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.Before(templates[j].CreatedAt)
	})
	return templates, nil
}

func (s *Memory) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	defer s.lock()()
	t, ok := s.state.templates[id]
	if !ok {
		return nil, models.NotFoundf("template %s not found", id)
	}
	for _, v := range s.state.versions {
		if v.TemplateID == id {
			t.Versions = append(t.Versions, s.versionTree(v))
		}
	}
	sort.Slice(t.Versions, func(i, j int) bool {
		return t.Versions[i].VersionNumber < t.Versions[j].VersionNumber
	})
	return &t, nil
}

// versionTree populates a version's step and assignee tree. Caller holds the
// lock.
func (s *Memory) versionTree(v models.TemplateVersion) models.TemplateVersion {
	for _, step := range s.state.steps {
		if step.TemplateVersionID == v.ID {
			step.AssigneeIDs = append([]string(nil), s.state.stepAssignees[step.ID]...)
			v.Steps = append(v.Steps, step)
		}
	}
	sort.Slice(v.Steps, func(i, j int) bool { return v.Steps[i].StepOrder < v.Steps[j].StepOrder })
	return v
}

func (s *Memory) GetTemplateVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	defer s.lock()()
	v, ok := s.state.versions[id]
	if !ok {
		return nil, models.NotFoundf("template version %s not found", id)
	}
	tree := s.versionTree(v)
	return &tree, nil
}

func (s *Memory) CreateStep(ctx context.Context, step *models.TemplateStep) error {
	defer s.lock()()
	for _, existing := range s.state.steps {
		if existing.TemplateVersionID == step.TemplateVersionID && existing.StepOrder == step.StepOrder {
			return models.Validationf("duplicate value: step order %d in version %s", step.StepOrder, step.TemplateVersionID)
		}
	}
	st := *step
	st.AssigneeIDs = nil
	s.state.steps[step.ID] = st
	return nil
}

func (s *Memory) GetStep(ctx context.Context, id string) (*models.TemplateStep, error) {
	defer s.lock()()
	step, ok := s.state.steps[id]
	if !ok {
		return nil, models.NotFoundf("step %s not found", id)
	}
	step.AssigneeIDs = append([]string(nil), s.state.stepAssignees[id]...)
	return &step, nil
}

func (s *Memory) AssignStepUsers(ctx context.Context, stepID string, userIDs []string) error {
	defer s.lock()()
	assigned := s.state.stepAssignees[stepID]
	for _, userID := range userIDs {
		seen := false
		for _, existing := range assigned {
			if existing == userID {
				seen = true
				break
			}
		}
		if !seen {
			assigned = append(assigned, userID)
		}
	}
	sort.Strings(assigned)
	s.state.stepAssignees[stepID] = assigned
	return nil
}

func (s *Memory) HasWorkflows(ctx context.Context, templateVersionID string) (bool, error) {
	defer s.lock()()
	for _, w := range s.state.workflows {
		if w.TemplateVersionID == templateVersionID {
			return true, nil
		}
	}
	return false, nil
}

// Workflow instances

func (s *Memory) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	defer s.lock()()
	workflow.CreatedAt = s.now()
	s.state.workflows[workflow.ID] = *workflow
	return nil
}

func (s *Memory) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	defer s.lock()()
	w, ok := s.state.workflows[id]
	if !ok {
		return nil, models.NotFoundf("workflow %s not found", id)
	}
	return &w, nil
}

// GetWorkflowForUpdate behaves like GetWorkflow; isolation comes from the
// transaction-wide mutex.
func (s *Memory) GetWorkflowForUpdate(ctx context.Context, id string) (*models.Workflow, error) {
	return s.GetWorkflow(ctx, id)
}

func (s *Memory) UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	defer s.lock()()
	if _, ok := s.state.workflows[workflow.ID]; !ok {
		return models.NotFoundf("workflow %s not found", workflow.ID)
	}
	s.state.workflows[workflow.ID] = *workflow
	return nil
}

func (s *Memory) CreateWorkflowAssignees(ctx context.Context, assignees []models.WorkflowAssignee) error {
	defer s.lock()()
	for _, a := range assignees {
		exists := false
		for _, existing := range s.state.workflowAssignees {
			if existing == a {
				exists = true
				break
			}
		}
		if !exists {
			s.state.workflowAssignees = append(s.state.workflowAssignees, a)
		}
	}
	return nil
}

func (s *Memory) IsWorkflowAssignee(ctx context.Context, workflowID, stepID, userID string) (bool, error) {
	defer s.lock()()
	target := models.WorkflowAssignee{WorkflowID: workflowID, StepID: stepID, UserID: userID}
	for _, a := range s.state.workflowAssignees {
		if a == target {
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) ListWorkflowAssignees(ctx context.Context, workflowID string) ([]models.WorkflowAssignee, error) {
	defer s.lock()()
	var assignees []models.WorkflowAssignee
	for _, a := range s.state.workflowAssignees {
		if a.WorkflowID == workflowID {
			assignees = append(assignees, a)
		}
	}
	return assignees, nil
}

func (s *Memory) CountStepAssignees(ctx context.Context, workflowID, stepID string) (int, error) {
	defer s.lock()()
	count := 0
	for _, a := range s.state.workflowAssignees {
		if a.WorkflowID == workflowID && a.StepID == stepID {
			count++
		}
	}
	return count, nil
}

// Response ledger

func (s *Memory) LatestRevision(ctx context.Context, workflowID, stepID string) (int, error) {
	defer s.lock()()
	latest := 0
	for _, r := range s.state.responses {
		if r.WorkflowID == workflowID && r.StepID == stepID && r.RevisionNumber > latest {
			latest = r.RevisionNumber
		}
	}
	return latest, nil
}

func (s *Memory) CreateResponse(ctx context.Context, response *models.Response) error {
	defer s.lock()()
	response.CreatedAt = s.now()
	r := *response
	r.Attachments = append([]models.Attachment(nil), response.Attachments...)
	s.state.responses = append(s.state.responses, r)
	return nil
}

func (s *Memory) ListRevisionResponses(ctx context.Context, workflowID, stepID string, revision int) ([]models.Response, error) {
	defer s.lock()()
	var responses []models.Response
	for _, r := range s.state.responses {
		if r.WorkflowID == workflowID && r.StepID == stepID && r.RevisionNumber == revision {
			responses = append(responses, r)
		}
	}
	return responses, nil
}

func (s *Memory) ListWorkflowResponses(ctx context.Context, workflowID string) ([]models.Response, error) {
	defer s.lock()()
	var responses []models.Response
	for _, r := range s.state.responses {
		if r.WorkflowID == workflowID {
			responses = append(responses, r)
		}
	}
	sort.Slice(responses, func(i, j int) bool {
		return responses[i].CreatedAt.After(responses[j].CreatedAt)
	})
	return responses, nil
}

// History log

func (s *Memory) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	defer s.lock()()
	entry.CreatedAt = s.now()
	s.state.history = append(s.state.history, *entry)
	return nil
}

func (s *Memory) ListHistory(ctx context.Context, workflowID string) ([]models.HistoryEntry, error) {
	defer s.lock()()
	var entries []models.HistoryEntry
	for _, e := range s.state.history {
		if e.WorkflowID == workflowID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
