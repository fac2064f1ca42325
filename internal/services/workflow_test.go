package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/backend/internal/repository"
	"signoff/backend/pkg/models"
)

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// env wires the services against a fresh in-memory store.
type env struct {
	store     *repository.Memory
	catalog   *CatalogService
	workflows *WorkflowService
}

func newEnv() *env {
	store := repository.NewMemory()
	return &env{
		store:     store,
		catalog:   NewCatalogService(store, noopLogger{}),
		workflows: NewWorkflowService(store, noopLogger{}),
	}
}

func (e *env) user(t *testing.T, email string) string {
	t.Helper()
	u := &models.User{ID: uuid.New().String(), Email: email, Name: email}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u.ID
}

type stepSpec struct {
	name      string
	rule      models.CompletionRule
	k         *int
	assignees []string
}

// template creates a template whose v1 carries the given steps in order and
// returns the fully populated version.
func (e *env) template(t *testing.T, steps ...stepSpec) *models.TemplateVersion {
	t.Helper()
	ctx := context.Background()

	tpl, err := e.catalog.CreateTemplate(ctx, "Release Signoff", "who signs what")
	require.NoError(t, err)
	versionID := tpl.Versions[0].ID

	for i, sp := range steps {
		step, err := e.catalog.AddStep(ctx, AddStepInput{
			TemplateVersionID: versionID,
			Name:              sp.name,
			StepOrder:         i + 1,
			Rule:              sp.rule,
			KValue:            sp.k,
		})
		require.NoError(t, err)
		if len(sp.assignees) > 0 {
			require.NoError(t, e.catalog.AssignStepUsers(ctx, step.ID, sp.assignees))
		}
	}

	version, err := e.catalog.GetTemplateVersion(ctx, versionID)
	require.NoError(t, err)
	return version
}

func TestStartWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")
	bob := e.user(t, "bob@example.com")

	version := e.template(t,
		stepSpec{name: "Peer Review", rule: models.RuleAll, assignees: []string{alice, bob}},
		stepSpec{name: "Final Approval", rule: models.RuleAny, assignees: []string{alice}},
	)

	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, wf.Status)
	assert.Equal(t, 1, wf.CurrentStepOrder)

	// Only the first step's assignees are materialized at start.
	assignees, err := e.store.ListWorkflowAssignees(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, assignees, 2)
	for _, a := range assignees {
		assert.Equal(t, version.Steps[0].ID, a.StepID)
	}

	history, err := e.store.ListHistory(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.EventWorkflowStarted, history[0].Event)
	require.NotNil(t, history[0].NextStepOrder)
	assert.Equal(t, 1, *history[0].NextStepOrder)
}

func TestStartWorkflowValidations(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")

	t.Run("version without steps", func(t *testing.T) {
		tpl, err := e.catalog.CreateTemplate(ctx, "Empty", "")
		require.NoError(t, err)

		_, err = e.workflows.Start(ctx, tpl.Versions[0].ID)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})

	t.Run("step without assignees", func(t *testing.T) {
		version := e.template(t, stepSpec{name: "Unstaffed", rule: models.RuleAny})

		_, err := e.workflows.Start(ctx, version.ID)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})

	t.Run("k exceeds assignee count", func(t *testing.T) {
		three := 3
		version := e.template(t, stepSpec{name: "Quorum", rule: models.RuleKOfN, k: &three, assignees: []string{alice}})

		_, err := e.workflows.Start(ctx, version.ID)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := e.workflows.Start(ctx, uuid.New().String())
		assert.Equal(t, models.KindNotFound, models.KindOf(err))
	})
}

// An ALL step with two assignees: the first positive response is recorded
// pending, the second advances to the next step.
func TestSubmitAllRuleAdvances(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")
	bob := e.user(t, "bob@example.com")

	version := e.template(t,
		stepSpec{name: "Peer Review", rule: models.RuleAll, assignees: []string{alice, bob}},
		stepSpec{name: "Final Approval", rule: models.RuleAny, assignees: []string{alice}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)
	step1 := version.Steps[0]

	res, err := e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: step1.ID, ResponderID: alice, Type: models.ResponsePositive,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, 1, res.Response.RevisionNumber)

	res, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: step1.ID, ResponderID: bob, Type: models.ResponsePositive,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	require.NotNil(t, res.NextStepOrder)
	assert.Equal(t, 2, *res.NextStepOrder)

	updated, err := e.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentStepOrder)
	assert.Equal(t, models.StatusInProgress, updated.Status)

	// The advance entry carries both the triggering response and the new
	// step order. The pending response produced no entry.
	history, err := e.store.ListHistory(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	advance := history[1]
	assert.Equal(t, models.EventStepAdvanced, advance.Event)
	require.NotNil(t, advance.ResponseID)
	assert.Equal(t, res.Response.ID, *advance.ResponseID)
	require.NotNil(t, advance.NextStepOrder)
	assert.Equal(t, 2, *advance.NextStepOrder)
}

// A negative response closes the revision; the next response opens revision
// 2 and earlier responses no longer count toward completion.
func TestNegativeReopensRevision(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")
	bob := e.user(t, "bob@example.com")
	carol := e.user(t, "carol@example.com")

	version := e.template(t,
		stepSpec{name: "Any Reviewer", rule: models.RuleAny, assignees: []string{alice, bob, carol}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)
	step := version.Steps[0]

	res, err := e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: step.ID, ResponderID: alice, Type: models.ResponseNegative,
		Description: "needs rework",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSentBack, res.Outcome)
	assert.Equal(t, 1, res.Response.RevisionNumber)

	// Workflow stays on the step.
	updated, err := e.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentStepOrder)
	assert.Equal(t, models.StatusInProgress, updated.Status)

	res, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: step.ID, ResponderID: bob, Type: models.ResponsePositive,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Response.RevisionNumber)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	history, err := e.store.ListHistory(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.EventStepSentBack, history[1].Event)
	assert.Equal(t, models.EventWorkflowCompleted, history[2].Event)
	assert.Nil(t, history[2].NextStepOrder)
}

func TestSubmitKOfN(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")
	bob := e.user(t, "bob@example.com")
	carol := e.user(t, "carol@example.com")

	two := 2
	version := e.template(t,
		stepSpec{name: "Quorum", rule: models.RuleKOfN, k: &two, assignees: []string{alice, bob, carol}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)
	step := version.Steps[0]

	res, err := e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: step.ID, ResponderID: alice, Type: models.ResponsePositive,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)

	res, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: step.ID, ResponderID: carol, Type: models.ResponsePositive,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	updated, err := e.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
}

// Starting a workflow and editing the step's assignees race against each
// other. Whichever commits first, the materialized assignee set must equal
// the step definition's set: either the edit lands before the start and
// both carry the new user, or the start wins and freezes the version so
// the edit is rejected.
func TestStartSerializesWithAssigneeEdits(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")
	bob := e.user(t, "bob@example.com")

	version := e.template(t,
		stepSpec{name: "Review", rule: models.RuleAll, assignees: []string{alice}},
	)
	stepID := version.Steps[0].ID

	var wg sync.WaitGroup
	var wf *models.Workflow
	var startErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		wf, startErr = e.workflows.Start(ctx, version.ID)
	}()
	go func() {
		defer wg.Done()
		// Rejected with a validation error if the start commits first.
		_ = e.catalog.AssignStepUsers(ctx, stepID, []string{bob})
	}()
	wg.Wait()
	require.NoError(t, startErr)

	step, err := e.store.GetStep(ctx, stepID)
	require.NoError(t, err)
	materialized, err := e.store.ListWorkflowAssignees(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, materialized, len(step.AssigneeIDs))
	for _, a := range materialized {
		assert.Contains(t, step.AssigneeIDs, a.UserID)
	}
}

// Two satisfying responses submitted near-simultaneously must produce
// exactly one advance, never two.
func TestConcurrentSubmissionsAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")
	bob := e.user(t, "bob@example.com")

	version := e.template(t,
		stepSpec{name: "Peer Review", rule: models.RuleAll, assignees: []string{alice, bob}},
		stepSpec{name: "Final Approval", rule: models.RuleAny, assignees: []string{alice}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)
	step1 := version.Steps[0]

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 2)
	for _, responder := range []string{alice, bob} {
		wg.Add(1)
		go func(responder string) {
			defer wg.Done()
			res, err := e.workflows.SubmitResponse(ctx, SubmitInput{
				WorkflowID: wf.ID, StepID: step1.ID, ResponderID: responder, Type: models.ResponsePositive,
			})
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}(responder)
	}
	wg.Wait()
	close(outcomes)

	advanced := 0
	for outcome := range outcomes {
		if outcome == OutcomeAdvanced {
			advanced++
		}
	}
	assert.Equal(t, 1, advanced)

	history, err := e.store.ListHistory(ctx, wf.ID)
	require.NoError(t, err)
	transitions := 0
	for _, entry := range history {
		if entry.Event == models.EventStepAdvanced || entry.Event == models.EventWorkflowCompleted {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)

	updated, err := e.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentStepOrder)
}

// A response tagged with a step that is not the workflow's current step
// fails with a stale-step error and writes nothing.
func TestSubmitStaleStep(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")

	version := e.template(t,
		stepSpec{name: "Review", rule: models.RuleAny, assignees: []string{alice}},
		stepSpec{name: "Approval", rule: models.RuleAny, assignees: []string{alice}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)

	_, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: version.Steps[1].ID, ResponderID: alice, Type: models.ResponsePositive,
	})
	assert.Equal(t, models.KindStaleStep, models.KindOf(err))

	responses, err := e.store.ListWorkflowResponses(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, responses)

	history, err := e.store.ListHistory(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1) // only WORKFLOW_STARTED
}

func TestSubmitUnauthorizedResponder(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")
	mallory := e.user(t, "mallory@example.com")

	version := e.template(t,
		stepSpec{name: "Review", rule: models.RuleAny, assignees: []string{alice}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)

	_, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: version.Steps[0].ID, ResponderID: mallory, Type: models.ResponsePositive,
	})
	assert.Equal(t, models.KindAuthorization, models.KindOf(err))

	responses, err := e.store.ListWorkflowResponses(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestSubmitToTerminalWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")

	version := e.template(t,
		stepSpec{name: "Review", rule: models.RuleAny, assignees: []string{alice}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)
	step := version.Steps[0]

	_, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: step.ID, ResponderID: alice, Type: models.ResponsePositive,
	})
	require.NoError(t, err)

	_, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: step.ID, ResponderID: alice, Type: models.ResponsePositive,
	})
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestSubmitWithAttachments(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")

	version := e.template(t,
		stepSpec{name: "Review", rule: models.RuleAny, assignees: []string{alice}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)

	res, err := e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID:  wf.ID,
		StepID:      version.Steps[0].ID,
		ResponderID: alice,
		Type:        models.ResponsePositive,
		Attachments: []AttachmentInput{{FileURL: "https://files.example.com/report.pdf", FileName: "report.pdf"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Response.Attachments, 1)
	assert.Equal(t, "report.pdf", res.Response.Attachments[0].FileName)

	_, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID:  wf.ID,
		StepID:      version.Steps[0].ID,
		ResponderID: alice,
		Type:        models.ResponsePositive,
		Attachments: []AttachmentInput{{FileURL: "https://files.example.com/report.pdf"}},
	})
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestCancelWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")

	version := e.template(t,
		stepSpec{name: "Review", rule: models.RuleAny, assignees: []string{alice}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)

	canceled, err := e.workflows.Cancel(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, canceled.Status)
	assert.NotNil(t, canceled.CompletedAt)

	_, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: version.Steps[0].ID, ResponderID: alice, Type: models.ResponsePositive,
	})
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = e.workflows.Cancel(ctx, wf.ID)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestGetState(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	alice := e.user(t, "alice@example.com")
	bob := e.user(t, "bob@example.com")

	version := e.template(t,
		stepSpec{name: "Peer Review", rule: models.RuleAll, assignees: []string{alice, bob}},
		stepSpec{name: "Final Approval", rule: models.RuleAny, assignees: []string{alice}},
	)
	wf, err := e.workflows.Start(ctx, version.ID)
	require.NoError(t, err)

	_, err = e.workflows.SubmitResponse(ctx, SubmitInput{
		WorkflowID: wf.ID, StepID: version.Steps[0].ID, ResponderID: alice, Type: models.ResponsePositive,
	})
	require.NoError(t, err)

	state, err := e.workflows.GetState(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "Release Signoff", state.TemplateName)
	assert.Equal(t, 1, state.VersionNumber)
	assert.Equal(t, models.StatusInProgress, state.Status)
	require.NotNil(t, state.CurrentStep)
	assert.Equal(t, "Peer Review", state.CurrentStep.Name)
	assert.Len(t, state.Steps, 2)
	assert.Len(t, state.Responses, 1)

	// Read-only and stable: a second query with no intervening submission
	// yields the identical projection.
	again, err := e.workflows.GetState(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, state, again)
}
