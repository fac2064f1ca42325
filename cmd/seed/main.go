package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"signoff/backend/internal/config"
	"signoff/backend/internal/logging"
	"signoff/backend/internal/repository"
	"signoff/backend/internal/services"
	"signoff/backend/pkg/models"
)

// Seeds a demo approval process: two users, a two-step expense template
// (ALL review then ANY manager approval), and one started workflow.
func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	catalog := services.NewCatalogService(store, logger)
	workflows := services.NewWorkflowService(store, logger)

	// 1. Ensure demo users exist
	alice, err := ensureUser(ctx, store, "alice@example.com", "Alice Manager")
	if err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}
	bob, err := ensureUser(ctx, store, "bob@example.com", "Bob Reviewer")
	if err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	// 2. Check for existing templates to prevent duplicates
	existing, err := catalog.ListTemplates(ctx)
	if err != nil {
		log.Fatalf("Failed to list templates: %v", err)
	}
	for _, t := range existing {
		if t.Name == "Simple Expense Approval" {
			logger.Info("Seed data already present", "template_id", t.ID)
			return
		}
	}

	// 3. Create the template and its steps
	template, err := catalog.CreateTemplate(ctx, "Simple Expense Approval", "A two-step approval process.")
	if err != nil {
		log.Fatalf("Failed to create template: %v", err)
	}
	version := template.Versions[0]

	step1, err := catalog.AddStep(ctx, services.AddStepInput{
		TemplateVersionID: version.ID,
		Name:              "Submitter Review",
		StepOrder:         1,
		Rule:              models.RuleAll,
		Metadata:          map[string]any{"instruction": "Confirm all fields are correct."},
	})
	if err != nil {
		log.Fatalf("Failed to add step: %v", err)
	}
	step2, err := catalog.AddStep(ctx, services.AddStepInput{
		TemplateVersionID: version.ID,
		Name:              "Manager Approval",
		StepOrder:         2,
		Rule:              models.RuleAny,
		Metadata:          map[string]any{"instruction": "Approve or reject the expense."},
	})
	if err != nil {
		log.Fatalf("Failed to add step: %v", err)
	}

	// 4. Assign the demo users
	if err := catalog.AssignStepUsers(ctx, step1.ID, []string{bob.ID}); err != nil {
		log.Fatalf("Failed to assign step users: %v", err)
	}
	if err := catalog.AssignStepUsers(ctx, step2.ID, []string{alice.ID}); err != nil {
		log.Fatalf("Failed to assign step users: %v", err)
	}

	// 5. Start a workflow so the demo has something in flight
	workflow, err := workflows.Start(ctx, version.ID)
	if err != nil {
		log.Fatalf("Failed to start workflow: %v", err)
	}

	logger.Info("Seeding complete",
		"template_id", template.ID, "version_id", version.ID, "workflow_id", workflow.ID)
}

func ensureUser(ctx context.Context, store repository.Store, email, name string) (*models.User, error) {
	user, err := store.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if models.KindOf(err) != models.KindNotFound {
		return nil, err
	}
	user = &models.User{ID: uuid.New().String(), Email: email, Name: name}
	if err := store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
