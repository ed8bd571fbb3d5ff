package db

import (
	"context"
	"fmt"

	"software-factory/internal/logging"
	"software-factory/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DemoProjectID is the id of the project created by SeedDemo
const DemoProjectID = "00000000-0000-4000-8000-000000000001"

// SeedDemo inserts a small todo-app project for local runs. It is idempotent:
// existing rows are left untouched.
func (d *Database) SeedDemo(ctx context.Context) error {
	project := models.Project{
		ID:          DemoProjectID,
		Name:        "Todo App",
		Description: "A personal todo list with accounts",
		Status:      "planned",
	}

	features := []models.Feature{
		{ID: "00000000-0000-4000-8000-000000000011", ProjectID: DemoProjectID, Name: "Accounts", Description: "Sign up and log in with email and password", SortOrder: 1},
		{ID: "00000000-0000-4000-8000-000000000012", ProjectID: DemoProjectID, Name: "Todos", Description: "Create, complete and delete todos", SortOrder: 2},
	}

	workOrders := []models.WorkOrder{
		{
			ID: "00000000-0000-4000-8000-000000000021", ProjectID: DemoProjectID, FeatureID: features[1].ID,
			Title: "Todo API", Description: "REST endpoints for todos", Phase: "backend", Priority: "high",
			Tasks: []string{"GET /todos", "POST /todos", "PATCH /todos/:id", "DELETE /todos/:id"}, SortOrder: 1,
		},
		{
			ID: "00000000-0000-4000-8000-000000000022", ProjectID: DemoProjectID, FeatureID: features[1].ID,
			Title: "Todo UI", Description: "List view with inline editing", Phase: "frontend", Priority: "medium",
			Tasks: []string{"TodoList component", "TodoItem component"}, SortOrder: 2,
		},
	}

	blueprint := models.Blueprint{
		ID:           "00000000-0000-4000-8000-000000000031",
		ProjectID:    DemoProjectID,
		APIShape:     "REST over JSON under /api",
		UIComponents: "React with a single page layout",
		DataModel:    "users(id, email, password_hash)\ntodos(id, user_id, title, done)",
	}

	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip := tx.Clauses(clause.OnConflict{DoNothing: true})
		if err := skip.Create(&project).Error; err != nil {
			return fmt.Errorf("seed project: %w", err)
		}
		if err := skip.Create(&features).Error; err != nil {
			return fmt.Errorf("seed features: %w", err)
		}
		if err := skip.Create(&workOrders).Error; err != nil {
			return fmt.Errorf("seed work orders: %w", err)
		}
		if err := skip.Create(&blueprint).Error; err != nil {
			return fmt.Errorf("seed blueprint: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.L().Info("demo project seeded", zap.String("project_id", DemoProjectID))
	return nil
}
