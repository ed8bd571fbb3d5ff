package models

import "time"

// The records below are owned by the planning stages of the pipeline.
// The build engine reads them and only ever writes Project.Status.

// ProjectStatusBuilding is set once every feature build has been requested
const ProjectStatusBuilding = "building"

// PlatformContext describes an existing internal system a feature augments
type PlatformContext struct {
	Name      string   `json:"name"`
	TechStack []string `json:"tech_stack,omitempty"`
	Routes    []string `json:"routes,omitempty"`
	Tables    []string `json:"tables,omitempty"`
}

// Project is a user's product idea moving through the pipeline
type Project struct {
	ID              string           `json:"id" gorm:"primaryKey;size:36"`
	Name            string           `json:"name" gorm:"not null"`
	Description     string           `json:"description"`
	Status          string           `json:"status" gorm:"index"`
	PlatformContext *PlatformContext `json:"platform_context,omitempty" gorm:"serializer:json"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Feature is one buildable slice of a project
type Feature struct {
	ID               string    `json:"id" gorm:"primaryKey;size:36"`
	ProjectID        string    `json:"project_id" gorm:"index;not null"`
	Name             string    `json:"name" gorm:"not null"`
	Description      string    `json:"description"`
	SortOrder        int       `json:"sort_order"`
	AugmentsPlatform bool      `json:"augments_platform"`
	CreatedAt        time.Time `json:"created_at"`
}

// WorkOrder is a scoped unit of planned implementation work for a feature
type WorkOrder struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	ProjectID   string    `json:"project_id" gorm:"index"`
	FeatureID   string    `json:"feature_id" gorm:"index;not null"`
	Title       string    `json:"title" gorm:"not null"`
	Description string    `json:"description"`
	Phase       string    `json:"phase"`
	Priority    string    `json:"priority"`
	Tasks       []string  `json:"tasks" gorm:"serializer:json"`
	SortOrder   int       `json:"sort_order"`
	CreatedAt   time.Time `json:"created_at"`
}

// Blueprint holds the architecture stage's textual design artifacts.
// FeatureID is nil for a project-wide blueprint.
type Blueprint struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	ProjectID    string    `json:"project_id" gorm:"index;not null"`
	FeatureID    *string   `json:"feature_id,omitempty" gorm:"index"`
	APIShape     string    `json:"api_shape"`
	UIComponents string    `json:"ui_components"`
	DataModel    string    `json:"data_model"`
	CreatedAt    time.Time `json:"created_at"`
}
