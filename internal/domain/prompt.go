package domain

import "time"

// PromptTaskType partitions templates by pipeline stage.
type PromptTaskType string

const (
	TaskClassification PromptTaskType = "classification"
	TaskExtraction     PromptTaskType = "extraction"
	TaskValidation     PromptTaskType = "validation"
)

// PromptTemplate is one immutable version of a prompt. At most one version
// per (task type, name) is active.
type PromptTemplate struct {
	ID           int64
	TaskType     PromptTaskType
	Name         string
	Version      int // >= 1
	SystemText   string
	UserTemplate string
	Active       bool
	ModelName    string
	Temperature  float64
	MaxTokens    int
	CreatedAt    time.Time
	CreatedBy    string
	Description  string
}

// PromptCallMetric is the raw per-call record, retained 30 days.
type PromptCallMetric struct {
	ID           int64
	TemplateID   int64
	JobID        string
	TokensIn     int
	TokensOut    int
	CostUSD      float64
	ExecutionMS  int64
	Success      bool
	Confidence   float64
	ManualReview bool
	CreatedAt    time.Time
}

// PromptDailyMetric is the permanent rollup, unique by (template, day).
type PromptDailyMetric struct {
	ID              int64
	TemplateID      int64
	Day             time.Time
	Calls           int
	Successes       int
	TokensIn        int64
	TokensOut       int64
	CostUSD         float64
	MeanConfidence  float64
	ManualReviews   int
	MeanExecutionMS float64
	P95ExecutionMS  float64
}
