package prompt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// memPromptRepo is an in-memory PromptRepository mirroring the partial
// unique active index.
type memPromptRepo struct {
	rows   []domain.PromptTemplate
	nextID int64
}

func key(t domain.PromptTaskType, name string) string { return string(t) + "/" + name }

func (m *memPromptRepo) GetActive(_ domain.Context, taskType domain.PromptTaskType, name string) (domain.PromptTemplate, error) {
	for _, r := range m.rows {
		if r.TaskType == taskType && r.Name == name && r.Active {
			return r, nil
		}
	}
	return domain.PromptTemplate{}, domain.ErrNotFound
}

func (m *memPromptRepo) GetVersion(_ domain.Context, taskType domain.PromptTaskType, name string, version int) (domain.PromptTemplate, error) {
	for _, r := range m.rows {
		if r.TaskType == taskType && r.Name == name && r.Version == version {
			return r, nil
		}
	}
	return domain.PromptTemplate{}, domain.ErrNotFound
}

func (m *memPromptRepo) CreateVersion(_ domain.Context, t domain.PromptTemplate) (domain.PromptTemplate, error) {
	max := 0
	for _, r := range m.rows {
		if key(r.TaskType, r.Name) == key(t.TaskType, t.Name) && r.Version > max {
			max = r.Version
		}
	}
	m.nextID++
	t.ID = m.nextID
	t.Version = max + 1
	t.Active = false
	m.rows = append(m.rows, t)
	return t, nil
}

func (m *memPromptRepo) Activate(_ domain.Context, taskType domain.PromptTaskType, name string, version int) error {
	target := -1
	for i, r := range m.rows {
		if r.TaskType == taskType && r.Name == name && r.Version == version {
			target = i
		}
	}
	if target < 0 {
		return domain.ErrNotFound
	}
	for i, r := range m.rows {
		if r.TaskType == taskType && r.Name == name {
			m.rows[i].Active = i == target
		}
	}
	return nil
}

type memMetrics struct {
	calls   []domain.PromptCallMetric
	flagged []string
	rolled  []time.Time
	deleted time.Time
}

func (m *memMetrics) InsertCall(_ domain.Context, c domain.PromptCallMetric) error {
	m.calls = append(m.calls, c)
	return nil
}

func (m *memMetrics) MarkManualReview(_ domain.Context, jobID string) (int64, error) {
	m.flagged = append(m.flagged, jobID)
	n := int64(0)
	for _, c := range m.calls {
		if c.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (m *memMetrics) RollupDay(_ domain.Context, day time.Time) (int, error) {
	m.rolled = append(m.rolled, day)
	return len(m.calls), nil
}

func (m *memMetrics) DeleteCallsBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	m.deleted = cutoff
	return 2, nil
}

func TestRender(t *testing.T) {
	tpl := domain.PromptTemplate{
		TaskType: domain.TaskExtraction, Name: "document_amounts", Version: 1,
		UserTemplate: "Betreff: {{.subject}}\nText: {{.body}}",
	}
	out, err := Render(tpl, map[string]any{"subject": "Mahnung", "body": "Zahlung offen"})
	require.NoError(t, err)
	assert.Equal(t, "Betreff: Mahnung\nText: Zahlung offen", out)
}

func TestRender_UndefinedVariableFails(t *testing.T) {
	tpl := domain.PromptTemplate{UserTemplate: "Hallo {{.missing}}"}
	_, err := Render(tpl, map[string]any{"subject": "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestRender_Conditional(t *testing.T) {
	tpl := domain.PromptTemplate{UserTemplate: "{{if .filename}}Datei: {{.filename}}{{end}}ok"}
	out, err := Render(tpl, map[string]any{"filename": ""})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestCreateVersionAndActivate(t *testing.T) {
	repo := &memPromptRepo{}
	reg := NewRegistry(repo, &memMetrics{})
	ctx := context.Background()

	v1, err := reg.CreateVersion(ctx, domain.PromptTemplate{
		TaskType: domain.TaskClassification, Name: "email_intent", UserTemplate: "v1 {{.body}}",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.False(t, v1.Active)

	require.NoError(t, reg.Activate(ctx, domain.TaskClassification, "email_intent", 1))

	v2, err := reg.CreateVersion(ctx, domain.PromptTemplate{
		TaskType: domain.TaskClassification, Name: "email_intent", UserTemplate: "v2 {{.body}}",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// v1 stays active until the explicit swap.
	active, err := reg.GetActive(ctx, domain.TaskClassification, "email_intent")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	require.NoError(t, reg.Activate(ctx, domain.TaskClassification, "email_intent", 2))
	active, err = reg.GetActive(ctx, domain.TaskClassification, "email_intent")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	// Rollback is just activate against the prior version.
	require.NoError(t, reg.Activate(ctx, domain.TaskClassification, "email_intent", 1))
	active, err = reg.GetActive(ctx, domain.TaskClassification, "email_intent")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}

func TestCreateVersion_RejectsBrokenTemplate(t *testing.T) {
	reg := NewRegistry(&memPromptRepo{}, &memMetrics{})
	_, err := reg.CreateVersion(context.Background(), domain.PromptTemplate{
		TaskType: domain.TaskExtraction, Name: "x", UserTemplate: "{{.unclosed",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = reg.CreateVersion(context.Background(), domain.PromptTemplate{
		TaskType: domain.TaskExtraction, Name: "x", UserTemplate: "   ",
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestRollupDay(t *testing.T) {
	metrics := &memMetrics{}
	reg := NewRegistry(&memPromptRepo{}, metrics)
	reg.RecordCall(context.Background(), domain.PromptCallMetric{TemplateID: 1, JobID: "job-1", TokensIn: 100, TokensOut: 50, Success: true})

	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	n, err := reg.RollupDay(context.Background(), day, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, metrics.rolled, 1)
	assert.Equal(t, day, metrics.rolled[0])
	assert.False(t, metrics.deleted.IsZero())
}

func TestFlagManualReview(t *testing.T) {
	metrics := &memMetrics{}
	reg := NewRegistry(&memPromptRepo{}, metrics)
	reg.RecordCall(context.Background(), domain.PromptCallMetric{TemplateID: 1, JobID: "job-7", Success: true, Confidence: 0.42})

	reg.FlagManualReview(context.Background(), "job-7")
	assert.Equal(t, []string{"job-7"}, metrics.flagged)
}

func TestSeeds(t *testing.T) {
	seeds, err := Seeds()
	require.NoError(t, err)
	require.Len(t, seeds, 3)

	byTask := map[domain.PromptTaskType]domain.PromptTemplate{}
	for _, s := range seeds {
		byTask[s.TaskType] = s
		assert.Equal(t, 1, s.Version)
		// Every seed must render with its documented variables.
	}
	assert.Contains(t, byTask, domain.TaskClassification)
	assert.Contains(t, byTask, domain.TaskExtraction)
	assert.Contains(t, byTask, domain.TaskValidation)

	out, err := Render(byTask[domain.TaskClassification], map[string]any{
		"subject": "Mahnung", "from_email": "a@b.de", "body": "text",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Mahnung")

	out, err = Render(byTask[domain.TaskExtraction], map[string]any{"filename": "f.pdf"})
	require.NoError(t, err)
	assert.Contains(t, out, "f.pdf")
}

func TestEnsureSeeds_Idempotent(t *testing.T) {
	repo := &memPromptRepo{}
	ctx := context.Background()
	require.NoError(t, EnsureSeeds(ctx, repo))
	first := len(repo.rows)
	require.NoError(t, EnsureSeeds(ctx, repo))
	assert.Equal(t, first, len(repo.rows))

	active, err := repo.GetActive(ctx, domain.TaskExtraction, "document_amounts")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}
