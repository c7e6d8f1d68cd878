package prompt

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

//go:embed seeds.yaml
var seedsYAML []byte

type seedFile struct {
	Templates []seedTemplate `yaml:"templates"`
}

type seedTemplate struct {
	TaskType    string  `yaml:"task_type"`
	Name        string  `yaml:"name"`
	System      string  `yaml:"system"`
	User        string  `yaml:"user"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Description string  `yaml:"description"`
}

// Seeds parses the embedded seed templates. They are inserted as version 1
// and activated when the registry is empty for their (task type, name).
func Seeds() ([]domain.PromptTemplate, error) {
	var f seedFile
	if err := yaml.Unmarshal(seedsYAML, &f); err != nil {
		return nil, fmt.Errorf("op=prompt_seeds: %w", err)
	}
	out := make([]domain.PromptTemplate, 0, len(f.Templates))
	for _, s := range f.Templates {
		out = append(out, domain.PromptTemplate{
			TaskType:     domain.PromptTaskType(s.TaskType),
			Name:         s.Name,
			Version:      1,
			SystemText:   s.System,
			UserTemplate: s.User,
			Active:       true,
			ModelName:    s.Model,
			Temperature:  s.Temperature,
			MaxTokens:    s.MaxTokens,
			CreatedBy:    "seed",
			Description:  s.Description,
		})
	}
	return out, nil
}

// EnsureSeeds inserts any seed whose (task type, name) has no active
// version yet. Existing registries are left untouched.
func EnsureSeeds(ctx domain.Context, repo domain.PromptRepository) error {
	seeds, err := Seeds()
	if err != nil {
		return err
	}
	for _, s := range seeds {
		if _, err := repo.GetActive(ctx, s.TaskType, s.Name); err == nil {
			continue
		}
		created, err := repo.CreateVersion(ctx, s)
		if err != nil {
			return fmt.Errorf("op=prompt_seed %s/%s: %w", s.TaskType, s.Name, err)
		}
		if err := repo.Activate(ctx, s.TaskType, s.Name, created.Version); err != nil {
			return fmt.Errorf("op=prompt_seed activate %s/%s: %w", s.TaskType, s.Name, err)
		}
	}
	return nil
}
