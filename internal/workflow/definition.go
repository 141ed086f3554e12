// Package workflow loads job definitions from YAML files so DAGs can live in
// version control and be submitted by the CLI.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/usecase"
)

// TaskDef declares one task of a workflow file.
type TaskDef struct {
	Name      string   `yaml:"name"`
	Needs     []string `yaml:"needs"`
	AgentType string   `yaml:"agent_type"`
	RunCmd    string   `yaml:"run_cmd"`
	Queue     string   `yaml:"queue"`
	Gate      string   `yaml:"gate"`
	Var       string   `yaml:"var"`
}

// Definition is a declarative job: a named DAG of tasks.
type Definition struct {
	Name  string    `yaml:"name"`
	Tasks []TaskDef `yaml:"tasks"`
}

// Parse decodes and validates a workflow definition. Structural DAG
// validation (cycles, unknown deps) happens at submission.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("op=workflow.parse: %w: %s", domain.ErrInvalidArgument, err)
	}
	if def.Name == "" {
		return Definition{}, fmt.Errorf("op=workflow.parse: missing name: %w", domain.ErrInvalidArgument)
	}
	if len(def.Tasks) == 0 {
		return Definition{}, fmt.Errorf("op=workflow.parse: %s has no tasks: %w", def.Name, domain.ErrInvalidArgument)
	}
	for _, t := range def.Tasks {
		if t.Name == "" {
			return Definition{}, fmt.Errorf("op=workflow.parse: task without name: %w", domain.ErrInvalidArgument)
		}
		if t.AgentType == "" {
			return Definition{}, fmt.Errorf("op=workflow.parse: task %s has no agent_type: %w", t.Name, domain.ErrInvalidArgument)
		}
	}
	return def, nil
}

// Load reads and parses a workflow file.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("op=workflow.load: %w", err)
	}
	return Parse(data)
}

// Specs converts the definition to submission specs.
func (d Definition) Specs() []usecase.TaskSpec {
	specs := make([]usecase.TaskSpec, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		specs = append(specs, usecase.TaskSpec{
			Name: t.Name, Needs: t.Needs, AgentType: t.AgentType,
			RunCmd: t.RunCmd, Queue: t.Queue, Gate: t.Gate, Var: t.Var,
		})
	}
	return specs
}
