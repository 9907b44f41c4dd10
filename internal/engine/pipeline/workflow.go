package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Workflow is the subset of an Argo workflow the harness renders for
// single-step function runs.
type Workflow struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

type Metadata struct {
	GenerateName string            `yaml:"generateName,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty"`
}

type Spec struct {
	Entrypoint         string     `yaml:"entrypoint"`
	ServiceAccountName string     `yaml:"serviceAccountName,omitempty"`
	Templates          []Template `yaml:"templates"`
}

type Template struct {
	Name      string     `yaml:"name"`
	Container *Container `yaml:"container,omitempty"`
	DAG       *DAG       `yaml:"dag,omitempty"`
}

type Container struct {
	Image   string   `yaml:"image"`
	Command []string `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []EnvVar `yaml:"env,omitempty"`
}

type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type DAG struct {
	Tasks []DAGTask `yaml:"tasks"`
}

type DAGTask struct {
	Name         string   `yaml:"name"`
	Template     string   `yaml:"template"`
	Dependencies []string `yaml:"dependencies,omitempty"`
}

// SingleStep returns a workflow running one container.
func SingleStep(name, image string, command, args []string) *Workflow {
	return &Workflow{
		APIVersion: "argoproj.io/v1alpha1",
		Kind:       "Workflow",
		Metadata: Metadata{
			GenerateName: name + "-",
			Labels:       map[string]string{"app.kubernetes.io/managed-by": "function-harness"},
		},
		Spec: Spec{
			Entrypoint: name,
			Templates: []Template{{
				Name:      name,
				Container: &Container{Image: image, Command: command, Args: args},
			}},
		},
	}
}

// Render encodes w as YAML.
func (w *Workflow) Render() ([]byte, error) {
	if w.Spec.Entrypoint == "" {
		return nil, fmt.Errorf("workflow has no entrypoint")
	}
	out, err := yaml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("rendering workflow: %w", err)
	}
	return out, nil
}

// ParseWorkflow decodes and checks a YAML workflow.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if w.Kind != "Workflow" {
		return nil, fmt.Errorf("unexpected kind %q, want Workflow", w.Kind)
	}
	if w.Spec.Entrypoint == "" || len(w.Spec.Templates) == 0 {
		return nil, fmt.Errorf("workflow needs an entrypoint and at least one template")
	}
	return &w, nil
}
