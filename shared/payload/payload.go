package payload

import (
	"encoding/json"
	"fmt"
)

// Resource is the wire form of one declared piece of system state.
type Resource struct {
	Type       string            `json:"type" yaml:"type"`
	Name       string            `json:"name" yaml:"name"`
	Action     string            `json:"action,omitempty" yaml:"action"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes"`
	Updated    bool              `json:"updated,omitempty" yaml:"-"`
}

// String renders the resource as type[name].
func (r Resource) String() string {
	return fmt.Sprintf("%s[%s]", r.Type, r.Name)
}

// CollectionPayload asks the agent to converge a resource collection.
// Resource is echoed back as the same JSON value, compacted.
type CollectionPayload struct {
	Resources []Resource      `json:"resources"`
	Resource  json.RawMessage `json:"resource,omitempty"`
}

type ResourcePayload struct {
	Resource Resource `json:"resource"`
}

// RecipePayload carries the recipe text for check_recipe and recipe jobs.
type RecipePayload string

type ConvergePayload struct {
	LogLevel string `json:"log_level,omitempty"`
}

type CollectionResult struct {
	Log      string          `json:"log"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type ResourceResult struct {
	Log      string   `json:"log"`
	Resource Resource `json:"resource"`
}

type CheckRecipeResult struct {
	Resources []Resource `json:"resources"`
}

type RecipeResult struct {
	Log       string     `json:"log"`
	Resources []Resource `json:"resources"`
}

type ConvergeResult struct {
	Log string `json:"log"`
}

// Error classes separate failures of the job itself from failures of the worker.
const (
	ClassDomain         = "domain"
	ClassInfrastructure = "infrastructure"
)

// ErrorBody is the structured error returned to the caller of a failed job.
type ErrorBody struct {
	Class   string `json:"class"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Log     string `json:"log,omitempty"`
}
