// Package tool defines the contracts network tools expose to the
// orchestrator: typed input/output schemas, sensitivity classification,
// retry policy, and the schema catalog the deep-dive planner searches.
package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/olavnet/olav/model"
)

// Sensitivity classifies a tool's effect on the network.
type Sensitivity string

const (
	// SensitivityRead marks tools that only observe state. Read tools must
	// be idempotent; the engine re-drives them freely after a crash.
	SensitivityRead Sensitivity = "read"

	// SensitivityWrite marks tools that mutate device or inventory state.
	// Write tools are never dispatched without an approved decision.
	SensitivityWrite Sensitivity = "write"
)

// Field describes one input parameter in a tool's contract.
type Field struct {
	// Type is the JSON type: "string", "number", "integer", "boolean",
	// "array", "object".
	Type string `json:"type"`

	// Required marks parameters that must be present.
	Required bool `json:"required,omitempty"`

	// Description is shown to the LLM and to human approvers.
	Description string `json:"description,omitempty"`

	// Enum restricts string values when non-empty.
	Enum []string `json:"enum,omitempty"`
}

// RetrySpec declares how the runner retries a tool on transient failures.
type RetrySpec struct {
	// MaxAttempts includes the initial attempt. Zero or one means no retry.
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay seeds the exponential backoff. Zero means 500ms.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the backoff. Zero means 10s.
	MaxDelay time.Duration `json:"max_delay"`
}

// SchemaField is one queryable field inside a schema table.
type SchemaField struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// SchemaTable is a named record set a tool can expose (a telemetry table,
// an inventory collection, a device data model).
type SchemaTable struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Fields      []SchemaField `json:"fields,omitempty"`
}

// SchemaDescriptor is the table/field catalog a tool contributes to the
// capability index. Tools without a browsable schema leave it nil.
type SchemaDescriptor struct {
	Tables []SchemaTable `json:"tables"`
}

// Descriptor is the full registration record for a tool.
type Descriptor struct {
	// Name uniquely identifies the tool; lowercase with underscores.
	Name string `json:"name"`

	// Purpose is the one-sentence description shown to the LLM.
	Purpose string `json:"purpose"`

	// Sensitivity gates dispatch through human approval for writes.
	Sensitivity Sensitivity `json:"sensitivity"`

	// Input is the named-field input contract.
	Input map[string]Field `json:"input,omitempty"`

	// Retry declares the transient-failure retry policy.
	Retry RetrySpec `json:"retry"`

	// Schema is the optional table/field catalog for the capability index.
	Schema *SchemaDescriptor `json:"schema,omitempty"`

	// Timeout bounds a single invocation. Zero means the runner default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Spec converts the descriptor into the LLM-visible tool specification.
func (d Descriptor) Spec() model.ToolSpec {
	props := make(map[string]any, len(d.Input))
	var required []string
	for name, f := range d.Input {
		prop := map[string]any{"type": f.Type}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		props[name] = prop
		if f.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return model.ToolSpec{
		Name:        d.Name,
		Description: d.Purpose,
		Schema:      schema,
	}
}

// Meta carries provenance for a tool result.
type Meta struct {
	Source    string    `json:"source,omitempty"`
	Device    string    `json:"device,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Result is the normalized record set every tool returns.
type Result struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Meta    Meta             `json:"meta"`
}

// Empty reports whether the result carries no data rows.
func (r Result) Empty() bool { return len(r.Rows) == 0 }

// Tool is the executable contract. Implementations live outside the core
// (SuzieQ readers, device executors, inventory clients); the orchestrator
// consumes only this interface.
//
// Implementations should validate input against their declared contract,
// respect context cancellation, and return transient failures as errors
// implementing RetryableError.
type Tool interface {
	// Descriptor returns the tool's registration record. Must be stable
	// for the process lifetime.
	Descriptor() Descriptor

	// Call executes the tool. Args are pre-validated against the input
	// contract by the runner, but defensive validation is encouraged.
	Call(ctx context.Context, args map[string]any) (Result, error)
}

// RetryableError lets tools mark failures as transient. The runner retries
// errors whose Retryable method reports true, up to the declared limit.
type RetryableError interface {
	error
	Retryable() bool
}

// TransientError is a convenience RetryableError implementation for tool
// authors.
type TransientError struct {
	Msg   string
	Cause error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *TransientError) Retryable() bool { return true }

func (e *TransientError) Unwrap() error { return e.Cause }

// ValidateArgs checks args against the descriptor's input contract.
// Returns a ContractError naming the first violation: a missing required
// field, an unknown field, or a type mismatch.
func ValidateArgs(d Descriptor, args map[string]any) error {
	for name, f := range d.Input {
		v, ok := args[name]
		if !ok {
			if f.Required {
				return &ContractError{Tool: d.Name, Field: name, Reason: "required field missing"}
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			return &ContractError{Tool: d.Name, Field: name, Reason: fmt.Sprintf("expected %s, got %T", f.Type, v)}
		}
		if len(f.Enum) > 0 {
			s, _ := v.(string)
			if !contains(f.Enum, s) {
				return &ContractError{Tool: d.Name, Field: name, Reason: fmt.Sprintf("value %q not in enum", s)}
			}
		}
	}
	for name := range args {
		if _, ok := d.Input[name]; !ok {
			return &ContractError{Tool: d.Name, Field: name, Reason: "unknown field"}
		}
	}
	return nil
}

// ContractError reports an input or output contract violation. Contract
// errors are never retried.
type ContractError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("tool %s: field %q: %s", e.Tool, e.Field, e.Reason)
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
