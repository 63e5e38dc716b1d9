// Package handlers provides the registry that resolves a job's declared
// name to executable logic.
package handlers

import (
	"context"
)

// ExecuteFunc is the asynchronous execute contract of a handler. Any error
// it returns is treated as job failure by the caller.
type ExecuteFunc func(ctx context.Context, job *JobContext) (interface{}, error)

// JobContext is the job-scoped value passed to a handler's execute.
type JobContext struct {
	// ID of the job
	ID string

	// Name is the handler name the job was dispatched under
	Name string

	// Queue the job was leased from
	Queue string

	// Data is the job's input data
	Data map[string]interface{}

	// Children lazily returns the results of the job's completed children
	Children func(ctx context.Context) (map[string]interface{}, error)

	// Progress reports a progress value for the job
	Progress func(value interface{}) error

	// Delta reports an incremental content fragment for the job
	Delta func(chunk string) error
}

// Descriptor describes one unit of dispatchable logic. Descriptors are
// value types: the registry hands out copies, so a hot reload that replaces
// a descriptor never mutates an already-dispatched invocation.
type Descriptor struct {
	// Name is the unique job-type key
	Name string `json:"name"`

	// Description of the handler
	Description string `json:"description,omitempty"`

	// Version of the handler
	Version string `json:"version,omitempty"`

	// Author of the handler
	Author string `json:"author,omitempty"`

	// Schema optionally describes the handler's expected input shape
	Schema map[string]interface{} `json:"schema,omitempty"`

	// Execute runs the handler
	Execute ExecuteFunc `json:"-"`
}

// Registry manages handler descriptors keyed by name.
type Registry interface {
	// Register stores a descriptor, overwriting any prior descriptor of the
	// same name. It fails if the name or execute function is missing.
	Register(descriptor Descriptor) error

	// Lookup returns a snapshot of the descriptor registered under name.
	Lookup(name string) (Descriptor, error)

	// Remove deletes the descriptor registered under name, if present.
	Remove(name string) error

	// List returns all registered handler names.
	List() []string
}
