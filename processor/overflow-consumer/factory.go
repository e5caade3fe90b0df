package overflowconsumer

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the overflow-consumer component with the given registry.
// The worker carries the pool and transfer collaborators and is shared by
// every instance the registry creates.
func Register(registry RegistryInterface, worker *Worker) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	if worker == nil {
		return fmt.Errorf("worker cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name: "overflow-consumer",
		Factory: func(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
			return NewComponent(rawConfig, deps, worker)
		},
		Schema:      overflowSchema,
		Type:        "processor",
		Protocol:    "export",
		Domain:      "export",
		Description: "Feeds overflowed download tasks back into the worker pool",
		Version:     "0.1.0",
	})
}
