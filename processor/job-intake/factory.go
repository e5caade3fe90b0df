package jobintake

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the job-intake component with the given registry. The
// handler carries the domain collaborators and is shared by every instance
// the registry creates.
func Register(registry RegistryInterface, handler *Handler) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name: "job-intake",
		Factory: func(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
			return NewComponent(rawConfig, deps, handler)
		},
		Schema:      intakeSchema,
		Type:        "processor",
		Protocol:    "export",
		Domain:      "export",
		Description: "Consumes export job submissions and routes them to dispatch or polling",
		Version:     "0.1.0",
	})
}
