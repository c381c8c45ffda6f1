package research

import (
	"ragent/internal/tools"
)

// RegisterAll registers the research tools backed by deps.
func RegisterAll(registry *tools.Registry, deps Deps) (*Toolkit, error) {
	kit := New(deps)
	if err := registry.RegisterCapability(kit); err != nil {
		return nil, err
	}
	return kit, nil
}
