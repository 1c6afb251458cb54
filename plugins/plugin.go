package plugins

import (
	"sort"

	"github.com/gofiber/fiber/v2"
)

// Plugin is an HTTP surface mounted under /api
type Plugin interface {
	// Name returns the plugin identifier
	Name() string

	// RegisterRoutes adds the plugin's HTTP routes to the app
	RegisterRoutes(app *fiber.App)

	// Shutdown performs cleanup when the server stops
	Shutdown() error
}

// PluginFactory creates a new plugin instance from its config section
type PluginFactory func(config any) (Plugin, error)

var registry = make(map[string]PluginFactory)

// RegisterPlugin adds a plugin factory to the registry
func RegisterPlugin(name string, factory PluginFactory) {
	registry[name] = factory
}

// Get retrieves a plugin factory by name
func Get(name string) (PluginFactory, bool) {
	factory, exists := registry[name]
	return factory, exists
}

// Names lists registered plugins in alphabetical order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TokenValidator is a function type for validating authentication tokens
type TokenValidator func(token string) bool
