package llm

import "fmt"

// ProfileSpec is the provider-agnostic configuration for one Profile,
// mirroring the teacher's ProviderGroupConfig but kept inside this package
// so it carries no dependency on internal/config (which already depends on
// internal/llm for FailoverConfig).
type ProfileSpec struct {
	Name     string
	Provider string
	Model    string
	APIKey   string
}

// ProviderFactory is the seam each concrete provider wire client plugs
// into, exactly the teacher's pkg/llm/registry.go ProviderFactory. Only a
// demo provider ("echo", see demoprovider.go) is registered in this
// module; concrete wire formats (OpenAI/Anthropic/etc.) are out of scope.
type ProviderFactory interface {
	Create(spec ProfileSpec) (Client, error)
}

var providerRegistry = make(map[string]ProviderFactory)

// RegisterProvider adds factory under name, meant to be called from a
// provider package's init().
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// GetProviderFactory looks up a previously registered ProviderFactory.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}

// BuildProfiles turns a list of ProfileSpecs into failover Profiles by
// resolving each one's Provider against the registry, the way the
// teacher's NewFromConfig resolves ProviderGroupConfig.Type.
func BuildProfiles(specs []ProfileSpec) ([]*Profile, error) {
	profiles := make([]*Profile, 0, len(specs))
	for _, spec := range specs {
		factory, ok := GetProviderFactory(spec.Provider)
		if !ok {
			return nil, fmt.Errorf("llm: no provider registered for %q (profile %q)", spec.Provider, spec.Name)
		}
		client, err := factory.Create(spec)
		if err != nil {
			return nil, fmt.Errorf("llm: building profile %q: %w", spec.Name, err)
		}
		profiles = append(profiles, &Profile{Name: spec.Name, Provider: spec.Provider, Model: spec.Model, Client: client})
	}
	return profiles, nil
}
