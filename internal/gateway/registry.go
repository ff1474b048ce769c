package gateway

import (
	"fmt"
	"sort"
	"strings"
)

// Registry holds the configured gateways. It is built once at startup.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

// NewRegistry constructs a registry; defaultName selects the gateway used when none is requested.
func NewRegistry(defaultName string, gateways ...Gateway) *Registry {
	r := &Registry{
		gateways:    make(map[string]Gateway, len(gateways)),
		defaultName: strings.ToLower(strings.TrimSpace(defaultName)),
	}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		r.gateways[strings.ToLower(gw.Name())] = gw
	}
	return r
}

// Get returns the gateway registered under name.
func (r *Registry) Get(name string) (Gateway, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if r == nil || key == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	gw, ok := r.gateways[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return gw, nil
}

// Default returns the default gateway.
func (r *Registry) Default() (Gateway, error) {
	if r == nil {
		return nil, ErrUnknownGateway
	}
	return r.Get(r.defaultName)
}

// Resolve returns the named gateway, or the default one when name is empty.
func (r *Registry) Resolve(name string) (Gateway, error) {
	if strings.TrimSpace(name) == "" {
		return r.Default()
	}
	return r.Get(name)
}

// Names lists registered gateway names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
