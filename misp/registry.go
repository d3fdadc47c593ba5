/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package misp

import (
	"fmt"
	"sort"
)

// Instance pairs one configured MISP instance with its client.
type Instance struct {
	Config InstanceConfig
	Client *Client
}

// Registry holds the set of configured MISP instances.
type Registry struct {
	byName map[string]*Instance
	order  []string
}

// NewRegistry builds a registry from the configured instances.
func NewRegistry(cfgs []InstanceConfig) *Registry {
	r := &Registry{
		byName: make(map[string]*Instance, len(cfgs)),
	}
	for _, c := range cfgs {
		r.byName[c.Name] = &Instance{
			Config: c,
			Client: NewClient(c),
		}
		r.order = append(r.order, c.Name)
	}
	sort.Strings(r.order)
	return r
}

// Get returns the named instance or ErrUnknownInstance.
func (r *Registry) Get(name string) (*Instance, error) {
	if inst, ok := r.byName[name]; ok {
		return inst, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownInstance, name)
}

// All returns every instance in stable name order.
func (r *Registry) All() []*Instance {
	out := make([]*Instance, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}
