// Copyright 2025 Stratus
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stratus/gateway/shared/apierror"
)

// Mode selects how a routed operation is executed
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// TargetKind discriminates route targets
type TargetKind string

const (
	TargetDirect   TargetKind = "direct"
	TargetWorkflow TargetKind = "workflow"
)

// Target is where a route sends the request: a downstream service call
// or a workflow start.
type Target struct {
	Kind TargetKind `yaml:"kind"`

	// Direct
	Service string `yaml:"service,omitempty"`
	Path    string `yaml:"path,omitempty"`

	// Workflow
	WorkflowType string `yaml:"workflow_type,omitempty"`
	TaskQueue    string `yaml:"task_queue,omitempty"`
}

// Route is one declared operation in the routing table
type Route struct {
	Name              string
	Method            string
	Path              string
	Target            Target
	Mode              Mode
	EstimatedDuration time.Duration
	TenantExempt      bool
	SupportsStream    bool

	segments []string
}

// Decision is the routing outcome for one request
type Decision struct {
	Route      *Route
	Mode       Mode
	PathParams map[string]string
}

// Table is the static routing table. All routing decisions come from
// declared routes; there is no runtime inference and no default backend.
type Table struct {
	routes []*Route

	// SyncThreshold forces operations whose estimate exceeds it to
	// async regardless of the declared mode.
	SyncThreshold time.Duration
}

// NewTable builds a table from declared routes
func NewTable(routes []Route) (*Table, error) {
	t := &Table{SyncThreshold: 10 * time.Second}
	for i := range routes {
		r := routes[i]
		if err := validateRoute(&r); err != nil {
			return nil, err
		}
		r.segments = splitPath(r.Path)
		t.routes = append(t.routes, &r)
	}
	return t, nil
}

func validateRoute(r *Route) error {
	if r.Name == "" || r.Method == "" || !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("route %q: name, method and absolute path are required", r.Name)
	}
	switch r.Target.Kind {
	case TargetDirect:
		if r.Target.Service == "" {
			return fmt.Errorf("route %q: direct target needs a service", r.Name)
		}
	case TargetWorkflow:
		if r.Target.WorkflowType == "" {
			return fmt.Errorf("route %q: workflow target needs a workflow type", r.Name)
		}
	default:
		return fmt.Errorf("route %q: unknown target kind %q", r.Name, r.Target.Kind)
	}
	if r.Mode != ModeSync && r.Mode != ModeAsync {
		return fmt.Errorf("route %q: mode must be sync or async", r.Name)
	}
	return nil
}

// LoadOverlay merges routes from a YAML file over the declared table.
// A file route with the same (method, path) replaces the declared one;
// new routes are appended. Used for environment-specific additions
// without a rebuild.
func (t *Table) LoadOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read route overlay %s: %w", path, err)
	}

	var file struct {
		Routes []overlayRoute `yaml:"routes"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse route overlay %s: %w", path, err)
	}

	for i := range file.Routes {
		r, err := file.Routes[i].toRoute()
		if err != nil {
			return fmt.Errorf("route overlay %s: %w", path, err)
		}
		if err := validateRoute(&r); err != nil {
			return fmt.Errorf("route overlay %s: %w", path, err)
		}
		r.segments = splitPath(r.Path)
		replaced := false
		for j, existing := range t.routes {
			if existing.Method == r.Method && existing.Path == r.Path {
				t.routes[j] = &r
				replaced = true
				break
			}
		}
		if !replaced {
			t.routes = append(t.routes, &r)
		}
	}
	return nil
}

// overlayRoute is the YAML shape of a route; durations are strings
// ("30s", "2m") parsed with time.ParseDuration.
type overlayRoute struct {
	Name              string `yaml:"name"`
	Method            string `yaml:"method"`
	Path              string `yaml:"path"`
	Target            Target `yaml:"target"`
	Mode              Mode   `yaml:"mode"`
	EstimatedDuration string `yaml:"estimated_duration"`
	TenantExempt      bool   `yaml:"tenant_exempt"`
	SupportsStream    bool   `yaml:"supports_stream"`
}

func (o overlayRoute) toRoute() (Route, error) {
	r := Route{
		Name:           o.Name,
		Method:         o.Method,
		Path:           o.Path,
		Target:         o.Target,
		Mode:           o.Mode,
		TenantExempt:   o.TenantExempt,
		SupportsStream: o.SupportsStream,
	}
	if o.EstimatedDuration != "" {
		d, err := time.ParseDuration(o.EstimatedDuration)
		if err != nil {
			return Route{}, fmt.Errorf("route %q: bad estimated_duration: %w", o.Name, err)
		}
		r.EstimatedDuration = d
	}
	return r, nil
}

// Lookup resolves the request to a declared route. Unmatched paths are
// NotFound; a matched path with the wrong method is Validation.
func (t *Table) Lookup(method, path string) (*Decision, error) {
	segs := splitPath(path)
	pathMatched := false

	for _, r := range t.routes {
		params, ok := matchSegments(r.segments, segs)
		if !ok {
			continue
		}
		pathMatched = true
		if r.Method != method {
			continue
		}

		mode := r.Mode
		// Long-running operations never block the caller
		if mode == ModeSync && r.EstimatedDuration > t.SyncThreshold {
			mode = ModeAsync
		}
		return &Decision{Route: r, Mode: mode, PathParams: params}, nil
	}

	if pathMatched {
		return nil, apierror.Validation(fmt.Sprintf("method %s not allowed for %s", method, path))
	}
	return nil, apierror.NotFound("route", path)
}

// TenantExempt implements the tenant middleware's exemption policy:
// only routes explicitly declared exempt bypass tenant resolution.
// Unrouted paths are not exempt; they fail tenant resolution or routing
// downstream.
func (t *Table) TenantExempt(method, path string) bool {
	d, err := t.Lookup(method, path)
	if err != nil {
		return false
	}
	return d.Route.TenantExempt
}

// Routes returns the declared routes (read-only)
func (t *Table) Routes() []*Route {
	return t.routes
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchSegments matches concrete path segments against a pattern where
// {name} segments capture a parameter. No globs, no prefix matching.
func matchSegments(pattern, actual []string) (map[string]string, bool) {
	if len(pattern) != len(actual) {
		return nil, false
	}
	var params map[string]string
	for i, ps := range pattern {
		if strings.HasPrefix(ps, "{") && strings.HasSuffix(ps, "}") {
			if actual[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[ps[1:len(ps)-1]] = actual[i]
			continue
		}
		if ps != actual[i] {
			return nil, false
		}
	}
	return params, true
}
