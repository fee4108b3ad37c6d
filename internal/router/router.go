// Package router matches request paths to backend routes. Patterns are
// compiled once at load and ranked so exact routes beat parameterized
// ones and parameterized routes beat wildcards, independent of file
// order. A pattern claims its whole subtree: /api/users matches both
// /api/users and /api/users/42.
package router

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-yaml"
)

type segKind int

const (
	segLiteral segKind = iota
	segParam
	segWildcard // *
	segTail     // **
)

type segment struct {
	kind segKind
	text string // literal value or param name
}

type compiledRoute struct {
	route    *Route
	segments []segment
	priority int
	methods  map[string]bool
}

// Router holds the active route table. Reload swaps the table
// atomically; in-flight lookups keep the table they started with.
type Router struct {
	table atomic.Pointer[[]*compiledRoute]
}

type routesFile struct {
	Routes []*Route `yaml:"routes"`
}

// New builds a router from a route list.
func New(routes []*Route) (*Router, error) {
	r := &Router{}
	if err := r.Reload(routes); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFromFile builds a router from the routes file at path.
func NewFromFile(path string) (*Router, error) {
	routes, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(routes)
}

// LoadFile parses the routes file at path.
func LoadFile(path string) ([]*Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	var f routesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}
	return f.Routes, nil
}

// Reload compiles routes and swaps them in as the active table.
func (r *Router) Reload(routes []*Route) error {
	compiled := make([]*compiledRoute, 0, len(routes))
	for _, route := range routes {
		cr, err := compile(route)
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}
	// Higher priority first; ties keep file order.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].priority > compiled[j].priority
	})
	r.table.Store(&compiled)
	return nil
}

// Routes returns the active routes in match order.
func (r *Router) Routes() []*Route {
	table := *r.table.Load()
	out := make([]*Route, len(table))
	for i, cr := range table {
		out[i] = cr.route
	}
	return out
}

// Find returns the highest-priority route matching method and path, or
// nil when nothing matches.
func (r *Router) Find(method, path string) *Match {
	table := *r.table.Load()
	for _, cr := range table {
		if len(cr.methods) > 0 && !cr.methods[method] {
			continue
		}
		if params, ok := cr.match(path); ok {
			return &Match{Route: cr.route, Params: params}
		}
	}
	return nil
}

func compile(route *Route) (*compiledRoute, error) {
	if route.Path == "" || route.Path[0] != '/' {
		return nil, fmt.Errorf("route path must start with /: %q", route.Path)
	}
	if route.Service == "" {
		return nil, fmt.Errorf("route %q has no service", route.Path)
	}

	cr := &compiledRoute{route: route}

	pattern := route.Path
	if pattern != "/" {
		pattern = strings.TrimSuffix(pattern, "/")
	}

	parts := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	if pattern == "/" {
		parts = nil
	}

	exact := true
	for i, part := range parts {
		switch {
		case part == "**":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("route %q: ** is only valid as the last segment", route.Path)
			}
			cr.segments = append(cr.segments, segment{kind: segTail})
			exact = false
		case part == "*":
			cr.segments = append(cr.segments, segment{kind: segWildcard})
			exact = false
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, fmt.Errorf("route %q: empty parameter name", route.Path)
			}
			cr.segments = append(cr.segments, segment{kind: segParam, text: name})
			exact = false
		default:
			cr.segments = append(cr.segments, segment{kind: segLiteral, text: part})
		}
	}
	// Exact patterns outrank everything, longer literal spines outrank
	// shorter ones, and each parameter or wildcard costs rank.
	if exact {
		cr.priority += 1000
	}
	for _, s := range cr.segments {
		switch s.kind {
		case segLiteral:
			cr.priority += 10
		case segParam:
			cr.priority -= 50
		case segWildcard:
			cr.priority -= 60
		case segTail:
			cr.priority -= 100
		}
	}

	if len(route.Methods) > 0 {
		cr.methods = make(map[string]bool, len(route.Methods))
		for _, m := range route.Methods {
			cr.methods[strings.ToUpper(m)] = true
		}
	}
	return cr, nil
}

func (cr *compiledRoute) match(path string) (map[string]string, bool) {
	parts := splitPath(path)

	var params map[string]string
	i := 0
	for _, seg := range cr.segments {
		if seg.kind == segTail {
			// Matches the remainder, including nothing.
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.text {
				return nil, false
			}
		case segParam:
			if params == nil {
				params = map[string]string{}
			}
			params[seg.text] = parts[i]
		case segWildcard:
			// Any single segment.
		}
		i++
	}

	// Segments past the pattern stay with the route: /api/users owns
	// /api/users/42 as well.
	return params, true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ExpandRewrite substitutes {name} references in the rewrite template
// with captured parameters.
func ExpandRewrite(template string, params map[string]string) string {
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
