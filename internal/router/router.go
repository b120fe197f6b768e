// Package router maps (method, path) to a registered route spec: an
// ordered before/steps chain plus whatever captures its pattern declares.
// Patterns support literal segments, ":param" captures, and
// a trailing "*wildcard" catch-all. Matching is a linear scan over routes
// registered for the method, in registration order, with no regex — the
// first route whose segments unify wins ties.
package router

import (
	"strings"

	"github.com/monstercameron/zerver/internal/reqctx"
)

// Route is one registered endpoint: its before-steps, its main steps,
// and the pattern it was registered under (kept for diagnostics/listing).
type Route struct {
	Method  string
	Pattern string
	Before  []reqctx.Step
	Steps   []reqctx.Step

	segments []segment
}

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind segmentKind
	text string // literal text, or the param/wildcard name
}

func compilePattern(pattern string) []segment {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, ":"):
			segs = append(segs, segment{kind: segParam, text: p[1:]})
		case strings.HasPrefix(p, "*"):
			segs = append(segs, segment{kind: segWildcard, text: p[1:]})
		default:
			segs = append(segs, segment{kind: segLiteral, text: p})
		}
	}
	return segs
}

// Router holds routes grouped by HTTP method, preserving registration
// order within each method so ties resolve to the earliest registration.
type Router struct {
	routes map[string][]*Route
}

// New returns an empty Router.
func New() *Router {
	return &Router{routes: make(map[string][]*Route)}
}

// Register adds a route for method+pattern. Registration order decides
// ties.
func (r *Router) Register(method, pattern string, before, steps []reqctx.Step) *Route {
	route := &Route{
		Method:   method,
		Pattern:  pattern,
		Before:   before,
		Steps:    steps,
		segments: compilePattern(pattern),
	}
	r.routes[method] = append(r.routes[method], route)
	return route
}

// MatchResult is the outcome of Match: the matched route, its captures,
// and whether the path matched some route under a *different* method
// (useful to an external 405 responder).
type MatchResult struct {
	Route                  *Route
	Params                 map[string]string
	PathMatchedOtherMethod bool
}

// Match finds the first route whose method matches and whose segments
// unify with path, returning captures in a fresh map. If no route for
// method matches but some route under another method would, that is
// reported via PathMatchedOtherMethod so the caller can produce a
// 405-style response.
func (r *Router) Match(method, path string) MatchResult {
	target := strings.Split(strings.Trim(path, "/"), "/")
	if len(target) == 1 && target[0] == "" {
		target = target[:0]
	}

	if routes, ok := r.routes[method]; ok {
		for _, route := range routes {
			if params, ok := unify(route.segments, target); ok {
				return MatchResult{Route: route, Params: params}
			}
		}
	}

	for m, routes := range r.routes {
		if m == method {
			continue
		}
		for _, route := range routes {
			if _, ok := unify(route.segments, target); ok {
				return MatchResult{PathMatchedOtherMethod: true}
			}
		}
	}
	return MatchResult{}
}

func unify(segs []segment, target []string) (map[string]string, bool) {
	params := map[string]string{}
	ti := 0
	for si := 0; si < len(segs); si++ {
		seg := segs[si]
		if seg.kind == segWildcard {
			params[seg.text] = strings.Join(target[ti:], "/")
			return params, true
		}
		if ti >= len(target) {
			return nil, false
		}
		switch seg.kind {
		case segLiteral:
			if target[ti] != seg.text {
				return nil, false
			}
		case segParam:
			params[seg.text] = target[ti]
		}
		ti++
	}
	if ti != len(target) {
		return nil, false
	}
	return params, true
}
