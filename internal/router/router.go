// Package router classifies proxied request paths into an upstream branch.
package router

import (
	"fmt"
	"regexp"
)

// Route is the upstream branch selected for a request.
type Route string

const (
	// RouteDebug sends the request to the node debug API.
	RouteDebug Route = "debug"
	// RouteValidator sends the request to the validator host.
	RouteValidator Route = "validator"
	// RouteDefault sends the request to the primary gateway.
	RouteDefault Route = "default"
)

// Options configures the allow-lists and which named branches are active.
type Options struct {
	DebugEnable      bool
	DebugPattern     string
	ValidatorEnable  bool
	ValidatorPattern string
}

// Router holds the compiled allow-lists. It is safe for concurrent use.
type Router struct {
	debug     *regexp.Regexp
	validator *regexp.Regexp
}

// New compiles the allow-lists. Patterns of disabled branches are ignored.
func New(opts Options) (*Router, error) {
	r := &Router{}
	if opts.DebugEnable {
		expr, err := regexp.Compile(opts.DebugPattern)
		if err != nil {
			return nil, fmt.Errorf("compile debug pattern: %w", err)
		}
		r.debug = expr
	}
	if opts.ValidatorEnable {
		expr, err := regexp.Compile(opts.ValidatorPattern)
		if err != nil {
			return nil, fmt.Errorf("compile validator pattern: %w", err)
		}
		r.validator = expr
	}
	return r, nil
}

// Classify picks the branch for path.
//
// The validator branch fires when the path is NOT on the validator
// allow-list: paths the gateway knows stay on the gateway, everything else
// goes to the validator.
func (r *Router) Classify(path string) Route {
	if r.debug != nil && r.debug.MatchString(path) {
		return RouteDebug
	}
	if r.validator != nil && !r.validator.MatchString(path) {
		return RouteValidator
	}
	return RouteDefault
}
