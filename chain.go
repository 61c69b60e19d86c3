package gqlink

import (
	"fmt"
	"net/http"
)

// Middleware represents a middleware function
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Built-in stage names, in the order they run.
const (
	StageAuthorization = "authorization"
	StageLogging       = "logging"
	StageTransport     = "transport"
)

// Stage is a named middleware in the client chain.
type Stage struct {
	Name       string
	Middleware Middleware
}

// chain is the composed request path. It satisfies http.RoundTripper so it
// can back an *http.Client.
type chain struct {
	names []string
	head  RoundTripper
}

// buildChain composes stages in order in front of transport. Authorization
// must precede logging and both must precede user stages; the transport is
// always last.
func buildChain(stages []Stage, transport RoundTripper) (*chain, error) {
	if transport == nil {
		return nil, fmt.Errorf("chain requires a transport")
	}

	seen := make(map[string]int, len(stages))
	userSeen := false
	for i, s := range stages {
		switch {
		case s.Name == "":
			return nil, fmt.Errorf("stage %d has no name", i)
		case s.Middleware == nil:
			return nil, fmt.Errorf("stage %q has no middleware", s.Name)
		case s.Name == StageTransport:
			return nil, fmt.Errorf("stage %q is reserved for the engine transport", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = i

		builtin := s.Name == StageAuthorization || s.Name == StageLogging
		if builtin && userSeen {
			return nil, fmt.Errorf("stage %q must run before user stages", s.Name)
		}
		if !builtin {
			userSeen = true
		}
	}
	if a, ok := seen[StageAuthorization]; ok {
		if l, ok := seen[StageLogging]; ok && l < a {
			return nil, fmt.Errorf("stage %q must run before %q", StageAuthorization, StageLogging)
		}
	}

	current := transport
	for i := len(stages) - 1; i >= 0; i-- {
		middleware := stages[i].Middleware
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	names := make([]string, 0, len(stages)+1)
	for _, s := range stages {
		names = append(names, s.Name)
	}
	names = append(names, StageTransport)

	return &chain{names: names, head: current}, nil
}

func (c *chain) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.head.RoundTrip(req)
}

// Names lists the stages in execution order, ending with the transport.
func (c *chain) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}
