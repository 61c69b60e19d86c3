package gqlink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Request is one GraphQL operation in the GraphQL-over-HTTP JSON envelope.
type Request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Extensions    map[string]interface{} `json:"extensions,omitempty"`
}

// NewRequest returns a request for the given document.
func NewRequest(query string) *Request {
	return &Request{Query: query}
}

// WithOperationName sets the operation to execute when the document holds several.
func (r *Request) WithOperationName(name string) *Request {
	r.OperationName = name
	return r
}

// Var sets a single variable.
func (r *Request) Var(name string, value interface{}) *Request {
	if r.Variables == nil {
		r.Variables = make(map[string]interface{})
	}
	r.Variables[name] = value
	return r
}

// Location is a position in the GraphQL document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError is a single entry of the response "errors" list.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Locations  []Location             `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string {
	if len(e.Path) == 0 {
		return e.Message
	}
	parts := make([]string, len(e.Path))
	for i, p := range e.Path {
		parts[i] = fmt.Sprint(p)
	}
	return fmt.Sprintf("%s (path %s)", e.Message, strings.Join(parts, "."))
}

// GraphQLErrors is the error list returned alongside (possibly partial) data.
type GraphQLErrors []GraphQLError

func (errs GraphQLErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no graphql errors"
	case 1:
		return "graphql: " + errs[0].Error()
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("graphql: %d errors: %s", len(errs), strings.Join(msgs, "; "))
}

// Response is a GraphQL execution result.
type Response struct {
	Data       json.RawMessage        `json:"data,omitempty"`
	Errors     GraphQLErrors          `json:"errors,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// HasErrors reports whether the server returned GraphQL errors.
func (r *Response) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// Err returns the GraphQL errors as a *ClientError of type GraphQL, or nil.
func (r *Response) Err() error {
	if !r.HasErrors() {
		return nil
	}
	return &ClientError{Type: ErrorTypeGraphQL, Message: "server returned errors", Cause: r.Errors}
}

// Decode unmarshals the data field into v.
func (r *Response) Decode(v interface{}) error {
	if r == nil || len(r.Data) == 0 || string(r.Data) == "null" {
		return newClientError(ErrorTypeDecode, "response carries no data", r.Err())
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return newClientError(ErrorTypeDecode, "decode data", err)
	}
	return nil
}

// operationKind is the GraphQL operation type of a document.
type operationKind int

const (
	kindQuery operationKind = iota
	kindMutation
	kindSubscription
)

// detectOperationKind inspects the first operation keyword of the document.
// Shorthand documents ("{ ... }") are queries.
func detectOperationKind(query string) operationKind {
	rest := query
	for {
		rest = strings.TrimLeft(rest, " \t\r\n,\ufeff")
		if !strings.HasPrefix(rest, "#") {
			break
		}
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = ""
		}
	}

	switch {
	case hasKeyword(rest, "mutation"):
		return kindMutation
	case hasKeyword(rest, "subscription"):
		return kindSubscription
	default:
		return kindQuery
	}
}

func hasKeyword(s, keyword string) bool {
	if !strings.HasPrefix(s, keyword) {
		return false
	}
	if len(s) == len(keyword) {
		return true
	}
	switch s[len(keyword)] {
	case ' ', '\t', '\r', '\n', '{', '(', '@':
		return true
	}
	return false
}

// operationLabel names the request for logs and metrics.
func (r *Request) operationLabel() string {
	if r == nil || r.OperationName == "" {
		return "anonymous"
	}
	return r.OperationName
}

// cacheKey identifies identical operations (document, name and variables).
func (r *Request) cacheKey() string {
	h := sha256.New()
	h.Write([]byte(r.Query))
	h.Write([]byte{0})
	h.Write([]byte(r.OperationName))
	h.Write([]byte{0})
	if len(r.Variables) > 0 {
		// encoding/json sorts map keys, so equal variables hash equally.
		vars, err := json.Marshal(r.Variables)
		if err == nil {
			h.Write(vars)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func operationLabels(reqs []*Request) []string {
	labels := make([]string, len(reqs))
	for i, r := range reqs {
		labels[i] = r.operationLabel()
	}
	return labels
}
