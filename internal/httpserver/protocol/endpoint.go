// Package protocol holds the small contract every HTTP endpoint bundle
// implements so the server can mount bundles selected by key.
package protocol

import "net/http"

type EndpointRoute struct {
	Method string
	// Path is a chi pattern; a trailing "/*" mounts a subtree.
	Path    string
	Handler http.Handler
}

type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
