package gateway

import "net/http"

// AuthResult is the verdict of the embedding application's auth callback.
// Success requires both the authentication and the authorization outcome.
type AuthResult struct {
	Authenticated bool
	Authorized    bool
	// Metadata is caller-supplied context, forwarded to the origin
	// base64-encoded when the endpoint opts in.
	Metadata string
	// Message is a human-readable failure description.
	Message string
}

// OK reports whether the result allows the request through.
func (r AuthResult) OK() bool {
	return r.Authenticated && r.Authorized
}

// AuthFunc decides authentication and authorization for one request.
// The gateway only consumes the verdict; the scheme is the embedding
// application's business.
type AuthFunc func(r *http.Request) AuthResult
