// ABOUTME: Package documentation for the auth package
// ABOUTME: Describes JWT verification and identity propagation

// Package auth supplies the verified user identity for API requests.
//
// Authentication is an external collaborator to the conversation core:
// this package verifies an HS256 JWT, extracts the "sub" claim as the
// user ID, and attaches it to the request context. Downstream handlers
// read it with UserFromContext and trust it as-is; the core makes no
// assumptions about credential storage or verification strength beyond
// the shared-secret signature.
package auth
