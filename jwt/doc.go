// Package jwt issues and verifies the stateless access tokens used by
// authcore. Tokens carry sub/role/sid claims and live for minutes; immediate
// revocation happens through the refresh session layer, not here.
package jwt
