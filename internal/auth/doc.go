// ABOUTME: Package auth validates bearer credentials across three trust domains
// ABOUTME: Composite server_secret.api_key tokens, admin and proxy secrets, glob scopes

// Package auth implements the coordinator's authentication and
// authorization surface. Three trust domains are distinguished by URL
// path prefix: /agent/* uses composite API-key tokens, /oauth/* a
// proxy shared secret, /admin/* the admin key. When no secrets are
// configured the coordinator runs in dev mode and every request
// passes as anonymous.
package auth
