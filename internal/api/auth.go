package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"strings"
)

// Roles known to the API. The dispatch core enforces admin/workshop on
// mutating operations; office and viewer cover read paths.
const (
	RoleAdmin    = "admin"
	RoleWorkshop = "workshop"
	RoleOffice   = "office"
	RoleViewer   = "viewer"
)

type principal struct {
	id     string
	role   string
	tenant string
}

// authorizer maps bearer tokens to principals. With no tokens configured
// auth is disabled and the caller's role is taken from X-Shopfloor-Role,
// which keeps local development friction-free.
type authorizer struct {
	enabled bool
	tokens  map[string]principal
}

func newAuthorizerFromEnv() *authorizer {
	raw := strings.TrimSpace(os.Getenv("SHOPFLOOR_API_TOKENS"))
	if raw == "" {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	tokens := make(map[string]principal)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// token:role or token:role:tenant
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			continue
		}
		token := strings.TrimSpace(parts[0])
		role := strings.TrimSpace(parts[1])
		if token == "" || !knownRole(role) {
			continue
		}
		p := principal{id: tokenID(token), role: role}
		if len(parts) == 3 {
			p.tenant = strings.TrimSpace(parts[2])
		}
		tokens[token] = p
	}
	if len(tokens) == 0 {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	return &authorizer{enabled: true, tokens: tokens}
}

func knownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleWorkshop, RoleOffice, RoleViewer:
		return true
	}
	return false
}

func (a *authorizer) authorize(r *http.Request) (principal, int, string) {
	if !a.enabled {
		role := strings.TrimSpace(r.Header.Get("X-Shopfloor-Role"))
		if role == "" {
			role = RoleAdmin
		}
		return principal{id: "anonymous", role: role}, http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return principal{}, http.StatusUnauthorized, "missing bearer token"
	}
	p, ok := a.tokens[token]
	if !ok {
		return principal{}, http.StatusUnauthorized, "invalid token"
	}
	return p, http.StatusOK, ""
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-Shopfloor-Token"))
}

func tokenID(token string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("tok-%08x", h.Sum32())
}
