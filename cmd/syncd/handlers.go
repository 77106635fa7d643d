package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	syncpkg "github.com/syncular/syncd/internal/sync"
	"github.com/syncular/syncd/internal/syncdb"
)

// registerHandlers builds the table registry from SYNCD_TABLES, a
// semicolon-separated list of "table:scope_field,scope_field" entries,
// e.g. "tasks:user_id;notes:user_id,share_id". Each table becomes a
// generic document handler whose scope fields resolve to the actor's own
// id (owner-scoped). Deployments needing richer authorization embed the
// engine as a library and register custom handlers instead.
func registerHandlers(db *sql.DB, dialect syncdb.Dialect) (*syncpkg.Registry, error) {
	manifest := os.Getenv("SYNCD_TABLES")
	if manifest == "" {
		manifest = "tasks:user_id"
	}

	registry := syncpkg.NewRegistry()
	for _, entry := range strings.Split(manifest, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, fieldSpec, _ := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)

		var fields []string
		for _, f := range strings.Split(fieldSpec, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}

		patterns := make([]string, 0, len(fields))
		for _, f := range fields {
			patterns = append(patterns, scopePatternFor(f))
		}

		handler, err := syncpkg.NewTableHandler(syncpkg.TableConfig{
			Table:              name,
			ScopePatterns:      patterns,
			ScopeFields:        fields,
			ImmutableScopeKeys: fields,
			Resolve:            ownerScopes(fields),
		}, dialect)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		if err := handler.EnsureSchema(db); err != nil {
			return nil, err
		}
		if err := registry.Register(handler); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// scopePatternFor derives "user:{user_id}" style patterns from a scope
// field name.
func scopePatternFor(field string) string {
	return strings.TrimSuffix(field, "_id") + ":{" + field + "}"
}

// ownerScopes authorizes each scope field to the actor's own id.
func ownerScopes(fields []string) func(ctx context.Context, auth syncpkg.Auth) (syncpkg.ScopeMap, error) {
	return func(ctx context.Context, auth syncpkg.Auth) (syncpkg.ScopeMap, error) {
		m := make(syncpkg.ScopeMap, len(fields))
		for _, f := range fields {
			m[f] = syncpkg.Single(auth.ActorID)
		}
		return m, nil
	}
}
