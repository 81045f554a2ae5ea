// Package config holds the property placeholder resolver, the external driver
// loader, and the server/client configuration structs, generalizing the teacher's
// server/config.go (flag + environment variable loading) per spec.md §4.6 and §6.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ojpio/ojp-go/ojperr"
)

// placeholderPattern is the whitelist from spec.md §4.6: only ojp.server.* and
// ojp.client.* names may be substituted, mirroring the teacher's sql_validator.go
// idiom of a compiled regex guarding a policy decision.
var placeholderPattern = regexp.MustCompile(`^(ojp\.server\.|ojp\.client\.)[A-Za-z0-9._-]{1,200}$`)

var placeholderRef = regexp.MustCompile(`\$\{([^}]*)\}`)

// Resolver substitutes ${name} references in config values and DSNs from a source
// of name->value lookups (process properties layered over environment variables).
type Resolver struct {
	properties map[string]string
}

// NewResolver creates a Resolver over an explicit property map. Properties take
// precedence over environment variables when both define the same name.
func NewResolver(properties map[string]string) *Resolver {
	if properties == nil {
		properties = map[string]string{}
	}
	return &Resolver{properties: properties}
}

// Set installs or overrides a single property, e.g. for tests.
func (r *Resolver) Set(name, value string) {
	r.properties[name] = value
}

// Resolve substitutes every ${name} occurrence in s. A name failing the whitelist
// regex fails the whole call with SecurityViolation; a whitelisted name with no
// known value fails with Unresolved. Resolve is idempotent: resolving an
// already-resolved string (one with no remaining ${...} references) returns it
// unchanged.
func (r *Resolver) Resolve(s string) (string, error) {
	var firstErr error
	out := placeholderRef.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := placeholderRef.FindStringSubmatch(match)[1]
		if !placeholderPattern.MatchString(name) {
			firstErr = ojperr.New(ojperr.KindSecurityViolation, "placeholder %q is not in the allowed ojp.server.*/ojp.client.* namespace", name)
			return match
		}
		value, ok := r.lookup(name)
		if !ok {
			firstErr = ojperr.New(ojperr.KindUnresolvedPlaceholder, "no value available for placeholder %q", name)
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (r *Resolver) lookup(name string) (string, bool) {
	if v, ok := r.properties[name]; ok {
		return v, true
	}
	envName := strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
	if v, ok := os.LookupEnv(envName); ok {
		return v, true
	}
	return "", false
}

// MustResolve panics on error; only intended for startup-time config that has
// already been validated.
func (r *Resolver) MustResolve(s string) string {
	out, err := r.Resolve(s)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return out
}
