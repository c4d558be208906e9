package auth

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const wildcardPermission = "*"

// Decision reasons.
const (
	ReasonAllowed           = "allowed"
	ReasonUnknownPermission = "unknown_permission"
	ReasonModuleDisabled    = "module_disabled"
	ReasonNotGranted        = "not_granted"
	ReasonHidden            = "hidden"
)

// PermissionDef describes one catalog permission.
type PermissionDef struct {
	Key    string `yaml:"key"`
	Label  string `yaml:"label"`
	Module string `yaml:"module"`
}

// RoleDef describes one catalog role.
type RoleDef struct {
	Key         string   `yaml:"key"`
	Label       string   `yaml:"label"`
	Group       string   `yaml:"group"`
	Permissions []string `yaml:"permissions"`
}

type catalogDocument struct {
	Permissions []PermissionDef `yaml:"permissions"`
	Roles       []RoleDef       `yaml:"roles"`
}

// Catalog is the immutable role to permission table.
type Catalog struct {
	permissions map[string]PermissionDef
	roles       map[string]RoleDef
	grants      map[string]map[string]struct{}
}

// Decision is the outcome of a single authorization check.
type Decision struct {
	PrincipalID    string
	OrganizationID string
	Permission     string
	Allowed        bool
	Reason         string
}

// Err converts a denial into ErrPermissionDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
}

// DefaultCatalog parses the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(defaultCatalogYAML)
}

// LoadCatalog parses and validates a YAML catalog document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var doc catalogDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		permissions: make(map[string]PermissionDef, len(doc.Permissions)),
		roles:       make(map[string]RoleDef, len(doc.Roles)),
		grants:      make(map[string]map[string]struct{}, len(doc.Roles)),
	}
	for _, p := range doc.Permissions {
		p.Key = strings.TrimSpace(p.Key)
		dot := strings.IndexByte(p.Key, '.')
		if dot <= 0 || dot == len(p.Key)-1 || strings.ToLower(p.Key) != p.Key {
			return nil, fmt.Errorf("%w: malformed permission key %q", ErrInvalidInput, p.Key)
		}
		if _, dup := c.permissions[p.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate permission %q", ErrInvalidInput, p.Key)
		}
		if p.Module == "" {
			p.Module = p.Key[:dot]
		}
		c.permissions[p.Key] = p
	}
	for _, r := range doc.Roles {
		r.Key = strings.TrimSpace(r.Key)
		if r.Key == "" {
			return nil, fmt.Errorf("%w: role without key", ErrInvalidInput)
		}
		if _, dup := c.roles[r.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate role %q", ErrInvalidInput, r.Key)
		}
		set := make(map[string]struct{})
		for _, key := range r.Permissions {
			if key == wildcardPermission {
				for k := range c.permissions {
					set[k] = struct{}{}
				}
				continue
			}
			if _, ok := c.permissions[key]; !ok {
				return nil, fmt.Errorf("%w: role %q references unknown permission %q", ErrInvalidInput, r.Key, key)
			}
			set[key] = struct{}{}
		}
		c.roles[r.Key] = r
		c.grants[r.Key] = set
	}
	return c, nil
}

// Validate fails if any key is not declared. Call it at start for every key a
// route or interceptor checks, so a typo never becomes a silent no-op.
func (c *Catalog) Validate(keys ...string) error {
	var unknown []string
	for _, k := range keys {
		if _, ok := c.permissions[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown permission keys %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	return nil
}

// ValidateBuiltins checks the keys declared in permissions.go.
func (c *Catalog) ValidateBuiltins() error {
	return c.Validate(BuiltinPermissions...)
}

// HasRole reports whether role is declared.
func (c *Catalog) HasRole(role string) bool {
	_, ok := c.roles[role]
	return ok
}

// Roles returns role definitions sorted by key.
func (c *Catalog) Roles() []RoleDef {
	out := make([]RoleDef, 0, len(c.roles))
	for _, r := range c.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Permissions returns permission definitions sorted by key.
func (c *Catalog) Permissions() []PermissionDef {
	out := make([]PermissionDef, 0, len(c.permissions))
	for _, p := range c.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Resolve returns a copy of the permissions granted to role.
func (c *Catalog) Resolve(role string) map[string]struct{} {
	return clonePermissions(c.grants[role])
}

// Effective applies organization features and hidden keys on top of the role grants.
func (c *Catalog) Effective(role string, features OrgFeatures, hidden []string) map[string]struct{} {
	out := make(map[string]struct{})
	for key := range c.grants[role] {
		if c.check(role, key, features, hidden) == ReasonAllowed {
			out[key] = struct{}{}
		}
	}
	return out
}

// Derive fills in the principal's permission set from its role, features and
// hidden keys.
func (c *Catalog) Derive(p Principal) Principal {
	p.Permissions = c.Effective(p.Role, p.Features, p.Hidden)
	return p
}

// Has reports whether p may use key.
func (c *Catalog) Has(p Principal, key string) bool {
	return c.Authorize(p, key).Allowed
}

// Authorize decides whether p may use key. Checks run in order: key known,
// module enabled for the organization, role grants key, key not hidden for
// the user. The first failing stage denies.
func (c *Catalog) Authorize(p Principal, key string) Decision {
	reason := c.check(p.Role, key, p.Features, p.Hidden)
	return Decision{
		PrincipalID:    p.ID,
		OrganizationID: p.OrganizationID,
		Permission:     key,
		Allowed:        reason == ReasonAllowed,
		Reason:         reason,
	}
}

func (c *Catalog) check(role, key string, features OrgFeatures, hidden []string) string {
	def, ok := c.permissions[key]
	if !ok {
		return ReasonUnknownPermission
	}
	if features.ModuleDisabled(def.Module) {
		return ReasonModuleDisabled
	}
	if _, ok := c.grants[role][key]; !ok {
		return ReasonNotGranted
	}
	for _, h := range hidden {
		if h == key {
			return ReasonHidden
		}
	}
	return ReasonAllowed
}
