// Package access decides which fleet roles may use which parts of the API.
package access

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Permission names one guarded capability.
type Permission string

const (
	PermissionTrackingRead  Permission = "tracking:read"
	PermissionTrackingWrite Permission = "tracking:write"
	PermissionAccountManage Permission = "account:manage"
)

var knownPermissions = map[Permission]struct{}{
	PermissionTrackingRead:  {},
	PermissionTrackingWrite: {},
	PermissionAccountManage: {},
}

var (
	ErrInvalidPolicy     = errors.New("access: invalid policy")
	ErrPermissionDenied  = errors.New("access: permission denied")
	errMissingDefault    = errors.New("default_role must name a configured role")
	errUnknownPermission = errors.New("unknown permission")
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

type policyDocument struct {
	DefaultRole string              `yaml:"default_role"`
	Roles       map[string][]string `yaml:"roles"`
}

// Policy maps roles to the permissions they hold.
type Policy struct {
	defaultRole string
	grants      map[string]map[Permission]struct{}
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	policy, err := Parse(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("access: embedded policy: %v", err))
	}
	return policy
}

// LoadPolicy reads a policy file, falling back to the built-in policy when path is empty.
func LoadPolicy(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("access: read policy %s: %w", path, err)
	}
	return Parse(contents)
}

// Parse decodes a YAML policy document.
func Parse(contents []byte) (*Policy, error) {
	var document policyDocument
	if err := yaml.Unmarshal(contents, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	grants := make(map[string]map[Permission]struct{}, len(document.Roles))
	for role, permissions := range document.Roles {
		normalizedRole := normalizeRole(role)
		if normalizedRole == "" {
			continue
		}
		granted := make(map[Permission]struct{}, len(permissions))
		for _, raw := range permissions {
			permission := Permission(strings.TrimSpace(raw))
			if _, known := knownPermissions[permission]; !known {
				return nil, fmt.Errorf("%w: role %s: %v %q", ErrInvalidPolicy, normalizedRole, errUnknownPermission, raw)
			}
			granted[permission] = struct{}{}
		}
		grants[normalizedRole] = granted
	}
	defaultRole := normalizeRole(document.DefaultRole)
	if _, ok := grants[defaultRole]; !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, errMissingDefault)
	}
	return &Policy{defaultRole: defaultRole, grants: grants}, nil
}

// ResolveRole maps unknown or empty roles onto the policy's default role.
func (p *Policy) ResolveRole(role string) string {
	normalized := normalizeRole(role)
	if _, ok := p.grants[normalized]; ok {
		return normalized
	}
	return p.defaultRole
}

// Allows reports whether role holds permission.
func (p *Policy) Allows(role string, permission Permission) bool {
	_, ok := p.grants[p.ResolveRole(role)][permission]
	return ok
}

// Check returns ErrPermissionDenied when role lacks permission.
func (p *Policy) Check(role string, permission Permission) error {
	if p.Allows(role, permission) {
		return nil
	}
	return fmt.Errorf("%w: %s lacks %s", ErrPermissionDenied, p.ResolveRole(role), permission)
}

// Roles lists the configured roles in name order.
func (p *Policy) Roles() []string {
	roles := make([]string, 0, len(p.grants))
	for role := range p.grants {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
