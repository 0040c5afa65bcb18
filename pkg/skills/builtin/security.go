package builtin

import (
	"context"
	"sort"

	"github.com/jllopis/avva/pkg/skills"
)

// Security reports the granted permissions as structured output.
type Security struct {
	perms PermissionLister
}

// NewSecurity creates the security skill.
func NewSecurity(perms PermissionLister) Security {
	return Security{perms: perms}
}

func (Security) Describe() skills.Manifest {
	return skills.Manifest{
		Name:       "security",
		EntryPoint: "security",
		Intents: skills.Intents{
			Static: skills.Templates{
				{Key: "list permissions", Call: "get_active_permissions()"},
				{Key: "show permissions", Call: "get_active_permissions()"},
				{Key: "what permissions", Call: "get_active_permissions()"},
			},
		},
		Tools: map[string]skills.ToolSpec{
			"get_active_permissions": {Description: "List all currently granted permissions and active security policies."},
		},
	}
}

func (s Security) Bind() map[string]skills.ToolFunc {
	return map[string]skills.ToolFunc{
		"get_active_permissions": func(context.Context, skills.Input) (any, error) {
			perms := append([]string(nil), s.perms.List()...)
			sort.Strings(perms)
			return map[string]any{
				"status":      "success",
				"type":        "permissions",
				"count":       len(perms),
				"permissions": perms,
			}, nil
		},
	}
}
