package auth

import "context"

type principalKey struct{}

// ContextWithPrincipal returns a child context carrying p. Permissions are
// copied.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	p.Permissions = clonePermissions(p.Permissions)
	p.Hidden = append([]string(nil), p.Hidden...)
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}

func clonePermissions(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
