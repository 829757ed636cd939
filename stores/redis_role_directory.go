package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/pbac"
)

// RedisRoleDirectory keeps principal->roles in Redis sets (key: pbac:roles:{principal})
// and layers them over an optional base directory. Without a base, a principal
// with at least one role resolves to an active user carrying those roles.
type RedisRoleDirectory struct {
	client *redis.Client
	base   pbac.UserDirectory
	keyFmt string
}

func NewRedisRoleDirectory(client *redis.Client, base pbac.UserDirectory) *RedisRoleDirectory {
	return &RedisRoleDirectory{client: client, base: base, keyFmt: "pbac:roles:%s"}
}

func (r *RedisRoleDirectory) key(principal string) string {
	return fmt.Sprintf(r.keyFmt, principal)
}

func (r *RedisRoleDirectory) AssignRole(ctx context.Context, principal, role string) error {
	return r.client.SAdd(ctx, r.key(principal), role).Err()
}

func (r *RedisRoleDirectory) RevokeRole(ctx context.Context, principal, role string) error {
	return r.client.SRem(ctx, r.key(principal), role).Err()
}

// ListRoles returns the Redis-held roles of principal, sorted.
func (r *RedisRoleDirectory) ListRoles(ctx context.Context, principal string) ([]string, error) {
	res, err := r.client.SMembers(ctx, r.key(principal)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(res)
	return res, nil
}

func (r *RedisRoleDirectory) Lookup(ctx context.Context, principal string) (*pbac.User, error) {
	extra, err := r.ListRoles(ctx, principal)
	if err != nil {
		return nil, pbac.Persistence("roles.lookup", err)
	}
	if r.base == nil {
		if len(extra) == 0 {
			return nil, &pbac.NotFoundError{Kind: "user", ID: principal}
		}
		return &pbac.User{ID: principal, Roles: extra, Status: pbac.StatusActive}, nil
	}
	u, err := r.base.Lookup(ctx, principal)
	if err != nil {
		if errors.Is(err, pbac.ErrNotFound) && len(extra) > 0 {
			return &pbac.User{ID: principal, Roles: extra, Status: pbac.StatusActive}, nil
		}
		return nil, err
	}
	seen := make(map[string]bool, len(u.Roles)+len(extra))
	for _, role := range u.Roles {
		seen[role] = true
	}
	for _, role := range extra {
		if !seen[role] {
			seen[role] = true
			u.Roles = append(u.Roles, role)
		}
	}
	return u, nil
}
