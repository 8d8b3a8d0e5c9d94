// Package state tracks cluster-wide room membership. Local member sets
// answer "who do I deliver to"; the adapter answers "who is in this room
// across all servers" and is selected via configuration.
package state

import "context"

// Adapter records which connection IDs belong to which room. Membership is
// eventually consistent across processes; exact cluster-wide counts come
// from here, not from any one server's local set.
type Adapter interface {
	AddMember(ctx context.Context, namespace, room, connID string) error
	RemoveMember(ctx context.Context, namespace, room, connID string) error
	ListMembers(ctx context.Context, namespace, room string) ([]string, error)
	CountMembers(ctx context.Context, namespace, room string) (int64, error)
	Close() error
}
