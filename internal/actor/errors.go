// internal/actor/errors.go
package actor

import "errors"

var (
	// ErrNotFound is returned for an unknown actor id. It does not say whether
	// the id ever existed.
	ErrNotFound                    = errors.New("actor not found")
	ErrNotFoundAndCreationDisabled = errors.New("actor not found with tags and creation disabled")
	ErrInvalidQuery                = errors.New("query must set exactly one of getForId, getOrCreateForTags, create")
	ErrUnknownActorName            = errors.New("no factory registered for actor name")
	ErrRouterClosed                = errors.New("actor router closed")
	ErrDriverClosed                = errors.New("actor driver closed")
)
