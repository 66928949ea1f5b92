// internal/actor/types.go
package actor

import "github.com/jason-s-yu/lobbyd/internal/tags"

// ActorsRequest is the body of POST /actors.
type ActorsRequest struct {
	Query Query `json:"query"`
}

// Query is a closed union: exactly one field is set.
type Query struct {
	GetForID           *GetForIDQuery           `json:"getForId,omitempty"`
	GetOrCreateForTags *GetOrCreateForTagsQuery `json:"getOrCreateForTags,omitempty"`
	Create             *CreateRequest           `json:"create,omitempty"`
}

type GetForIDQuery struct {
	ActorID string `json:"actorId"`
}

type GetOrCreateForTagsQuery struct {
	Tags   tags.Tags      `json:"tags"`
	Create *CreateRequest `json:"create,omitempty"`
}

// CreateRequest describes an actor to start. Tags["name"] selects the
// factory that builds it.
type CreateRequest struct {
	Region string    `json:"region,omitempty"`
	Tags   tags.Tags `json:"tags"`
}

type ActorsResponse struct {
	Endpoint string `json:"endpoint"`
}

// Record is what the index keeps per actor; enough to host it again after a
// restart.
type Record struct {
	ID     string    `json:"id"`
	Region string    `json:"region,omitempty"`
	Tags   tags.Tags `json:"tags"`
}
