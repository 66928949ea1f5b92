// internal/actor/router.go
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/tags"
	"github.com/sirupsen/logrus"
)

// Driver hosts actors somewhere and knows how to address them.
type Driver interface {
	// Ensure makes sure the actor described by rec is running. It is called
	// before an endpoint is handed out and must be idempotent.
	Ensure(ctx context.Context, rec Record) error
	Release(ctx context.Context, id string) error
	Endpoint(id string) string
}

const defaultFlightTimeout = 30 * time.Second

type flightResult struct {
	key      string
	endpoint string
	err      error
}

type tagRequest struct {
	tags   tags.Tags
	create *CreateRequest
	reply  chan flightResult
}

// Router resolves actor queries to endpoints. Get-or-create calls for the
// same tag set are funnelled through one goroutine: the first caller starts a
// lookup-or-create flight and every caller arriving while it is in the air
// waits for that flight's result instead of creating a second actor.
type Router struct {
	index  Index
	driver Driver
	log    *logrus.Entry

	flightTimeout time.Duration

	requests chan *tagRequest
	results  chan flightResult
	quit     chan struct{}
	stopped  chan struct{}
	closing  sync.Once

	// owned by the loop goroutine
	flights map[string][]*tagRequest
}

func NewRouter(index Index, driver Driver, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Router{
		index:         index,
		driver:        driver,
		log:           logger.WithField("component", "actor_router"),
		flightTimeout: defaultFlightTimeout,
		requests:      make(chan *tagRequest),
		results:       make(chan flightResult),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
		flights:       make(map[string][]*tagRequest),
	}
	go r.run()
	return r
}

// Close stops the loop. Callers still waiting get ErrRouterClosed.
func (r *Router) Close() {
	r.closing.Do(func() { close(r.quit) })
	<-r.stopped
}

// Query dispatches one of the three request shapes.
func (r *Router) Query(ctx context.Context, req ActorsRequest) (ActorsResponse, error) {
	q := req.Query
	set := 0
	for _, ok := range []bool{q.GetForID != nil, q.GetOrCreateForTags != nil, q.Create != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return ActorsResponse{}, ErrInvalidQuery
	}

	var (
		endpoint string
		err      error
	)
	switch {
	case q.GetForID != nil:
		endpoint, err = r.GetForID(ctx, q.GetForID.ActorID)
	case q.GetOrCreateForTags != nil:
		endpoint, err = r.GetOrCreateForTags(ctx, q.GetOrCreateForTags.Tags, q.GetOrCreateForTags.Create)
	case q.Create != nil:
		endpoint, err = r.Create(ctx, *q.Create)
	default:
		panic("unreachable: query shape checked above")
	}
	if err != nil {
		return ActorsResponse{}, err
	}
	return ActorsResponse{Endpoint: endpoint}, nil
}

// GetForID returns the endpoint of a known actor.
func (r *Router) GetForID(ctx context.Context, id string) (string, error) {
	rec, ok, err := r.index.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("look up actor: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}
	if err := r.driver.Ensure(ctx, rec); err != nil {
		return "", fmt.Errorf("host actor %s: %w", id, err)
	}
	return r.driver.Endpoint(id), nil
}

// GetOrCreateForTags returns the actor whose tag set equals t, creating one
// from create when none exists.
func (r *Router) GetOrCreateForTags(ctx context.Context, t tags.Tags, create *CreateRequest) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	req := &tagRequest{tags: t.Clone(), create: create, reply: make(chan flightResult, 1)}
	select {
	case r.requests <- req:
	case <-r.quit:
		return "", ErrRouterClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.endpoint, res.err
	case <-r.quit:
		return "", ErrRouterClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Create always starts a new actor. If its tag set was not indexed yet, the
// new actor becomes the one get-or-create returns for it.
func (r *Router) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := req.Tags.Validate(); err != nil {
		return "", err
	}
	rec, _, err := r.create(ctx, req)
	if err != nil {
		return "", err
	}
	return r.driver.Endpoint(rec.ID), nil
}

func (r *Router) run() {
	defer close(r.stopped)
	for {
		select {
		case req := <-r.requests:
			key := req.tags.Canonical()
			if waiters, ok := r.flights[key]; ok {
				r.flights[key] = append(waiters, req)
				continue
			}
			r.flights[key] = []*tagRequest{req}
			go r.fly(key, req.tags, req.create)

		case res := <-r.results:
			waiters := r.flights[res.key]
			delete(r.flights, res.key)

			// A flight without a create spec can only find, so callers that
			// did bring one get another flight.
			if errors.Is(res.err, ErrNotFoundAndCreationDisabled) {
				var retry []*tagRequest
				for _, w := range waiters {
					if w.create != nil {
						retry = append(retry, w)
					} else {
						w.reply <- res
					}
				}
				if len(retry) > 0 {
					r.flights[res.key] = retry
					go r.fly(res.key, retry[0].tags, retry[0].create)
				}
				continue
			}
			for _, w := range waiters {
				w.reply <- res
			}

		case <-r.quit:
			return
		}
	}
}

func (r *Router) fly(key string, t tags.Tags, create *CreateRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), r.flightTimeout)
	defer cancel()

	endpoint, err := r.lookupOrCreate(ctx, key, t, create)
	select {
	case r.results <- flightResult{key: key, endpoint: endpoint, err: err}:
	case <-r.quit:
	}
}

func (r *Router) lookupOrCreate(ctx context.Context, key string, t tags.Tags, create *CreateRequest) (string, error) {
	id, ok, err := r.index.Lookup(ctx, key)
	if err != nil {
		return "", fmt.Errorf("look up tags: %w", err)
	}
	if ok {
		return r.GetForID(ctx, id)
	}
	if create == nil {
		return "", ErrNotFoundAndCreationDisabled
	}

	req := *create
	req.Tags = t
	rec, winner, err := r.create(ctx, req)
	if err != nil {
		return "", err
	}
	if winner != rec.ID {
		// Another router sharing the index registered these tags first.
		if err := r.index.Remove(ctx, rec.ID); err != nil {
			r.log.WithError(err).WithField("actor_id", rec.ID).Warn("failed to unindex duplicate actor")
		}
		if err := r.driver.Release(ctx, rec.ID); err != nil {
			r.log.WithError(err).WithField("actor_id", rec.ID).Warn("failed to release duplicate actor")
		}
		return r.GetForID(ctx, winner)
	}
	return r.driver.Endpoint(rec.ID), nil
}

// create hosts a new actor, then indexes it. It returns the new record and
// the id its tag key maps to afterwards.
func (r *Router) create(ctx context.Context, req CreateRequest) (Record, string, error) {
	rec := Record{ID: uuid.NewString(), Region: req.Region, Tags: req.Tags.Clone()}
	if err := r.driver.Ensure(ctx, rec); err != nil {
		return Record{}, "", fmt.Errorf("start actor: %w", err)
	}
	winner, err := r.index.Insert(ctx, rec.Tags.Canonical(), rec)
	if err != nil {
		if relErr := r.driver.Release(ctx, rec.ID); relErr != nil {
			r.log.WithError(relErr).WithField("actor_id", rec.ID).Warn("failed to release unindexed actor")
		}
		return Record{}, "", fmt.Errorf("index actor: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"actor_id": rec.ID,
		"region":   rec.Region,
		"tags":     rec.Tags.Canonical(),
	}).Info("actor created")
	return rec, winner, nil
}
