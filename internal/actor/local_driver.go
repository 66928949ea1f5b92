// internal/actor/local_driver.go
package actor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Actor is a hosted unit reachable over HTTP under /actors/{id}/.
type Actor interface {
	http.Handler
	Close() error
}

// Factory builds the actor for rec. The factory is picked by rec.Tags["name"].
type Factory func(ctx context.Context, rec Record) (Actor, error)

// LocalDriver hosts actors inside this process and serves their HTTP routes.
type LocalDriver struct {
	publicURL string
	log       *logrus.Entry

	mu        sync.Mutex
	factories map[string]Factory
	actors    map[string]Actor
	building  map[string]*hosting
	closed    bool
}

// hosting tracks a factory call in progress so concurrent Ensure calls for
// the same id share one build.
type hosting struct {
	done chan struct{}
	err  error
}

func NewLocalDriver(publicURL string, logger *logrus.Logger) *LocalDriver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LocalDriver{
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       logger.WithField("component", "local_driver"),
		factories: make(map[string]Factory),
		actors:    make(map[string]Actor),
		building:  make(map[string]*hosting),
	}
}

// Register installs the factory used for actors tagged name=<name>.
func (d *LocalDriver) Register(name string, f Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[name] = f
}

// Ensure hosts rec unless it already is. The factory runs without the driver
// lock held; concurrent calls for one id share a single build.
func (d *LocalDriver) Ensure(ctx context.Context, rec Record) error {
	d.mu.Lock()
	if _, ok := d.actors[rec.ID]; ok {
		d.mu.Unlock()
		return nil
	}
	if h, ok := d.building[rec.ID]; ok {
		d.mu.Unlock()
		select {
		case <-h.done:
			return h.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.closed {
		d.mu.Unlock()
		return ErrDriverClosed
	}
	name := rec.Tags["name"]
	f, ok := d.factories[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownActorName, name)
	}
	h := &hosting{done: make(chan struct{})}
	d.building[rec.ID] = h
	d.mu.Unlock()

	a, err := f(ctx, rec)

	d.mu.Lock()
	delete(d.building, rec.ID)
	if err == nil && d.closed {
		err = ErrDriverClosed
	} else if err == nil {
		d.actors[rec.ID] = a
	}
	h.err = err
	close(h.done)
	d.mu.Unlock()

	if err != nil {
		if a != nil {
			if cerr := a.Close(); cerr != nil {
				d.log.WithError(cerr).WithField("actor_id", rec.ID).Warn("failed to close actor")
			}
		}
		return err
	}
	d.log.WithFields(logrus.Fields{"actor_id": rec.ID, "name": name}).Info("actor hosted")
	return nil
}

func (d *LocalDriver) Release(_ context.Context, id string) error {
	d.mu.Lock()
	a, ok := d.actors[id]
	delete(d.actors, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Close()
}

func (d *LocalDriver) Endpoint(id string) string {
	return d.publicURL + "/actors/" + id
}

// ServeHTTP forwards /actors/{id}/rest to the actor with the prefix stripped.
func (d *LocalDriver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/actors/")
	id, _, _ := strings.Cut(rest, "/")
	if id == "" || rest == r.URL.Path {
		http.NotFound(w, r)
		return
	}

	d.mu.Lock()
	a, ok := d.actors[id]
	d.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.StripPrefix("/actors/"+id, a).ServeHTTP(w, r)
}

// Close shuts down every hosted actor.
func (d *LocalDriver) Close() {
	d.mu.Lock()
	actors := d.actors
	d.actors = make(map[string]Actor)
	d.closed = true
	d.mu.Unlock()
	for id, a := range actors {
		if err := a.Close(); err != nil {
			d.log.WithError(err).WithField("actor_id", id).Warn("failed to close actor")
		}
	}
}
