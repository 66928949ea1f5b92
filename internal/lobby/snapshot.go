// internal/lobby/snapshot.go
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoSnapshot is returned by SnapshotStore.Load when nothing has been saved
// for the manager yet.
var ErrNoSnapshot = errors.New("no snapshot")

// SnapshotStore persists encoded State by manager id.
type SnapshotStore interface {
	Load(ctx context.Context, managerID string) ([]byte, error)
	Save(ctx context.Context, managerID string, data []byte) error
}

// MarshalState encodes the state in its persisted JSON layout.
func MarshalState(s *State) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a snapshot written by MarshalState.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Version > StateVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported version %d", s.Version, StateVersion)
	}
	s.Version = StateVersion
	s.normalize()
	for id, l := range s.Lobbies {
		if l.Backend.Kind() == BackendInvalid {
			return nil, fmt.Errorf("lobby %s has an invalid backend", id)
		}
	}
	return &s, nil
}

const saveTimeout = 10 * time.Second

// persister writes snapshots on its own goroutine. Only the newest pending
// snapshot is kept; older ones are overwritten before they are written.
type persister struct {
	store     SnapshotStore
	managerID string
	log       *logrus.Entry
	pending   chan []byte
	done      chan struct{}
}

func newPersister(store SnapshotStore, managerID string, log *logrus.Entry) *persister {
	p := &persister{
		store:     store,
		managerID: managerID,
		log:       log,
		pending:   make(chan []byte, 1),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// offer queues data for saving. Must only be called from one goroutine at a time.
func (p *persister) offer(data []byte) {
	for {
		select {
		case p.pending <- data:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

func (p *persister) run() {
	defer close(p.done)
	for data := range p.pending {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := p.store.Save(ctx, p.managerID, data); err != nil {
			p.log.WithError(err).Error("failed to save lobby manager snapshot")
		}
		cancel()
	}
}

// close flushes whatever is pending and waits for the writer to exit.
func (p *persister) close() {
	close(p.pending)
	<-p.done
}
