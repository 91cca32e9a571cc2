// Package memstore provides in-memory implementations of the job, heartbeat
// and configuration stores. They are used by tests and by nodes started with
// store.driver=memory; data does not survive a restart.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gopds/pkg/autocleanup"
	"github.com/3leaps/gopds/pkg/cluster"
	"github.com/3leaps/gopds/pkg/pdsjob"
)

// Store bundles the three stores behind one lock domain each.
type Store struct {
	Jobs       *JobStore
	Heartbeats *HeartbeatStore
	Config     *ConfigStore
}

func New() *Store {
	return &Store{
		Jobs:       NewJobStore(),
		Heartbeats: NewHeartbeatStore(),
		Config:     &ConfigStore{},
	}
}

// JobStore keeps jobs in a map. Returned jobs are copies.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]pdsjob.Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]pdsjob.Job)}
}

func (s *JobStore) FindByID(ctx context.Context, id uuid.UUID) (*pdsjob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, &pdsjob.NotFoundError{ID: id}
	}
	out := cloneJob(job)
	return &out, nil
}

func (s *JobStore) Save(ctx context.Context, job *pdsjob.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.UUID == uuid.Nil {
		return fmt.Errorf("job uuid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.UUID] = cloneJob(*job)
	return nil
}

func (s *JobStore) ApplyTransition(ctx context.Context, t pdsjob.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[t.ID]
	if !ok {
		return false, nil
	}
	if !containsState(t.From, job.State) {
		return false, nil
	}

	job.State = t.To
	if t.SetStarted {
		job.Started = cloneTime(t.Started)
	}
	if t.SetEnded {
		job.Ended = cloneTime(t.Ended)
	}
	if t.SetOutcome {
		job.Result = t.Result
		job.TrafficLight = t.TrafficLight
	}
	s.jobs[t.ID] = job
	return true, nil
}

func (s *JobStore) CountByServerAndState(ctx context.Context, serverID string, state pdsjob.State) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, job := range s.jobs {
		if job.ServerID == serverID && job.State == state {
			n++
		}
	}
	return n, nil
}

func (s *JobStore) FindByServerAndState(ctx context.Context, serverID string, state pdsjob.State, limit int) ([]pdsjob.Job, error) {
	s.mu.RLock()
	out := make([]pdsjob.Job, 0)
	for _, job := range s.jobs {
		if job.ServerID == serverID && job.State == state {
			out = append(out, cloneJob(job))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return bytes.Compare(out[i].UUID[:], out[j].UUID[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns jobs oldest first. serverID "" matches all servers.
func (s *JobStore) List(ctx context.Context, serverID string) ([]pdsjob.Job, error) {
	s.mu.RLock()
	out := make([]pdsjob.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if serverID == "" || job.ServerID == serverID {
			out = append(out, cloneJob(job))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return bytes.Compare(out[i].UUID[:], out[j].UUID[:]) < 0
	})
	return out, nil
}

func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if !job.State.IsTerminal() || job.Ended == nil {
			continue
		}
		if job.Ended.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// HeartbeatStore keeps one heartbeat per UUID.
type HeartbeatStore struct {
	mu         sync.RWMutex
	heartbeats map[uuid.UUID]cluster.Heartbeat
}

func NewHeartbeatStore() *HeartbeatStore {
	return &HeartbeatStore{heartbeats: make(map[uuid.UUID]cluster.Heartbeat)}
}

func (s *HeartbeatStore) FindAllByServerID(ctx context.Context, serverID string) ([]cluster.Heartbeat, error) {
	s.mu.RLock()
	out := make([]cluster.Heartbeat, 0)
	for _, hb := range s.heartbeats {
		if hb.ServerID == serverID {
			out = append(out, hb)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Updated.Equal(out[j].Updated) {
			return out[i].Updated.Before(out[j].Updated)
		}
		return bytes.Compare(out[i].UUID[:], out[j].UUID[:]) < 0
	})
	return out, nil
}

func (s *HeartbeatStore) Save(ctx context.Context, hb *cluster.Heartbeat) error {
	if hb == nil {
		return fmt.Errorf("heartbeat is nil")
	}
	if hb.UUID == uuid.Nil {
		return fmt.Errorf("heartbeat uuid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[hb.UUID] = *hb
	return nil
}

func (s *HeartbeatStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, hb := range s.heartbeats {
		if hb.Updated.Before(cutoff) {
			delete(s.heartbeats, id)
			n++
		}
	}
	return n, nil
}

// ConfigStore holds the auto cleanup configuration.
type ConfigStore struct {
	mu  sync.RWMutex
	cfg *autocleanup.Config
}

func (s *ConfigStore) LoadAutoCleanupConfig(ctx context.Context) (*autocleanup.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, nil
	}
	cfg := *s.cfg
	return &cfg, nil
}

func (s *ConfigStore) SaveAutoCleanupConfig(ctx context.Context, cfg autocleanup.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = &cfg
	return nil
}

func containsState(states []pdsjob.State, s pdsjob.State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func cloneJob(job pdsjob.Job) pdsjob.Job {
	job.Started = cloneTime(job.Started)
	job.Ended = cloneTime(job.Ended)
	return job
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
