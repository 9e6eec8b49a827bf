package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"kumo/internal/driver"
)

// Status is the lifecycle position of a migration job
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Finished reports whether the job reached a terminal status
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrNotFound is returned for an unknown job ID
var ErrNotFound = errors.New("migration not found")

// State is the persisted record of one migration job
type State struct {
	ID          string                   `json:"id"`
	VM          string                   `json:"virtual_machine"`
	Source      driver.Provider          `json:"source"`
	Destination driver.Provider          `json:"destination"`
	Status      Status                   `json:"status"`
	Step        string                   `json:"step,omitempty"`
	StepIndex   int                      `json:"step_index,omitempty"`
	Kind        string                   `json:"kind,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Image       string                   `json:"image,omitempty"`
	Attempts    int                      `json:"attempts"`
	Operations  []driver.OperationRecord `json:"operations,omitempty"`
	SubmittedAt time.Time                `json:"submitted_at"`
	StartTime   time.Time                `json:"start_time,omitempty"`
	EndTime     time.Time                `json:"end_time,omitempty"`
}

func (s *State) clone() *State {
	c := *s
	c.Operations = append([]driver.OperationRecord(nil), s.Operations...)
	return &c
}

// StateStore persists job states
type StateStore interface {
	Save(ctx context.Context, state *State) error
	Get(ctx context.Context, id string) (*State, error)
	List(ctx context.Context) ([]*State, error)
	Close() error
}

// EtcdStateStore keeps one JSON document per job under a key prefix
type EtcdStateStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStateStore connects to etcd at endpoints
func NewEtcdStateStore(endpoints []string, dialTimeout time.Duration, prefix string) (*EtcdStateStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewEtcdStateStoreWithClient(cli, prefix), nil
}

// NewEtcdStateStoreWithClient uses an existing client; Close closes it
func NewEtcdStateStoreWithClient(cli *clientv3.Client, prefix string) *EtcdStateStore {
	if prefix == "" {
		prefix = "/kumo/migrations/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStateStore{client: cli, prefix: prefix}
}

// Close closes the etcd client connection
func (s *EtcdStateStore) Close() error {
	return s.client.Close()
}

// Save saves the job state
func (s *EtcdStateStore) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal migration state: %w", err)
	}
	if _, err := s.client.Put(ctx, s.prefix+state.ID, string(data)); err != nil {
		return fmt.Errorf("failed to save migration state to etcd: %w", err)
	}
	return nil
}

// Get retrieves the job state
func (s *EtcdStateStore) Get(ctx context.Context, id string) (*State, error) {
	resp, err := s.client.Get(ctx, s.prefix+id)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration state from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var state State
	if err := json.Unmarshal(resp.Kvs[0].Value, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal migration state: %w", err)
	}
	return &state, nil
}

// List returns every stored job, oldest submission first
func (s *EtcdStateStore) List(ctx context.Context) ([]*State, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations from etcd: %w", err)
	}
	states := make([]*State, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var state State
		if err := json.Unmarshal(kv.Value, &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal migration state %s: %w", kv.Key, err)
		}
		states = append(states, &state)
	}
	sortBySubmission(states)
	return states, nil
}

// FileStateStore keeps every job in one JSON file. An empty path keeps
// states in memory only.
type FileStateStore struct {
	mu        sync.RWMutex
	path      string
	UpdatedAt time.Time         `json:"updated_at"`
	Jobs      map[string]*State `json:"migrations"`
}

// NewFileStateStore loads path if it exists
func NewFileStateStore(path string) (*FileStateStore, error) {
	s := &FileStateStore{path: path, Jobs: make(map[string]*State)}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if s.Jobs == nil {
		s.Jobs = make(map[string]*State)
	}
	return s, nil
}

func (s *FileStateStore) Save(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Jobs[state.ID] = state.clone()
	if s.path == "" {
		return nil
	}
	s.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStateStore) Get(ctx context.Context, id string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.Jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return state.clone(), nil
}

func (s *FileStateStore) List(ctx context.Context) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*State, 0, len(s.Jobs))
	for _, state := range s.Jobs {
		states = append(states, state.clone())
	}
	sortBySubmission(states)
	return states, nil
}

func (s *FileStateStore) Close() error { return nil }

func sortBySubmission(states []*State) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].SubmittedAt.Equal(states[j].SubmittedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].SubmittedAt.Before(states[j].SubmittedAt)
	})
}
