package asynctask

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps groups and tasks in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]*TaskGroup
	tasks  map[string]*Task
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[string]*TaskGroup),
		tasks:  make(map[string]*Task),
	}
}

func (s *MemoryStore) PutGroup(_ context.Context, group *TaskGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *group
	s.groups[group.TaskGroupID] = &copied
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, groupID string) (*TaskGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	copied := *group
	return &copied, nil
}

func (s *MemoryStore) PutTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *task
	s.tasks[task.TaskID] = &copied
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	copied := *task
	return &copied, nil
}

func (s *MemoryStore) ListPendingTasks(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, task := range s.tasks {
		if task.Status == StatusPending {
			copied := *task
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *MemoryStore) ListGroupTasks(_ context.Context, groupID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, task := range s.tasks {
		if task.TaskGroupID == groupID {
			copied := *task
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}
