package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps tasks in process memory. Used when DATABASE_URL is
// not configured and as the store in tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]Task
	comments map[string][]Comment
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:    make(map[string]Task),
		comments: make(map[string][]Comment),
	}
}

func (s *InMemoryStore) SaveTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *InMemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return task.Clone(), nil
}

func (s *InMemoryStore) ListActive(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0)
	for _, task := range s.tasks {
		if task.Status.Active() {
			out = append(out, task.Clone())
		}
	}
	sortTasksNewestFirst(out)
	return out, nil
}

func (s *InMemoryStore) ListTasks(_ context.Context, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	sortTasksNewestFirst(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateTaskIf(_ context.Context, taskID string, expect, next Status, patch Patch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	if task.Status != expect {
		return Task{}, ErrStatusConflict
	}
	task.Status = next
	patch.Apply(&task, time.Now().UTC())
	s.tasks[taskID] = task.Clone()
	return task.Clone(), nil
}

func (s *InMemoryStore) AddComment(_ context.Context, comment Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[comment.TaskID] = append(s.comments[comment.TaskID], comment)
	return nil
}

func (s *InMemoryStore) ListComments(_ context.Context, taskID string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.comments[taskID]
	out := make([]Comment, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemoryStore) ResolveComment(_ context.Context, commentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID, comments := range s.comments {
		for i := range comments {
			if comments[i].ID == commentID {
				comments[i].Resolved = true
				s.comments[taskID] = comments
				return nil
			}
		}
	}
	return ErrStoreNotFound
}

func (s *InMemoryStore) Close() error { return nil }

func sortTasksNewestFirst(out []Task) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
}
