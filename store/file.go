package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const jobsFileName = "scheduled-jobs.json"

// FileStore persists jobs as a single JSON array in scheduled-jobs.json.
// Every write rewrites the whole file through a temp file + rename, so a
// crash leaves either the old or the new contents. Acceptable because
// writes are low-rate and the working set is small.
type FileStore struct {
	mu   sync.Mutex
	path string
	jobs map[string]*Job
}

// NewFileStore loads (or creates) the job file under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence dir: %w", err)
	}
	s := &FileStore{
		path: filepath.Join(dir, jobsFileName),
		jobs: make(map[string]*Job),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

// flush writes the full job set atomically. Caller holds s.mu.
func (s *FileStore) flush() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) SaveJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return s.flush()
}

func (s *FileStore) UpdateJob(ctx context.Context, id string, patch Patch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(j, time.Now())
	if err := s.flush(); err != nil {
		return nil, err
	}
	cp := *j
	return &cp, nil
}

func (s *FileStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	delete(s.jobs, id)
	return s.flush()
}

func (s *FileStore) LoadJobs(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

func (s *FileStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	removed := 0
	for id, j := range s.jobs {
		if j.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.flush()
}

func (s *FileStore) Close() error { return nil }
