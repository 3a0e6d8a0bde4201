package job

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type mockRepo struct {
	mu   sync.Mutex
	jobs map[ID]*Job
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[ID]*Job)}
}

func (m *mockRepo) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Version = 1
	cp := *j
	cp.events = nil
	m.jobs[j.ID] = &cp
	return nil
}

func (m *mockRepo) Update(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != j.Version {
		return ErrConcurrency
	}
	j.Version++
	cp := *j
	cp.events = nil
	m.jobs[j.ID] = &cp
	return nil
}

func (m *mockRepo) Get(_ context.Context, id ID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, state State) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if state != "" && j.State != state {
			continue
		}
		result = append(result, *j)
	}
	return result, nil
}

func (m *mockRepo) IDsByState(_ context.Context, states ...State) ([]ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []ID
	for id, j := range m.jobs {
		for _, s := range states {
			if j.State == s {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}

func (m *mockRepo) setState(id ID, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].State = s
}

func validCreateRequest() CreateJobRequest {
	return CreateJobRequest{
		Symbols: []string{"aapl", "msft"},
		Start:   time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC),
		End:     time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC),
	}
}

func TestService_Create(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	notified := false
	svc.SetNotify(func() { notified = true })

	j, err := svc.Create(context.Background(), validCreateRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.State != StatePending {
		t.Errorf("expected pending, got %s", j.State)
	}
	if len(j.Symbols) != 2 || j.Symbols[0] != "AAPL" {
		t.Errorf("symbols not normalized: %v", j.Symbols)
	}
	if j.Version != 1 {
		t.Errorf("expected version 1, got %d", j.Version)
	}
	if !notified {
		t.Error("expected notify to be called")
	}
}

func TestService_Create_AppliesDefaults(t *testing.T) {
	svc := NewService(newMockRepo())
	svc.SetDefaults(Config{OutputTarget: "json", MaxWorkers: 8})

	req := validCreateRequest()
	req.Config.MaxWorkers = 2
	j, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Config.OutputTarget != "json" {
		t.Errorf("output target = %q, want json", j.Config.OutputTarget)
	}
	if j.Config.MaxWorkers != 2 {
		t.Errorf("max workers = %d, request value should win", j.Config.MaxWorkers)
	}
	if j.Config.BatchSize != defaultBatchSize {
		t.Errorf("batch size = %d, want package default", j.Config.BatchSize)
	}
}

func TestService_Create_ValidationError(t *testing.T) {
	svc := NewService(newMockRepo())

	req := validCreateRequest()
	req.Symbols = nil
	if _, err := svc.Create(context.Background(), req); err == nil {
		t.Fatal("expected validation error for missing symbols")
	}

	req = validCreateRequest()
	req.Symbols = []string{"AAPL", "aapl"}
	if _, err := svc.Create(context.Background(), req); err == nil {
		t.Fatal("expected validation error for duplicate symbols")
	}
}

func TestService_RecoverStaleJobs(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	a, _ := svc.Create(ctx, validCreateRequest())
	_, _ = svc.Create(ctx, validCreateRequest())
	repo.setState(a.ID, StateInProgress)

	ids, err := svc.RecoverStaleJobs(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("expected [%s], got %v", a.ID, ids)
	}
}

func TestService_Get(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	created, err := svc.Create(ctx, validCreateRequest())
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, GetJobRequest{ID: string(created.ID)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Symbols[1] != "MSFT" {
		t.Errorf("expected MSFT, got %s", got.Symbols[1])
	}
}

func TestService_Get_InvalidID(t *testing.T) {
	svc := NewService(newMockRepo())
	_, err := svc.Get(context.Background(), GetJobRequest{ID: "42"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestService_List(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	a, _ := svc.Create(ctx, validCreateRequest())
	_, _ = svc.Create(ctx, validCreateRequest())
	repo.setState(a.ID, StateCompleted)

	jobs, err := svc.List(ctx, ListJobsRequest{State: "pending"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}

	if _, err := svc.List(ctx, ListJobsRequest{State: "running"}); err == nil {
		t.Error("expected error for unknown state")
	}
}
