package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/retail/inventory-auth/internal/core/domain"
	"github.com/retail/inventory-auth/internal/core/service"
	"github.com/retail/inventory-auth/internal/pkg/password"
)

// recordingService tracks how many calls per username are in flight.
type recordingService struct {
	mu       sync.Mutex
	inFlight map[string]int
	maxSeen  map[string]int
	calls    int
	delay    time.Duration
	block    chan struct{}
}

func newRecordingService() *recordingService {
	return &recordingService{inFlight: map[string]int{}, maxSeen: map[string]int{}}
}

func (s *recordingService) enter(username string) {
	s.mu.Lock()
	s.calls++
	s.inFlight[username]++
	if s.inFlight[username] > s.maxSeen[username] {
		s.maxSeen[username] = s.inFlight[username]
	}
	s.mu.Unlock()

	if s.block != nil {
		<-s.block
	}
	time.Sleep(s.delay)

	s.mu.Lock()
	s.inFlight[username]--
	s.mu.Unlock()
}

func (s *recordingService) Register(_ context.Context, username, _, role string) (*domain.User, error) {
	s.enter(username)
	return &domain.User{Username: username, Role: role}, nil
}

func (s *recordingService) Authenticate(_ context.Context, username, _ string) (*domain.User, error) {
	s.enter(username)
	if username == "bad" {
		return nil, domain.ErrInvalidCredentials
	}
	return &domain.User{Username: username}, nil
}

func (s *recordingService) FindByIdentity(_ context.Context, username string) (*domain.User, bool, error) {
	return &domain.User{Username: username}, true, nil
}

func startDispatcher(t *testing.T, workers int, next *recordingService) *Dispatcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d := NewDispatcher(workers, next, zerolog.Nop())
	d.Start(ctx)
	return d
}

func TestDispatcher_PassesResultsThrough(t *testing.T) {
	d := startDispatcher(t, 2, newRecordingService())

	user, err := d.Register(context.Background(), "alice", "pw", "clerk")
	if err != nil || user.Username != "alice" || user.Role != "clerk" {
		t.Fatalf("unexpected register result: %+v, %v", user, err)
	}
	if _, err := d.Authenticate(context.Background(), "bad", "pw"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, found, err := d.FindByIdentity(context.Background(), "alice"); !found || err != nil {
		t.Fatalf("unexpected lookup result: %v, %v", found, err)
	}
}

func TestDispatcher_SerialisesSameUsername(t *testing.T) {
	next := newRecordingService()
	next.delay = 2 * time.Millisecond
	d := startDispatcher(t, 4, next)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "alice"
			if i%2 == 0 {
				name = "bob"
			}
			if i%3 == 0 {
				_, _ = d.Authenticate(context.Background(), name, "pw")
				return
			}
			_, _ = d.Register(context.Background(), name, "pw", "clerk")
		}(i)
	}
	wg.Wait()

	next.mu.Lock()
	defer next.mu.Unlock()
	if next.calls != 20 {
		t.Fatalf("expected 20 calls, got %d", next.calls)
	}
	for name, peak := range next.maxSeen {
		if peak != 1 {
			t.Fatalf("%s had %d concurrent calls", name, peak)
		}
	}
}

func TestDispatcher_ShardIndexIsStable(t *testing.T) {
	d := NewDispatcher(0, newRecordingService(), zerolog.Nop())
	if len(d.workers) != defaultWorkers {
		t.Fatalf("expected %d workers, got %d", defaultWorkers, len(d.workers))
	}
	for _, name := range []string{"", "alice", "ünïcode", "a-much-longer-username"} {
		idx := d.shardIndex(name)
		if idx < 0 || idx >= defaultWorkers || idx != d.shardIndex(name) {
			t.Fatalf("unstable or out-of-range shard %d for %q", idx, name)
		}
	}
}

func TestDispatcher_CallerCancellation(t *testing.T) {
	next := newRecordingService()
	next.block = make(chan struct{})
	d := startDispatcher(t, 1, next)
	defer close(next.block)

	// Occupy the only worker.
	go func() { _, _ = d.Register(context.Background(), "busy", "pw", "") }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Register(ctx, "waiting", "pw", ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// slowRegistrar persists on release, after its caller may have given up.
type slowRegistrar struct {
	recordingService
	entered chan struct{}
	release chan struct{}
	saved   chan struct{}
	mu      sync.Mutex
	users   map[string]bool
}

func (s *slowRegistrar) Register(_ context.Context, username, _, role string) (*domain.User, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[username] {
		return nil, domain.ErrUserExists
	}
	s.users[username] = true
	close(s.saved)
	return &domain.User{Username: username, Role: role}, nil
}

func TestDispatcher_CancelledRegisterStillPersists(t *testing.T) {
	next := &slowRegistrar{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		saved:   make(chan struct{}),
		users:   map[string]bool{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(1, next, zerolog.Nop())
	d.Start(ctx)

	callCtx, callCancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := d.Register(callCtx, "henry", "pw", domain.RoleClerk)
		result <- err
	}()

	// The worker is running the job before the caller gives up.
	<-next.entered
	callCancel()
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(next.release)
	select {
	case <-next.saved:
	case <-time.After(time.Second):
		t.Fatalf("the running job did not persist")
	}

	if _, err := d.Register(context.Background(), "henry", "pw", domain.RoleClerk); !errors.Is(err, domain.ErrUserExists) {
		t.Fatalf("expected retry to see ErrUserExists, got %v", err)
	}
}

func TestDispatcher_Stopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(1, newRecordingService(), zerolog.Nop())
	d.Start(ctx)
	cancel()
	<-d.stopped

	_, err := d.Register(context.Background(), "late", "pw", "")
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestDispatcher_ConcurrentRegisterAgainstManager(t *testing.T) {
	repo := &memRepo{users: map[string]*domain.User{}}
	mgr := service.NewCredentialManager(repo, password.NewBcryptHasher(bcrypt.MinCost), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(4, mgr, zerolog.Nop())
	d.Start(ctx)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Register(context.Background(), "grace", "pw", domain.RoleClerk)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrUserExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful registration, got %d", ok)
	}
	// Serialised registrations never reach the store's unique check.
	if repo.conflicts != 0 {
		t.Fatalf("expected no store conflicts, got %d", repo.conflicts)
	}
}

type memRepo struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	conflicts int
}

func (r *memRepo) FindByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}

func (r *memRepo) Save(_ context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[user.Username]; exists {
		r.conflicts++
		return nil, domain.ErrUserExists
	}
	clone := *user
	r.users[user.Username] = &clone
	return user, nil
}
