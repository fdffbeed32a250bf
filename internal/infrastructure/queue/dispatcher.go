package queue

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/rs/zerolog"

	"github.com/retail/inventory-auth/internal/core/domain"
	"github.com/retail/inventory-auth/internal/core/ports"
)

const (
	defaultWorkers = 8
	channelBuffer  = 64
)

// ErrStopped is returned for calls made after the dispatcher's workers exited.
var ErrStopped = errors.New("dispatcher stopped")

type job struct {
	ctx  context.Context
	run  func(ctx context.Context)
	done chan struct{}
}

// Dispatcher fronts a CredentialService with a fixed set of workers. Calls are
// sharded by username, so operations on one username run one at a time in
// arrival order, and at most numWorkers password hashes run concurrently.
//
// Serialising per username closes the register race inside one process. Other
// processes sharing the store still rely on its unique index.
type Dispatcher struct {
	workers []chan job
	next    ports.CredentialService
	stopped chan struct{}
	log     zerolog.Logger
}

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used.
func NewDispatcher(numWorkers int, next ports.CredentialService, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher{
		workers: make([]chan job, numWorkers),
		next:    next,
		stopped: make(chan struct{}),
		log:     log,
	}
	for i := range d.workers {
		d.workers[i] = make(chan job, channelBuffer)
	}
	return d
}

// Start launches all worker goroutines. Workers stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.workers {
		go d.runWorker(ctx, i, ch)
	}
	go func() {
		<-ctx.Done()
		close(d.stopped)
	}()
}

// Register runs next.Register on the worker that owns username.
//
// Cancelling ctx stops the wait, not the work: a job a worker has already
// picked up still runs to completion and may persist the record after Register
// has returned ctx.Err(). A retry then gets domain.ErrUserExists.
func (d *Dispatcher) Register(ctx context.Context, username, password, role string) (*domain.User, error) {
	var (
		user *domain.User
		err  error
	)
	if serr := d.submit(ctx, username, func(ctx context.Context) {
		user, err = d.next.Register(ctx, username, password, role)
	}); serr != nil {
		return nil, serr
	}
	return user, err
}

// Authenticate runs next.Authenticate on the worker that owns username.
func (d *Dispatcher) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	var (
		user *domain.User
		err  error
	)
	if serr := d.submit(ctx, username, func(ctx context.Context) {
		user, err = d.next.Authenticate(ctx, username, password)
	}); serr != nil {
		return nil, serr
	}
	return user, err
}

// FindByIdentity does no hashing and bypasses the workers.
func (d *Dispatcher) FindByIdentity(ctx context.Context, username string) (*domain.User, bool, error) {
	return d.next.FindByIdentity(ctx, username)
}

// submit queues fn on the shard for username and waits for it to finish. The
// results written by fn may only be read when submit returns nil.
func (d *Dispatcher) submit(ctx context.Context, username string, fn func(context.Context)) error {
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}

	j := job{ctx: ctx, run: fn, done: make(chan struct{})}
	select {
	case d.workers[d.shardIndex(username)] <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
}

// shardIndex maps a username deterministically to a worker index.
func (d *Dispatcher) shardIndex(username string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, ch <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ch:
			if err := j.ctx.Err(); err != nil {
				d.log.Debug().Err(err).Int("worker_id", id).Msg("skipping abandoned job")
				close(j.done)
				continue
			}
			j.run(j.ctx)
			close(j.done)
		}
	}
}
