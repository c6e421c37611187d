package swcache

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrNoWorker = errors.New("no worker registered")

// Registration owns the workers of one origin. At most one worker is
// installing, one is waiting and one is active at any time.
type Registration struct {
	clients *Clients
	log     logrus.FieldLogger

	// lifecycle serializes install and activation.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
}

func NewRegistration(clients *Clients, log logrus.FieldLogger) *Registration {
	if clients == nil {
		clients = NewClients()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registration{clients: clients, log: log}
}

func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) Installing() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installing
}

func (r *Registration) Clients() *Clients { return r.clients }

// Register installs w. It becomes active right away when it skips waiting or
// nothing is active yet; otherwise it waits for a skip-waiting message.
func (r *Registration) Register(ctx context.Context, w *Worker) (PrecacheReport, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	report, err := w.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	r.mu.Unlock()
	if err != nil {
		return report, err
	}

	if r.Active() == nil || w.SkipsWaiting() {
		if _, err := r.activateLocked(ctx, w); err != nil {
			return report, err
		}
		return report, nil
	}

	r.mu.Lock()
	prev := r.waiting
	r.waiting = w
	r.mu.Unlock()
	if prev != nil && prev != w {
		prev.markRedundant()
	}
	r.log.WithField("version", w.Version()).Info("worker waiting")
	return report, nil
}

// PostMessage delivers msg to the waiting worker, or to the active one when
// nothing is waiting. A waiting worker that was told to skip waiting is
// activated before the reply is returned.
func (r *Registration) PostMessage(ctx context.Context, msg Message) (Reply, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	target := r.Waiting()
	if target == nil {
		target = r.Active()
	}
	if target == nil {
		return Reply{}, ErrNoWorker
	}

	reply, err := target.HandleMessage(ctx, msg)
	if err != nil {
		return Reply{}, err
	}
	if target == r.Waiting() && target.SkipsWaiting() {
		if _, err := r.activateLocked(ctx, target); err != nil {
			return Reply{}, err
		}
		reply.State = target.State().String()
	}
	return reply, nil
}

// activateLocked must be called with lifecycle held.
func (r *Registration) activateLocked(ctx context.Context, w *Worker) (ActivationReport, error) {
	report, err := w.Activate(ctx, r.clients)
	if err != nil {
		return report, err
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	// The sweep removed the generation of any other waiting worker.
	stale := r.waiting
	r.waiting = nil
	r.mu.Unlock()

	if prev != nil && prev != w {
		prev.markRedundant()
	}
	if stale != nil && stale != w {
		stale.markRedundant()
		r.log.WithField("version", stale.Version()).Info("waiting worker replaced")
	}
	return report, nil
}
