package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

var ErrInvalidState = errors.New("invalid worker state")

type WorkerOptions struct {
	Version   string
	CacheName string
	Origin    *url.URL
	Policy    Policy
	// Manifest lists origin-relative URLs stored at install time.
	Manifest []string
	// Sitemaps are expanded into additional manifest entries at install time.
	Sitemaps    []string
	Rules       []Rule
	SkipWaiting bool

	Storage   CacheStorage
	Network   Network
	Scheduler Scheduler
	Logger    logrus.FieldLogger
}

// Worker is one deployed version of the offline cache. All of its state
// comes from WorkerOptions; two workers with different versions can share a
// storage without interfering until one of them activates.
type Worker struct {
	version    string
	generation string
	origin     *url.URL
	policy     Policy
	manifest   []string
	sitemaps   []string
	rules      []Rule

	storage CacheStorage
	network Network
	sched   Scheduler
	log     logrus.FieldLogger

	skipWaitingOnInstall bool
	skipWaiting          atomic.Bool

	mu    sync.Mutex
	state State
	cache Cache
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, fmt.Errorf("worker version is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, fmt.Errorf("worker origin must be an absolute url")
	}
	if opts.Storage == nil || opts.Network == nil || opts.Scheduler == nil {
		return nil, fmt.Errorf("worker needs storage, network and scheduler")
	}
	if opts.Policy == 0 {
		opts.Policy = PolicyCacheFirst
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	rules := make([]Rule, len(opts.Rules))
	copy(rules, opts.Rules)
	for i := range rules {
		if rules[i].matchers != nil {
			continue
		}
		if err := rules[i].compile(); err != nil {
			return nil, fmt.Errorf("rules[%d].%w", i, err)
		}
	}

	generation := GenerationName(opts.CacheName, opts.Version)
	return &Worker{
		version:              opts.Version,
		generation:           generation,
		origin:               opts.Origin,
		policy:               opts.Policy,
		manifest:             append([]string(nil), opts.Manifest...),
		sitemaps:             append([]string(nil), opts.Sitemaps...),
		rules:                rules,
		storage:              opts.Storage,
		network:              opts.Network,
		sched:                opts.Scheduler,
		skipWaitingOnInstall: opts.SkipWaiting,
		log:                  log.WithFields(logrus.Fields{"version": opts.Version, "generation": generation}),
		state:                StateParsed,
	}, nil
}

func (w *Worker) Version() string    { return w.version }
func (w *Worker) Generation() string { return w.generation }
func (w *Worker) Policy() Policy     { return w.policy }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SkipWaiting marks the worker so that it activates as soon as it is
// installed instead of waiting for the previous version to go away.
func (w *Worker) SkipWaiting() { w.skipWaiting.Store(true) }

func (w *Worker) SkipsWaiting() bool { return w.skipWaiting.Load() }

func (w *Worker) transition(from []State, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, w.state, to)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) currentCache() Cache {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache
}

// markRedundant is called when a newer worker replaces this one or install
// failed.
func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
}

// Message is a control message posted to a worker. Both the
// {"action":"skipWaiting"} and {"type":"SKIP_WAITING"} shapes are accepted.
type Message struct {
	Action string `json:"action,omitempty"`
	Type   string `json:"type,omitempty"`
}

func (m Message) command() string {
	cmd := m.Type
	if cmd == "" {
		cmd = m.Action
	}
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(cmd), "_", ""))
}

type Reply struct {
	OK         bool   `json:"ok"`
	Version    string `json:"version,omitempty"`
	Generation string `json:"generation,omitempty"`
	State      string `json:"state,omitempty"`
}

var ErrUnknownMessage = errors.New("unknown message")

func (w *Worker) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	reply := Reply{OK: true, Version: w.version, Generation: w.generation}
	switch msg.command() {
	case "skipwaiting":
		w.SkipWaiting()
		w.log.WithField("action", "message").Info("skip waiting requested")
	case "getversion":
	default:
		return Reply{}, fmt.Errorf("%w: %+v", ErrUnknownMessage, msg)
	}
	reply.State = w.State().String()
	return reply, nil
}
