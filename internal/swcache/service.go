package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const swHeader = "X-SW-Cache"

// Service runs the worker of one origin behind an HTTP handler.
type Service struct {
	cfg    Config
	log    logrus.FieldLogger
	origin *url.URL

	storage CacheStorage
	network Network
	sched   *backgroundScheduler
	reg     *Registration
	stats   *statsCollector
	proxy   *httputil.ReverseProxy

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, log logrus.FieldLogger) (*Service, error) {
	if cfg.originURL == nil {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	var (
		storage CacheStorage
		err     error
	)
	if cfg.Storage.Path == "" {
		storage = NewMemoryStorage(cfg.maxEntry)
	} else {
		storage, err = NewLevelDBStorage(cfg.Storage.Path, cfg.maxEntry)
		if err != nil {
			return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
		}
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		origin:  cfg.originURL,
		storage: storage,
		network: NewHTTPNetwork(originClient(), cfg.maxEntry),
		sched:   newBackgroundScheduler(32, 30*time.Second, log),
		reg:     NewRegistration(NewClients(), log),
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
	}
	s.proxy = s.newPassthroughProxy()

	if every := cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

// Start registers the configured worker version. The previous version, if
// the storage still holds it, keeps serving until the new one activates.
func (s *Service) Start(ctx context.Context) error {
	w, err := s.newWorker()
	if err != nil {
		return err
	}
	report, err := s.reg.Register(ctx, w)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.Version(), err)
	}
	s.log.WithFields(logrus.Fields{
		"action":     "start",
		"version":    w.Version(),
		"generation": w.Generation(),
		"state":      w.State().String(),
		"precached":  len(report.Stored),
		"skipped":    len(report.Skipped),
	}).Info("worker registered")

	if every := s.cfg.warmUpDur; every > 0 {
		s.log.Infof("warmup tick interval: %s", every)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.warmupLoop(every)
		}()
	}
	return nil
}

func (s *Service) newWorker() (*Worker, error) {
	return NewWorker(WorkerOptions{
		Version:     s.cfg.Worker.Version,
		CacheName:   s.cfg.Worker.CacheName,
		Origin:      s.origin,
		Policy:      s.cfg.policy,
		Manifest:    s.cfg.Precache.URLs,
		Sitemaps:    s.cfg.Precache.Sitemaps,
		Rules:       s.cfg.Rules,
		SkipWaiting: s.cfg.skipWaiting,
		Storage:     s.storage,
		Network:     s.network,
		Scheduler:   s.sched,
		Logger:      s.log,
	})
}

// Close stops the background loops, waits for scheduled cache writes and
// closes the storage.
// originClient bounds the wait for response headers only, so a streamed
// body is not cut off; request contexts and task timeouts bound the rest.
func originClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{Transport: tr}
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.sched.Close()
	if err := s.storage.Close(); err != nil {
		s.log.WithField("action", "close").Errorf("close storage: %v", err)
	}
}

func (s *Service) Registration() *Registration { return s.reg }

// Handler serves reverse mode: every request is addressed to swcache and
// resolved against the origin.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() && s.isAdminPath(r.URL.Path) {
		s.handleAdmin(w, r)
		return
	}

	worker := s.reg.Active()
	if worker == nil {
		s.passthrough(w, r)
		return
	}

	req := requestFromHTTP(s.origin, r)
	res := worker.HandleFetch(r.Context(), req)
	if res.Route != RouteIntercept {
		s.passthrough(w, r)
		return
	}
	if ck := s.trackClient(r, req, worker); ck != nil {
		http.SetCookie(w, ck)
	}
	s.writeResponse(w, res.Response, res.Outcome)
}

// trackClient records navigations so activation can claim the client.
func (s *Service) trackClient(r *http.Request, req *Request, worker *Worker) *http.Cookie {
	if req.Mode != ModeNavigate && req.Destination != "document" {
		return nil
	}
	id, ck := clientID(r)
	s.reg.Clients().Touch(id, worker.Version())
	return ck
}

func (s *Service) writeResponse(w http.ResponseWriter, resp *Response, outcome string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, swHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSWHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	if resp.Stream != nil {
		n, err := io.Copy(w, resp.Stream)
		resp.Discard()
		if err != nil {
			s.log.WithField("outcome", outcome).Debugf("stream response: %v", err)
		}
		s.stats.Observe(outcome, int(n))
		return
	}
	_, _ = w.Write(resp.Body)
	s.stats.Observe(outcome, len(resp.Body))
}

func setSWHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(swHeader, outcome)
	}
	// Custom headers are invisible to page scripts in a CORS context unless
	// exposed.
	ensureExposedHeader(h, swHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// newPassthroughProxy forwards requests the worker does not handle. Relative
// requests go to the origin, absolute ones to the host they name.
func (s *Service) newPassthroughProxy() *httputil.ReverseProxy {
	origin := s.origin
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := origin
			if pr.In.URL.IsAbs() {
				target = &url.URL{Scheme: pr.In.URL.Scheme, Host: pr.In.URL.Host}
			}
			pr.SetURL(target)
		},
		ModifyResponse: func(resp *http.Response) error {
			setSWHeaders(resp.Header, OutcomePassthrough)
			s.stats.Observe(OutcomePassthrough, 0)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.WithFields(logrus.Fields{"action": "passthrough", "url": r.URL.String()}).Warnf("upstream failed: %v", err)
			setSWHeaders(w.Header(), OutcomePassthrough)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

func (s *Service) passthrough(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}

// ---- admin ----

func (s *Service) isAdminPath(path string) bool {
	return strings.HasPrefix(path, s.cfg.Server.AdminPrefix+"/")
}

func (s *Service) handleAdmin(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, s.cfg.Server.AdminPrefix) {
	case "/status":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, s.Status(r.Context()))
	case "/message":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleMessage(w, r)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}
	reply, err := s.reg.PostMessage(r.Context(), msg)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoWorker):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.log.WithField("action", "message").Errorf("message failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

type WorkerStatus struct {
	Version    string `json:"version"`
	Generation string `json:"generation"`
	State      string `json:"state"`
	Policy     string `json:"policy"`
	Entries    int    `json:"entries"`
}

type Status struct {
	Active      *WorkerStatus  `json:"active,omitempty"`
	Waiting     *WorkerStatus  `json:"waiting,omitempty"`
	Installing  *WorkerStatus  `json:"installing,omitempty"`
	Generations []string       `json:"generations"`
	Clients     map[string]int `json:"clients"`
	Stats       statsSnapshot  `json:"stats"`
}

func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Active:     s.workerStatus(ctx, s.reg.Active()),
		Waiting:    s.workerStatus(ctx, s.reg.Waiting()),
		Installing: s.workerStatus(ctx, s.reg.Installing()),
		Clients:    s.reg.Clients().Controllers(),
		Stats:      s.stats.Snapshot(),
	}
	names, err := s.storage.Keys(ctx)
	if err != nil {
		s.log.WithField("action", "status").Warnf("list generations: %v", err)
	}
	st.Generations = append([]string{}, names...)
	return st
}

func (s *Service) workerStatus(ctx context.Context, w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	ws := &WorkerStatus{
		Version:    w.Version(),
		Generation: w.Generation(),
		State:      w.State().String(),
		Policy:     w.Policy().String(),
	}
	if c := w.currentCache(); c != nil {
		if keys, err := c.Keys(ctx); err == nil {
			ws.Entries = len(keys)
		}
	}
	return ws
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---- background loops ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := logrus.Fields{
		"action":   "stats",
		"resp_min": formatBytes(ss.MinBytes),
		"resp_avg": formatBytes(ss.AvgBytes),
		"resp_max": formatBytes(ss.MaxBytes),
	}
	for _, name := range ss.outcomeNames() {
		fields["outcome_"+name] = ss.Outcomes[name]
	}
	if w := s.reg.Active(); w != nil {
		if c := w.currentCache(); c != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if keys, err := c.Keys(ctx); err == nil {
				fields["entries"] = len(keys)
			}
			cancel()
		}
	}
	if rss, anon := processMemory(); rss > 0 {
		fields["rss"] = formatBytes(rss)
		if anon > 0 {
			fields["anon"] = formatBytes(anon)
		}
	}
	s.log.WithFields(fields).Info("stats")
}

// warmupLoop refreshes every entry of the active generation on each tick.
func (s *Service) warmupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			w := s.reg.Active()
			if w == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := w.Revalidate(ctx)
			cancel()
			if err != nil {
				s.log.WithField("action", "warmup").Warnf("warmup failed: %v", err)
				continue
			}
			s.log.WithFields(logrus.Fields{"action": "warmup", "scheduled": n}).Debug("warmup tick")
		}
	}
}
