package shellcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxMessageBytes = 1 << 20

// Service is the HTTP hosting adapter: every request it receives is an
// intercepted fetch, and the control prefix carries lifecycle messages.
type Service struct {
	cfg Config
	log zerolog.Logger

	storage  Storage
	mgr      *CacheManager
	registry *prometheus.Registry

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(cfg Config, logger zerolog.Logger) (*Service, error) {
	storage, err := OpenStorage(cfg.Storage.Driver, cfg.Storage.Path, cfg.memMax)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr, err := NewCacheManager(Options{
		Origin:        cfg.originURL,
		Storage:       storage,
		Network:       &http.Client{Timeout: cfg.netTimeout},
		CriticalPaths: cfg.Cache.Critical,
		Version:       cfg.Cache.Version,
		TTLs:          cfg.ttls,
		SkipWaiting:   cfg.Cache.SkipWaiting != nil && *cfg.Cache.SkipWaiting,
		ManifestURL:   cfg.Cache.Manifest,
		Logger:        &logger,
		Registerer:    reg,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		log:      logger.With().Str("component", "service").Logger(),
		storage:  storage,
		mgr:      mgr,
		registry: reg,
		stopCh:   make(chan struct{}),
	}

	if cfg.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEveryDur)
		}()
	}
	return s, nil
}

func (s *Service) Manager() *CacheManager { return s.mgr }

// Start runs the install transition; activation follows when skip-waiting
// is configured.
func (s *Service) Start(ctx context.Context) error {
	return s.mgr.OnInstall(ctx)
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mgr.Terminate()
		close(s.stopCh)
		s.wg.Wait()
		if err := s.storage.Close(); err != nil {
			s.log.Error().Err(err).Msg("close storage")
		}
	})
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(s.cfg.Server.ControlPrefix, func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Get("/state", s.handleState)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	})
	r.HandleFunc("/*", s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.interceptedRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, err := s.mgr.OnFetch(r.Context(), req)
	if err != nil {
		s.log.Warn().Err(err).Str("method", r.Method).Str("url", req.URL.String()).Msg("pass-through failed")
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp)
}

// interceptedRequest retargets r at the network. Absolute-form requests keep
// their URL; origin-form requests go to the configured origin.
func (s *Service) interceptedRequest(r *http.Request) (*http.Request, error) {
	raw := s.cfg.Server.Origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		raw = r.URL.String()
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	return out, nil
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := DecodeMessage(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	reply, err := s.mgr.OnMessage(r.Context(), msg)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrUnknownMessage):
			status = http.StatusBadRequest
		case errors.Is(err, ErrNotWaiting):
			status = http.StatusConflict
		}
		s.log.Warn().Err(err).Str("type", msg.Type).Msg("control message failed")
		writeJSONError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"state":   s.mgr.State().String(),
		"version": s.mgr.version,
	})
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "X-Shellcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), string(resp.Source))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setCacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Shellcache", source)
	}
	// browsers hide custom headers from cross-origin JS unless exposed
	ensureExposedHeader(h, "X-Shellcache")
}

func ensureExposedHeader(h http.Header, name string) {
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			entries, err := s.mgr.CacheSize()
			if err != nil {
				s.log.Error().Err(err).Msg("stats: count entries")
				continue
			}
			ss := s.mgr.stats.Snapshot()
			ev := s.log.Info().
				Int("entries", entries).
				Uint64("responses", ss.Responses).
				Uint64("hits", ss.Hits).
				Uint64("fallbacks", ss.Fallbacks).
				Str("respMin", formatBytes(ss.MinBytes)).
				Str("respAvg", formatBytes(ss.AvgBytes)).
				Str("respMax", formatBytes(ss.MaxBytes))
			if mem, ok := s.storage.(*MemoryStorage); ok {
				ev = ev.Str("ram", formatBytes(uint64(mem.TotalSize())))
			}
			if rss, ok := processRSSBytes(); ok {
				ev = ev.Str("rss", formatBytes(rss))
			}
			ev.Msg("stats")
		}
	}
}
