package shellcache

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

type State int32

const (
	StateNew State = iota
	StateInstalling
	StateWaiting
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (m *CacheManager) State() State { return State(m.state.Load()) }

// OnInstall opens every partition and pre-warms the critical one. Any
// critical fetch failure fails the install and nothing is stored; the worker
// is then terminated and never activates.
func (m *CacheManager) OnInstall(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateNew), int32(StateInstalling)) {
		return fmt.Errorf("%w: install called in state %s", ErrInstallFailed, m.State())
	}
	m.log.Info().Int("critical", len(m.critical)).Msg("installing")

	if err := m.install(ctx); err != nil {
		m.state.Store(int32(StateTerminated))
		m.log.Error().Err(err).Msg("install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.state.Store(int32(StateWaiting))
	m.log.Info().Msg("installed, waiting")
	if m.skipWaiting {
		return m.activateLocked()
	}
	return nil
}

func (m *CacheManager) install(ctx context.Context) error {
	for _, c := range Classes {
		if _, err := m.partition(c); err != nil {
			return fmt.Errorf("open partition %s: %w", c, err)
		}
	}

	ents, err := m.fetchCritical(ctx)
	if err != nil {
		return err
	}
	part, err := m.partition(ClassCritical)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", ClassCritical, err)
	}
	for _, ent := range ents {
		if err := m.put(part, ent.URL, ent); err != nil {
			return fmt.Errorf("store %s: %w", ent.URL, err)
		}
	}

	if m.manifestURL != "" {
		m.precacheManifest(ctx)
	}
	return nil
}

// fetchCritical fetches the whole critical list concurrently. The first
// failure cancels the rest.
func (m *CacheManager) fetchCritical(ctx context.Context) ([]Entry, error) {
	g, gctx := errgroup.WithContext(ctx)
	out := make([]Entry, len(m.critical))
	for i, p := range m.critical {
		i, p := i, p
		g.Go(func() error {
			u, err := m.resolve(p)
			if err != nil {
				return fmt.Errorf("critical resource %q: %w", p, err)
			}
			ent, err := m.fetch(gctx, u, nil)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if !ent.OK() {
				return fmt.Errorf("fetch %s: status %d", u, ent.Status)
			}
			out[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// OnActivate evicts partitions from older cache formats and starts
// controlling requests. Activating an active worker is a no-op.
func (m *CacheManager) OnActivate(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.activateLocked()
}

func (m *CacheManager) activateLocked() error {
	switch st := m.State(); st {
	case StateActive:
		return nil
	case StateWaiting:
	default:
		return fmt.Errorf("%w: state %s", ErrNotWaiting, st)
	}

	names, err := m.storage.Names()
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if m.keepPartition(name) {
			continue
		}
		if err := m.storage.Drop(name); err != nil {
			return fmt.Errorf("drop partition %s: %w", name, err)
		}
		m.metrics.evicted.Inc()
		m.log.Info().Str("partition", name).Msg("evicted stale partition")
	}

	m.state.Store(int32(StateActive))
	m.log.Info().Str("version", m.version).Msg("activated, controlling clients")
	return nil
}

func (m *CacheManager) keepPartition(name string) bool {
	return isRecognized(name) || strings.HasSuffix(name, "-"+m.version)
}

// SkipWaiting activates a waiting worker now, or right after an install in
// progress completes.
func (m *CacheManager) SkipWaiting(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.skipWaiting = true
	if m.State() == StateWaiting {
		return m.activateLocked()
	}
	return nil
}

// Terminate stops the worker from controlling requests.
func (m *CacheManager) Terminate() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.State() != StateTerminated {
		m.state.Store(int32(StateTerminated))
		m.log.Info().Msg("terminated")
	}
}
