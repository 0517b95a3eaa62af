package shellcache

import (
	"context"
	"fmt"
	"net/url"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Control message types.
const (
	MsgSkipWaiting  = "SKIP_WAITING"
	MsgGetCacheSize = "GET_CACHE_SIZE"
	MsgClearCache   = "CLEAR_CACHE"
	MsgCacheURLs    = "CACHE_URLS"
)

type Message struct {
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

type Reply struct {
	Type    string         `json:"type"`
	OK      bool           `json:"ok"`
	State   string         `json:"state,omitempty"`
	Size    *int           `json:"size,omitempty"`
	Preload *PreloadReport `json:"preload,omitempty"`
}

// PreloadReport aggregates the outcome of a best-effort bulk fetch.
type PreloadReport struct {
	Requested int              `json:"requested"`
	Cached    []string         `json:"cached"`
	Failed    []PreloadFailure `json:"failed"`
}

type PreloadFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

func DecodeMessage(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

func (m *CacheManager) OnMessage(ctx context.Context, msg Message) (Reply, error) {
	reply := Reply{Type: msg.Type}
	switch msg.Type {
	case MsgSkipWaiting:
		if err := m.SkipWaiting(ctx); err != nil {
			return reply, err
		}
		reply.State = m.State().String()

	case MsgGetCacheSize:
		n, err := m.CacheSize()
		if err != nil {
			return reply, err
		}
		reply.Size = &n

	case MsgClearCache:
		if err := m.ClearCache(); err != nil {
			return reply, err
		}

	case MsgCacheURLs:
		var urls []string
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &urls); err != nil {
				return reply, fmt.Errorf("%s payload: %w", msg.Type, err)
			}
		}
		report := m.Preload(ctx, urls, func(*url.URL) ResourceClass { return ClassCritical })
		reply.Preload = &report

	default:
		return reply, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	reply.OK = true
	return reply, nil
}

// CacheSize counts entries across every partition.
func (m *CacheManager) CacheSize() (int, error) {
	names, err := m.storage.Names()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, name := range names {
		part, err := m.storage.Open(name)
		if err != nil {
			return 0, fmt.Errorf("open partition %s: %w", name, err)
		}
		n, err := part.Len()
		if err != nil {
			return 0, fmt.Errorf("count partition %s: %w", name, err)
		}
		total += n
	}
	m.metrics.entries.Set(float64(total))
	return total, nil
}

// ClearCache deletes every partition. Partitions are reopened on demand.
// Partition lookups wait for the clear to finish so no request keeps a
// handle to a dropped partition.
func (m *CacheManager) ClearCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.parts = map[ResourceClass]Partition{} }()

	names, err := m.storage.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.storage.Drop(name); err != nil {
			return fmt.Errorf("drop partition %s: %w", name, err)
		}
	}
	m.metrics.entries.Set(0)
	m.log.Info().Int("partitions", len(names)).Msg("cache cleared")
	return nil
}

// Preload fetches each URL in order and stores successes in the partition
// chosen by classOf. Failures are recorded and do not stop the loop.
func (m *CacheManager) Preload(ctx context.Context, urls []string, classOf func(*url.URL) ResourceClass) PreloadReport {
	report := PreloadReport{
		Requested: len(urls),
		Cached:    []string{},
		Failed:    []PreloadFailure{},
	}
	fail := func(raw string, err error) {
		report.Failed = append(report.Failed, PreloadFailure{URL: raw, Error: err.Error()})
		m.log.Warn().Err(err).Str("url", raw).Msg("preload failed")
	}

	for _, raw := range urls {
		if err := ctx.Err(); err != nil {
			fail(raw, err)
			continue
		}
		u, err := m.resolve(raw)
		if err != nil {
			fail(raw, err)
			continue
		}
		part, err := m.partition(classOf(u))
		if err != nil {
			fail(raw, err)
			continue
		}
		ent, err := m.fetch(ctx, u, nil)
		if err != nil {
			fail(raw, err)
			continue
		}
		if !ent.OK() {
			fail(raw, fmt.Errorf("status %d", ent.Status))
			continue
		}
		if err := m.put(part, ent.URL, ent); err != nil {
			fail(raw, err)
			continue
		}
		report.Cached = append(report.Cached, ent.URL)
	}

	m.log.Info().
		Int("requested", report.Requested).
		Int("cached", len(report.Cached)).
		Int("failed", len(report.Failed)).
		Msg("preload finished")
	return report
}
