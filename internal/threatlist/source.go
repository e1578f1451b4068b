package threatlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/linkguard/guardian/internal/metrics"
)

// Entries is the raw content contributed by one source.
type Entries struct {
	Malicious []string `json:"malicious"`
	Trusted   []string `json:"trusted"`
}

// Source produces list entries.
type Source interface {
	Name() string
	Load(ctx context.Context) (Entries, error)
}

// StaticSource serves fixed entries, typically from configuration.
type StaticSource struct {
	Entries Entries
}

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Load(context.Context) (Entries, error) {
	return s.Entries, nil
}

// FileSource reads a JSON document of the form
// {"malicious": ["..."], "trusted": ["..."]}.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Load(context.Context) (Entries, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return Entries{}, fmt.Errorf("threatlist: read %s: %w", s.Path, err)
	}
	var e Entries
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entries{}, fmt.Errorf("threatlist: parse %s: %w", s.Path, err)
	}
	return e, nil
}

// Redis set keys shared by every guardian instance.
const (
	KeyMalicious = "threatlist:malicious"
	KeyTrusted   = "threatlist:trusted"
)

// RedisSource reads two Redis sets so operators can update lists at runtime
// with SADD/SREM.
type RedisSource struct {
	Client       *redis.Client
	MaliciousKey string
	TrustedKey   string
}

// NewRedisSource uses the default keys.
func NewRedisSource(client *redis.Client) RedisSource {
	return RedisSource{Client: client, MaliciousKey: KeyMalicious, TrustedKey: KeyTrusted}
}

func (s RedisSource) Name() string { return "redis" }

func (s RedisSource) Load(ctx context.Context) (Entries, error) {
	malicious, err := s.Client.SMembers(ctx, s.MaliciousKey).Result()
	if err != nil {
		return Entries{}, fmt.Errorf("threatlist: smembers %s: %w", s.MaliciousKey, err)
	}
	trusted, err := s.Client.SMembers(ctx, s.TrustedKey).Result()
	if err != nil {
		return Entries{}, fmt.Errorf("threatlist: smembers %s: %w", s.TrustedKey, err)
	}
	return Entries{Malicious: malicious, Trusted: trusted}, nil
}

// Refresher rebuilds the list from its sources.
type Refresher struct {
	list    *List
	sources []Source

	mu sync.Mutex
	// last holds the most recent successful load of each source, by name.
	last map[string]Entries
}

// NewRefresher returns a refresher that publishes into list.
func NewRefresher(list *List, sources ...Source) *Refresher {
	return &Refresher{list: list, sources: sources, last: make(map[string]Entries)}
}

// Refresh loads every source and swaps in the merged snapshot. A source that
// fails contributes its last good entries instead. The error names the
// failing sources that have never loaded; the snapshot is published anyway.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		malicious, trusted []string
		errs               []error
	)
	for _, src := range r.sources {
		name := src.Name()
		e, err := src.Load(ctx)
		if err != nil {
			prev, ok := r.last[name]
			if !ok {
				errs = append(errs, fmt.Errorf("threatlist: source %s: %w", name, err))
				continue
			}
			log.Warn().Err(err).Str("source", name).Msg("threatlist: source failed, using its last entries")
			e = prev
		} else {
			r.last[name] = e
		}
		malicious = append(malicious, e.Malicious...)
		trusted = append(trusted, e.Trusted...)
	}

	snap := NewSnapshot(malicious, trusted)
	r.list.Replace(snap)

	m, t := snap.Len()
	metrics.ThreatListSize.WithLabelValues("malicious").Set(float64(m))
	metrics.ThreatListSize.WithLabelValues("trusted").Set(float64(t))
	log.Debug().Int("malicious", m).Int("trusted", t).Msg("threatlist: snapshot refreshed")
	return errors.Join(errs...)
}

// Start refreshes on every tick until ctx is cancelled.
func (r *Refresher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("threatlist: refresh loop stopped")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("threatlist: refresh incomplete")
			}
		}
	}
}
