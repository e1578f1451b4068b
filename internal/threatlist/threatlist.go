// Package threatlist holds the known-malicious and trusted domain sets. Readers
// always see one complete, immutable snapshot; refreshes build a new snapshot
// and swap the pointer.
package threatlist

import (
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Status is the result of looking a host up in a snapshot.
type Status struct {
	Malicious bool
	Trusted   bool
	Match     string // list entry that matched
}

// Snapshot is an immutable pair of domain sets.
type Snapshot struct {
	malicious map[string]struct{}
	trusted   map[string]struct{}
	LoadedAt  time.Time
}

// NewSnapshot normalises the entries and builds a snapshot.
func NewSnapshot(malicious, trusted []string) *Snapshot {
	return &Snapshot{
		malicious: toSet(malicious),
		trusted:   toSet(trusted),
		LoadedAt:  time.Now(),
	}
}

func toSet(domains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		if d = Normalize(d); d != "" {
			set[d] = struct{}{}
		}
	}
	return set
}

// Normalize lowercases a domain and strips wildcard, dot and port decoration.
func Normalize(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "*.")
	d = strings.Trim(d, ".")
	if strings.Count(d, ":") == 1 {
		d = d[:strings.IndexByte(d, ':')]
	}
	return d
}

// Len returns the size of both sets.
func (s *Snapshot) Len() (malicious, trusted int) {
	return len(s.malicious), len(s.trusted)
}

// Lookup matches host and each parent domain down to the registrable domain.
// A malicious match wins over a trusted one.
func (s *Snapshot) Lookup(host string) Status {
	host = Normalize(host)
	if host == "" {
		return Status{}
	}

	var st Status
	for _, candidate := range candidates(host) {
		if _, ok := s.malicious[candidate]; ok {
			return Status{Malicious: true, Match: candidate}
		}
		if _, ok := s.trusted[candidate]; ok && !st.Trusted {
			st = Status{Trusted: true, Match: candidate}
		}
	}
	return st
}

// candidates lists host followed by its parents, stopping at the public
// suffix so that "co.uk" can never act as a wildcard.
func candidates(host string) []string {
	out := []string{host}
	suffix, _ := publicsuffix.PublicSuffix(host)
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return out
		}
		host = host[i+1:]
		if host == suffix || host == "" {
			return out
		}
		out = append(out, host)
	}
}

// List publishes the current snapshot to concurrent readers.
type List struct {
	cur atomic.Pointer[Snapshot]
}

// NewList returns a list that starts with initial, or an empty snapshot.
func NewList(initial *Snapshot) *List {
	l := &List{}
	if initial == nil {
		initial = NewSnapshot(nil, nil)
	}
	l.cur.Store(initial)
	return l
}

// Snapshot returns the current snapshot. It is never nil.
func (l *List) Snapshot() *Snapshot {
	return l.cur.Load()
}

// Replace swaps in s.
func (l *List) Replace(s *Snapshot) {
	l.cur.Store(s)
}

// Lookup is shorthand for l.Snapshot().Lookup(host).
func (l *List) Lookup(host string) Status {
	return l.Snapshot().Lookup(host)
}
