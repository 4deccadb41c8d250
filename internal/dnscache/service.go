// Package dnscache is the parent-resident shared DNS resolver: a TTL cache
// with insertion-order eviction, an SSRF filter, per-TTL-window statistics
// and the handler answering child IPC requests.
package dnscache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"analysisd/internal/dnsipc"
	"analysisd/pkg/logger"
	"analysisd/pkg/metrics"
)

// LookupResult is the cached payload for single-address lookups.
type LookupResult struct {
	Address string `json:"address"`
	Family  int    `json:"family"`
}

type entry struct {
	lookup     *LookupResult // set for lookup keys
	addresses  []string      // set for resolve4/resolve6 keys
	insertedAt time.Time
	source     string // lookup, resolve4, resolve6
}

// Stats accumulates counters within the current TTL window.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Errors    int64 `json:"errors"`
	Evictions int64 `json:"evictions"`
}

// EntrySnapshot is the admin view of one cache entry.
type EntrySnapshot struct {
	Key          string `json:"key"`
	Source       string `json:"source"`
	Age          int64  `json:"age"`          // ms
	RemainingTTL int64  `json:"remainingTTL"` // ms, negative when expired
	Expired      bool   `json:"expired"`
	Value        any    `json:"value"`
}

// Service owns the cache. All mutation is serialized behind its mutex; the
// statistics move together with the cache under the same lock.
type Service struct {
	mu           sync.Mutex
	entries      map[string]*entry
	order        []string // insertion order, oldest first
	enabled      bool
	ttl          time.Duration
	maxEntries   int
	allowPrivate bool

	stats          Stats
	ttlPeriodStart time.Time

	upstream   Upstream
	configPath string
}

// Options configures a new Service.
type Options struct {
	Enabled      bool
	TTL          time.Duration
	MaxEntries   int
	AllowPrivate bool
	ConfigPath   string
	Upstream     Upstream
}

// New creates the resolver service. A config file at ConfigPath, when
// present, overrides Enabled/TTL/MaxEntries.
func New(opts Options) *Service {
	if opts.Upstream == nil {
		opts.Upstream = NewOSResolver()
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}

	s := &Service{
		entries:        make(map[string]*entry),
		enabled:        opts.Enabled,
		ttl:            opts.TTL,
		maxEntries:     opts.MaxEntries,
		allowPrivate:   opts.AllowPrivate,
		ttlPeriodStart: time.Now(),
		upstream:       opts.Upstream,
		configPath:     opts.ConfigPath,
	}
	s.loadConfigFile()
	return s
}

// cache keys
func lookupKey(hostname string, family int) string {
	return fmt.Sprintf("%s:%d", hostname, family)
}

func resolveKey(source, hostname string) string {
	return source + ":" + hostname
}

// getFromCache returns the entry for key if present and fresh. Expired
// entries are deleted and reported as a miss. Callers hold the mutex.
func (s *Service) getFromCache(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if time.Since(e.insertedAt) >= s.ttl {
		s.deleteLocked(key)
		return nil
	}
	return e
}

// addToCache inserts, evicting the earliest insertion at capacity. Reads
// do not refresh insertion order. Callers hold the mutex.
func (s *Service) addToCache(key string, e *entry) {
	if _, exists := s.entries[key]; exists {
		s.removeFromOrder(key)
	} else if len(s.entries) >= s.maxEntries {
		if len(s.order) > 0 {
			oldest := s.order[0]
			s.deleteLocked(oldest)
			s.stats.Evictions++
		}
	}
	e.insertedAt = time.Now()
	s.entries[key] = e
	s.order = append(s.order, key)
	if m := metrics.Get(); m != nil {
		m.DNSCacheSize.Set(float64(len(s.entries)))
	}
}

func (s *Service) deleteLocked(key string) {
	delete(s.entries, key)
	s.removeFromOrder(key)
	if m := metrics.Get(); m != nil {
		m.DNSCacheSize.Set(float64(len(s.entries)))
	}
}

func (s *Service) removeFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// checkAndResetTTLPeriod starts a fresh statistics window when the current
// one has aged past the TTL. Callers hold the mutex.
func (s *Service) checkAndResetTTLPeriod() {
	if s.ttl <= 0 {
		return
	}
	if time.Since(s.ttlPeriodStart) >= s.ttl {
		s.stats = Stats{}
		s.ttlPeriodStart = time.Now()
	}
}

// Handle implements dnsipc.Handler: the parent side of every child request.
func (s *Service) Handle(ctx context.Context, req *dnsipc.Request) *dnsipc.Response {
	switch req.Type {
	case dnsipc.TypeLookupRequest:
		family := 0
		if req.Options != nil {
			family = req.Options.Family
		}
		return s.handleLookup(ctx, req, family)
	case dnsipc.TypeResolve4Request:
		return s.handleResolve(ctx, req, "resolve4")
	case dnsipc.TypeResolve6Request:
		return s.handleResolve(ctx, req, "resolve6")
	default:
		return dnsipc.Failure(req, "unsupported request")
	}
}

func (s *Service) handleLookup(ctx context.Context, req *dnsipc.Request, family int) *dnsipc.Response {
	if err := s.precheck(req.Hostname); err != nil {
		return dnsipc.Failure(req, err.Error())
	}

	key := lookupKey(req.Hostname, family)
	if res := s.cachedLookup(key); res != nil {
		return &dnsipc.Response{Success: true, Address: res.Address, Family: res.Family}
	}

	address, respFamily, err := s.upstream.Lookup(ctx, req.Hostname, family)
	if err != nil {
		s.countError()
		return dnsipc.Failure(req, err.Error())
	}
	if err := s.ValidateResolvedAddress(address); err != nil {
		s.countError()
		return dnsipc.Failure(req, err.Error())
	}

	result := &LookupResult{Address: address, Family: respFamily}
	s.store(key, &entry{lookup: result, source: "lookup"})
	return &dnsipc.Response{Success: true, Address: address, Family: respFamily}
}

func (s *Service) handleResolve(ctx context.Context, req *dnsipc.Request, source string) *dnsipc.Response {
	if err := s.precheck(req.Hostname); err != nil {
		return dnsipc.Failure(req, err.Error())
	}

	key := resolveKey(source, req.Hostname)
	if addrs := s.cachedAddresses(key); addrs != nil {
		return &dnsipc.Response{Success: true, Addresses: addrs}
	}

	var addresses []string
	var err error
	if source == "resolve4" {
		addresses, err = s.upstream.Resolve4(ctx, req.Hostname)
	} else {
		addresses, err = s.upstream.Resolve6(ctx, req.Hostname)
	}
	if err != nil {
		s.countError()
		return dnsipc.Failure(req, err.Error())
	}
	for _, addr := range addresses {
		if err := s.ValidateResolvedAddress(addr); err != nil {
			s.countError()
			return dnsipc.Failure(req, err.Error())
		}
	}

	s.store(key, &entry{addresses: addresses, source: source})
	return &dnsipc.Response{Success: true, Addresses: addresses}
}

// precheck runs the TTL-window roll and the hostname policy, counting a
// policy rejection as an error.
func (s *Service) precheck(hostname string) error {
	s.mu.Lock()
	s.checkAndResetTTLPeriod()
	s.mu.Unlock()

	if err := s.ValidateHostname(hostname); err != nil {
		s.countError()
		if m := metrics.Get(); m != nil {
			m.DNSRequestsTotal.WithLabelValues("blocked").Inc()
		}
		return err
	}
	return nil
}

func (s *Service) cachedLookup(key string) *LookupResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	if e := s.getFromCache(key); e != nil && e.lookup != nil {
		s.stats.Hits++
		if m := metrics.Get(); m != nil {
			m.DNSRequestsTotal.WithLabelValues("hit").Inc()
		}
		return e.lookup
	}
	s.stats.Misses++
	if m := metrics.Get(); m != nil {
		m.DNSRequestsTotal.WithLabelValues("miss").Inc()
	}
	return nil
}

func (s *Service) cachedAddresses(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	if e := s.getFromCache(key); e != nil && e.addresses != nil {
		s.stats.Hits++
		if m := metrics.Get(); m != nil {
			m.DNSRequestsTotal.WithLabelValues("hit").Inc()
		}
		return e.addresses
	}
	s.stats.Misses++
	if m := metrics.Get(); m != nil {
		m.DNSRequestsTotal.WithLabelValues("miss").Inc()
	}
	return nil
}

// store caches a successful resolution. Failures are never cached.
func (s *Service) store(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.addToCache(key, e)
}

func (s *Service) countError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.DNSRequestsTotal.WithLabelValues("error").Inc()
	}
}

// ClearCache empties the cache and returns how many entries were removed.
func (s *Service) ClearCache() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*entry)
	s.order = nil
	if m := metrics.Get(); m != nil {
		m.DNSCacheSize.Set(0)
	}
	logger.Info("DNS cache cleared", "entries", n)
	return n
}

// CacheEntries returns an admin snapshot sorted newest first.
func (s *Service) CacheEntries() []EntrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snaps := make([]EntrySnapshot, 0, len(s.entries))
	for key, e := range s.entries {
		age := now.Sub(e.insertedAt)
		remaining := s.ttl - age
		var value any
		if e.lookup != nil {
			value = e.lookup
		} else {
			value = e.addresses
		}
		snaps = append(snaps, EntrySnapshot{
			Key:          key,
			Source:       e.source,
			Age:          age.Milliseconds(),
			RemainingTTL: remaining.Milliseconds(),
			Expired:      remaining <= 0,
			Value:        value,
		})
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Age < snaps[j].Age
	})
	return snaps
}

// StatsSnapshot is the admin statistics view.
type StatsSnapshot struct {
	Stats
	HitRate        float64 `json:"hitRate"` // percent, two decimals
	CacheSize      int     `json:"cacheSize"`
	TTLPeriodStart int64   `json:"ttlPeriodStart"` // unix ms
}

// StatsView returns the counters for the current TTL window.
func (s *Service) StatsView() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkAndResetTTLPeriod()

	var hitRate float64
	total := s.stats.Hits + s.stats.Misses
	if total > 0 {
		hitRate = math.Round(float64(s.stats.Hits)/float64(total)*100*100) / 100
	}
	return StatsSnapshot{
		Stats:          s.stats,
		HitRate:        hitRate,
		CacheSize:      len(s.entries),
		TTLPeriodStart: s.ttlPeriodStart.UnixMilli(),
	}
}

// HitRate returns the windowed hit rate in percent.
func (s *Service) HitRate() float64 {
	return s.StatsView().HitRate
}

// Size returns the number of cached entries.
func (s *Service) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
