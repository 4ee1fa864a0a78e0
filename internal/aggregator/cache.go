package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/sua-org/cam-counter/internal/core"
)

type ChannelKey struct {
	DeviceID  string
	ChannelNo int
}

// CachedStats é a visão "ao vivo" de um canal no dia corrente (UTC).
type CachedStats struct {
	ChannelKey
	Day         time.Time
	Counters    core.Counters
	LastEventAt time.Time
}

// StatsCache guarda os contadores do dia por canal em memória. Ele é só um
// atalho para o painel ao vivo: os rollups duráveis continuam sendo a fonte.
type StatsCache interface {
	// Add soma no dia informado. Evento de um dia anterior ao da entrada é
	// ignorado; de um dia posterior, reinicia a entrada.
	Add(key ChannelKey, day time.Time, c core.Counters, lastEventAt time.Time)
	// Set substitui a entrada (usado no Reconcile).
	Set(entry CachedStats)
	Delete(key ChannelKey)
	Device(deviceID string) []CachedStats
	Len() int
	Clear()
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[ChannelKey]*CachedStats
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[ChannelKey]*CachedStats)}
}

var _ StatsCache = (*MemoryCache)(nil)

func (m *MemoryCache) Add(key ChannelKey, day time.Time, c core.Counters, lastEventAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	switch {
	case !ok || day.After(e.Day):
		e = &CachedStats{ChannelKey: key, Day: day}
		m.entries[key] = e
	case day.Before(e.Day):
		return
	}
	e.Counters.Add(c)
	if lastEventAt.After(e.LastEventAt) {
		e.LastEventAt = lastEventAt
	}
}

func (m *MemoryCache) Set(entry CachedStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry
	m.entries[entry.ChannelKey] = &e
}

func (m *MemoryCache) Delete(key ChannelKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *MemoryCache) Device(deviceID string) []CachedStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []CachedStats
	for k, e := range m.entries {
		if k.DeviceID == deviceID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelNo < out[j].ChannelNo })
	return out
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[ChannelKey]*CachedStats)
}
