package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sua-org/cam-counter/internal/core"
)

type channelKey struct {
	deviceID string
	no       int
}

type rollupKey struct {
	granularity core.Granularity
	deviceID    string
	no          int
	bucket      int64
}

func toRollupKey(k core.RollupKey) rollupKey {
	return rollupKey{k.Granularity, k.DeviceID, k.ChannelNo, k.BucketStart.UTC().Unix()}
}

// Memory é o store em memória usado nos testes e em modo sem disco.
// Um único mutex garante a atomicidade dos upserts.
type Memory struct {
	mu         sync.Mutex
	devices    map[string]*core.Device // por IP
	channels   map[channelKey]*core.Channel
	people     []core.PeopleCountEvent
	faces      []core.FaceEvent
	attributes map[string][]core.FaceAttribute
	rollups    map[rollupKey]*core.RollupBucket
	closed     bool
}

func NewMemory() *Memory {
	return &Memory{
		devices:    make(map[string]*core.Device),
		channels:   make(map[channelKey]*core.Channel),
		attributes: make(map[string][]core.FaceAttribute),
		rollups:    make(map[rollupKey]*core.RollupBucket),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (m *Memory) TouchDevice(ctx context.Context, ip string, at time.Time) (core.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return core.Device{}, err
	}
	d, ok := m.devices[ip]
	if !ok {
		d = &core.Device{ID: uuid.NewString(), IP: ip, Kind: core.DeviceKindCamera, CreatedAt: at}
		m.devices[ip] = d
	}
	d.UpdatedAt = at
	return *d, nil
}

func (m *Memory) EnsureChannel(ctx context.Context, deviceID string, no int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	k := channelKey{deviceID, no}
	if _, ok := m.channels[k]; ok {
		return nil
	}
	name := DefaultChannelName(no)
	m.channels[k] = &core.Channel{DeviceID: deviceID, No: no, Name: &name, Features: []string{}, UpdatedAt: at}
	return nil
}

func (m *Memory) UpsertDevice(ctx context.Context, reg core.DeviceRegistration, at time.Time) (core.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return core.Device{}, err
	}
	d, ok := m.devices[reg.IP]
	if !ok {
		d = &core.Device{ID: uuid.NewString(), IP: reg.IP, CreatedAt: at}
		m.devices[reg.IP] = d
	}
	d.Name = copyStr(reg.Name)
	d.Kind = reg.Kind
	if reg.Username != "" || reg.PasswordCiphertext != "" {
		d.Username = reg.Username
		d.PasswordCiphertext = reg.PasswordCiphertext
	}
	d.UpdatedAt = at
	return *d, nil
}

func (m *Memory) UpsertChannelCapabilities(ctx context.Context, deviceID string, caps core.ChannelCapabilities, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	k := channelKey{deviceID, caps.No}
	ch, ok := m.channels[k]
	if !ok {
		name := caps.Name
		if name == "" {
			name = DefaultChannelName(caps.No)
		}
		ch = &core.Channel{DeviceID: deviceID, No: caps.No, Name: &name}
		m.channels[k] = ch
	}
	ch.Features = append([]string{}, caps.Features...)
	ch.Capabilities = append([]byte(nil), caps.Capabilities...)
	ch.UpdatedAt = at
	return nil
}

func (m *Memory) UpdateChannel(ctx context.Context, deviceID string, no int, patch core.ChannelPatch, at time.Time) (core.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return core.Channel{}, err
	}
	ch, ok := m.channels[channelKey{deviceID, no}]
	if !ok {
		return core.Channel{}, ErrNotFound
	}
	if patch.Name.Present {
		ch.Name = copyStr(patch.Name.Value)
	}
	if patch.Zone.Present {
		ch.Zone = copyStr(patch.Zone.Value)
	}
	ch.UpdatedAt = at
	return cloneChannel(ch), nil
}

func (m *Memory) DeviceByIP(ctx context.Context, ip string) (core.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return core.Device{}, err
	}
	d, ok := m.devices[ip]
	if !ok {
		return core.Device{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) Devices(ctx context.Context) ([]DeviceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for k := range m.channels {
		counts[k.deviceID]++
	}
	out := make([]DeviceSummary, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, DeviceSummary{Device: *d, ChannelsTotal: counts[d.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) Channels(ctx context.Context, deviceID string) ([]core.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []core.Channel
	for k, ch := range m.channels {
		if k.deviceID == deviceID {
			out = append(out, cloneChannel(ch))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })
	return out, nil
}

func (m *Memory) ChannelsByZone(ctx context.Context, zone string) ([]core.ZoneChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	ips := make(map[string]string, len(m.devices))
	for ip, d := range m.devices {
		ips[d.ID] = ip
	}
	var out []core.ZoneChannel
	for _, ch := range m.channels {
		if ch.Zone != nil && *ch.Zone == zone {
			out = append(out, core.ZoneChannel{Channel: cloneChannel(ch), IP: ips[ch.DeviceID]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].No < out[j].No
	})
	return out, nil
}

func (m *Memory) InsertPeopleCounts(ctx context.Context, evs []core.PeopleCountEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	seen := make(map[string]bool, len(m.people)+len(evs))
	for _, ev := range m.people {
		seen[ev.ID] = true
	}
	for _, ev := range evs {
		if seen[ev.ID] {
			return fmt.Errorf("people count %s: %w", ev.ID, ErrDuplicate)
		}
		seen[ev.ID] = true
	}
	m.people = append(m.people, evs...)
	return nil
}

func (m *Memory) InsertFaceEvent(ctx context.Context, ev core.FaceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.faces = append(m.faces, ev)
	return nil
}

func (m *Memory) InsertFaceAttribute(ctx context.Context, attr core.FaceAttribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.attributes[attr.FaceEventID] = append(m.attributes[attr.FaceEventID], attr)
	return nil
}

func (m *Memory) ScanEvents(ctx context.Context, fn func(core.LoggedEvent) error) error {
	m.mu.Lock()
	events := make([]core.LoggedEvent, 0, len(m.people)+len(m.faces))
	for i := range m.people {
		ev := m.people[i]
		events = append(events, core.LoggedEvent{People: &ev})
	}
	for i := range m.faces {
		ev := m.faces[i]
		attrs := append([]core.FaceAttribute(nil), m.attributes[ev.ID]...)
		events = append(events, core.LoggedEvent{Face: &ev, Attributes: attrs})
	}
	m.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool {
		return loggedTime(events[i]).Before(loggedTime(events[j]))
	})
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func loggedTime(ev core.LoggedEvent) time.Time {
	if ev.People != nil {
		return ev.People.EventTime
	}
	return ev.Face.EventTime
}

func (m *Memory) AddRollups(ctx context.Context, keys []core.RollupKey, c core.Counters, lastEventAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	// valida tudo antes de tocar em qualquer bucket
	for _, key := range keys {
		if key.Granularity != core.GranularityHour && key.Granularity != core.GranularityDay {
			return fmt.Errorf("rollup granularity %q inválida", key.Granularity)
		}
		if key.DeviceID == "" {
			return fmt.Errorf("rollup sem device_id")
		}
	}
	for _, key := range keys {
		k := toRollupKey(key)
		b, ok := m.rollups[k]
		if !ok {
			key.BucketStart = key.BucketStart.UTC()
			b = &core.RollupBucket{RollupKey: key}
			m.rollups[k] = b
		}
		b.Counters.Add(c)
		if lastEventAt.After(b.LastEventAt) {
			b.LastEventAt = lastEventAt.UTC()
		}
	}
	return nil
}

func (m *Memory) DeleteRollups(ctx context.Context, deviceID string, channelNo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	for k := range m.rollups {
		if k.deviceID == deviceID && k.no == channelNo {
			delete(m.rollups, k)
		}
	}
	return nil
}

func (m *Memory) ClearRollups(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.rollups = make(map[rollupKey]*core.RollupBucket)
	return nil
}

func (m *Memory) QueryRollups(ctx context.Context, q RollupQuery) ([]core.RollupBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []core.RollupBucket
	for _, b := range m.rollups {
		if q.Match(*b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].ChannelNo < out[j].ChannelNo
	})
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// EventCounts devolve quantas linhas de cada tipo estão no log (testes).
func (m *Memory) EventCounts() (people, faces, attributes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attributes {
		attributes += len(a)
	}
	return len(m.people), len(m.faces), attributes
}

func DefaultChannelName(no int) string {
	return fmt.Sprintf("Channel %d", no)
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneChannel(ch *core.Channel) core.Channel {
	c := *ch
	c.Name = copyStr(ch.Name)
	c.Zone = copyStr(ch.Zone)
	c.Features = append([]string{}, ch.Features...)
	c.Capabilities = append([]byte(nil), ch.Capabilities...)
	return c
}
