// Package sim is an in-process EtherCAT bus: slaves with fixed PDO entries,
// a domain laid out in registration order and a frame exchange that fills
// inputs from a waveform and loops digital outputs back to digital inputs.
package sim

import (
	"fmt"
	"math"
	"sync"

	"github.com/KevinKickass/ecatmaster/internal/devices"
	"github.com/KevinKickass/ecatmaster/internal/fieldbus"
	"github.com/KevinKickass/ecatmaster/internal/image"
	"github.com/KevinKickass/ecatmaster/internal/types"
)

type Entry struct {
	Index    uint16
	SubIndex uint8
	Kind     types.ChannelKind
}

type Slave struct {
	Identity types.SlaveIdentity
	Entries  []Entry
}

type Config struct {
	// Masters is the number of master indexes that can be acquired.
	Masters int
	Slaves  []Slave

	AnalogBase      int32
	AnalogAmplitude int32
	// AnalogPeriod is the waveform period in cycles; 0 keeps analog
	// inputs at AnalogBase.
	AnalogPeriod int
	// IncompleteEvery makes every Nth processed frame come back with a
	// short working counter; 0 disables.
	IncompleteEvery int
}

// SlavesFromMap builds a bus that matches a device map exactly.
func SlavesFromMap(m *devices.DeviceMap) []Slave {
	slaves := make([]Slave, 0, len(m.Slaves))
	for _, s := range m.Slaves {
		slave := Slave{Identity: s.Identity()}
		for _, ch := range s.Channels {
			slave.Entries = append(slave.Entries, Entry{Index: ch.Index, SubIndex: ch.SubIndex, Kind: ch.Kind})
		}
		slaves = append(slaves, slave)
	}
	return slaves
}

type Transport struct {
	cfg Config

	mu       sync.Mutex
	acquired map[int]*Master
}

func NewTransport(cfg Config) *Transport {
	if cfg.Masters == 0 {
		cfg.Masters = 1
	}
	return &Transport{
		cfg:      cfg,
		acquired: make(map[int]*Master),
	}
}

func (t *Transport) AcquireMaster(index int) (fieldbus.Master, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= t.cfg.Masters {
		return nil, fmt.Errorf("master %d: no such master", index)
	}
	if _, busy := t.acquired[index]; busy {
		return nil, fmt.Errorf("master %d: already in use", index)
	}

	m := newMaster(t, index)
	t.acquired[index] = m
	return m, nil
}

func (t *Transport) release(index int) {
	t.mu.Lock()
	delete(t.acquired, index)
	t.mu.Unlock()
}

type entryKey struct {
	alias, position uint16
	index           uint16
	subIndex        uint8
}

type registration struct {
	key    entryKey
	kind   types.ChannelKind
	offset uint32
	slot   int // order among analog inputs, for waveform phase
}

type slaveConfig struct {
	id types.SlaveIdentity
}

func (s *slaveConfig) Identity() types.SlaveIdentity { return s.id }

type Master struct {
	transport *Transport
	index     int

	mu         sync.Mutex
	domains    []*Domain
	configured map[[2]uint16]*slaveConfig
	activated  bool
	released   bool
	frames     uint64
	sent       map[entryKey]uint8
	overrides  map[entryKey]int32
}

func newMaster(t *Transport, index int) *Master {
	return &Master{
		transport:  t,
		index:      index,
		configured: make(map[[2]uint16]*slaveConfig),
		sent:       make(map[entryKey]uint8),
		overrides:  make(map[entryKey]int32),
	}
}

func (m *Master) CreateDomain() (fieldbus.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil, fieldbus.ErrReleased
	}
	if m.activated {
		return nil, fieldbus.ErrAlreadyActivated
	}

	d := &Domain{master: m}
	m.domains = append(m.domains, d)
	return d, nil
}

func (m *Master) ConfigureSlave(id types.SlaveIdentity) (fieldbus.SlaveConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil, fieldbus.ErrReleased
	}

	slave, ok := m.findSlave(id.Alias, id.Position)
	if !ok {
		return nil, fmt.Errorf("%w at %d:%d", fieldbus.ErrSlaveNotFound, id.Alias, id.Position)
	}
	if slave.Identity.VendorID != id.VendorID || slave.Identity.ProductCode != id.ProductCode {
		return nil, fmt.Errorf("%w at %d:%d: expected 0x%08x/0x%08x, found 0x%08x/0x%08x",
			fieldbus.ErrIdentityMismatch, id.Alias, id.Position,
			id.VendorID, id.ProductCode, slave.Identity.VendorID, slave.Identity.ProductCode)
	}

	sc := &slaveConfig{id: id}
	m.configured[id.Address()] = sc
	return sc, nil
}

func (m *Master) findSlave(alias, position uint16) (Slave, bool) {
	for _, s := range m.transport.cfg.Slaves {
		if s.Identity.Alias == alias && s.Identity.Position == position {
			return s, true
		}
	}
	return Slave{}, false
}

func (m *Master) Activate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return fieldbus.ErrReleased
	}
	if m.activated {
		return fieldbus.ErrAlreadyActivated
	}

	for _, d := range m.domains {
		d.data = make([]byte, d.size)
	}
	m.activated = true
	return nil
}

func (m *Master) Receive() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activated {
		return fieldbus.ErrNotActivated
	}

	for _, d := range m.domains {
		d.fill(m.frames)
		d.received = true
	}
	return nil
}

func (m *Master) Send() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activated {
		return fieldbus.ErrNotActivated
	}

	for _, d := range m.domains {
		if !d.queued {
			continue
		}
		for _, r := range d.regs {
			if r.kind.IsOutput() {
				m.sent[r.key] = image.ReadU8(d.data, r.offset)
			}
		}
		d.queued = false
	}
	m.frames++
	return nil
}

func (m *Master) Deactivate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activated {
		return nil
	}
	for _, d := range m.domains {
		d.data = nil
	}
	m.activated = false
	return nil
}

func (m *Master) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	m.activated = false
	m.mu.Unlock()

	m.transport.release(m.index)
	return nil
}

// SetAnalog pins an analog input entry to a fixed value.
func (m *Master) SetAnalog(id types.SlaveIdentity, index uint16, subIndex uint8, value int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[entryKey{id.Alias, id.Position, index, subIndex}] = value
}

// SentOutput returns the last output byte transmitted for an entry.
func (m *Master) SentOutput(id types.SlaveIdentity, index uint16, subIndex uint8) (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.sent[entryKey{id.Alias, id.Position, index, subIndex}]
	return v, ok
}

// Frames returns the number of frames sent.
func (m *Master) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

func (m *Master) Activated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activated
}

type Domain struct {
	master *Master

	regs      []registration
	size      uint32
	data      []byte
	received  bool
	queued    bool
	processed uint64
}

func (d *Domain) RegisterEntries(mappings []types.ChannelMapping) ([]uint32, error) {
	m := d.master
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activated {
		return nil, fieldbus.ErrAlreadyActivated
	}

	seen := make(map[entryKey]bool, len(d.regs)+len(mappings))
	analogSlots := 0
	for _, r := range d.regs {
		seen[r.key] = true
		if r.kind == types.ChannelAnalogInput {
			analogSlots++
		}
	}

	size := d.size
	pending := make([]registration, 0, len(mappings))
	offsets := make([]uint32, 0, len(mappings))

	for _, mapping := range mappings {
		id := mapping.Slave
		if _, ok := m.configured[id.Address()]; !ok {
			return nil, &fieldbus.EntryError{Mapping: mapping, Err: fmt.Errorf("%w: not configured", fieldbus.ErrSlaveNotFound)}
		}

		slave, _ := m.findSlave(id.Alias, id.Position)
		if !slave.hasEntry(mapping.Index, mapping.SubIndex, mapping.Kind) {
			return nil, &fieldbus.EntryError{Mapping: mapping, Err: fieldbus.ErrUnknownEntry}
		}

		key := entryKey{id.Alias, id.Position, mapping.Index, mapping.SubIndex}
		if seen[key] {
			return nil, &fieldbus.EntryError{Mapping: mapping, Err: fieldbus.ErrOffsetConflict}
		}
		seen[key] = true

		reg := registration{key: key, kind: mapping.Kind, offset: size}
		if mapping.Kind == types.ChannelAnalogInput {
			reg.slot = analogSlots
			analogSlots++
		}
		pending = append(pending, reg)
		offsets = append(offsets, size)
		size += mapping.Kind.Width()
	}

	d.regs = append(d.regs, pending...)
	d.size = size
	return offsets, nil
}

func (d *Domain) Data() ([]byte, error) {
	d.master.mu.Lock()
	defer d.master.mu.Unlock()

	if !d.master.activated || d.data == nil {
		return nil, fieldbus.ErrNotActivated
	}
	return d.data, nil
}

func (d *Domain) Process() (fieldbus.DomainState, error) {
	m := d.master
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activated {
		return fieldbus.DomainState{}, fieldbus.ErrNotActivated
	}

	expected := d.expectedWorkingCounter()
	state := fieldbus.DomainState{ExpectedWorkingCounter: expected}
	d.processed++

	switch {
	case !d.received:
		state.WorkingCounter = 0
	case m.transport.cfg.IncompleteEvery > 0 && d.processed%uint64(m.transport.cfg.IncompleteEvery) == 0 && expected > 0:
		state.WorkingCounter = expected - 1
	default:
		state.WorkingCounter = expected
	}
	d.received = false
	return state, nil
}

func (d *Domain) Queue() error {
	d.master.mu.Lock()
	defer d.master.mu.Unlock()

	if !d.master.activated {
		return fieldbus.ErrNotActivated
	}
	d.queued = true
	return nil
}

// expectedWorkingCounter follows the logical read/write convention: a slave
// that is read adds one, a slave that is written adds two.
func (d *Domain) expectedWorkingCounter() uint16 {
	reads := make(map[[2]uint16]bool)
	writes := make(map[[2]uint16]bool)
	for _, r := range d.regs {
		addr := [2]uint16{r.key.alias, r.key.position}
		if r.kind.IsOutput() {
			writes[addr] = true
		} else {
			reads[addr] = true
		}
	}
	return uint16(len(reads) + 2*len(writes))
}

// fill writes this frame's input values into the image. Caller holds the
// master lock.
func (d *Domain) fill(frame uint64) {
	m := d.master
	cfg := m.transport.cfg

	for _, r := range d.regs {
		switch r.kind {
		case types.ChannelAnalogInput:
			value, pinned := m.overrides[r.key]
			if !pinned {
				value = waveform(cfg, frame, r.slot)
			}
			image.WriteS32(d.data, r.offset, value)

		case types.ChannelDigitalInput:
			image.WriteU8(d.data, r.offset, m.loopback(r.key))
		}
	}
}

// loopback returns the last output byte sent to the same slave, so digital
// inputs follow the commanded outputs one cycle later.
func (m *Master) loopback(input entryKey) uint8 {
	for key, v := range m.sent {
		if key.alias == input.alias && key.position == input.position {
			return v
		}
	}
	return 0
}

func waveform(cfg Config, frame uint64, slot int) int32 {
	if cfg.AnalogPeriod <= 0 || cfg.AnalogAmplitude == 0 {
		return cfg.AnalogBase
	}
	phase := 2 * math.Pi * (float64(frame%uint64(cfg.AnalogPeriod)) / float64(cfg.AnalogPeriod))
	phase += float64(slot) * math.Pi / 2
	return cfg.AnalogBase + int32(math.Round(float64(cfg.AnalogAmplitude)*math.Sin(phase)))
}

func (s Slave) hasEntry(index uint16, subIndex uint8, kind types.ChannelKind) bool {
	for _, e := range s.Entries {
		if e.Index == index && e.SubIndex == subIndex && e.Kind == kind {
			return true
		}
	}
	return false
}
