package sim

import (
	"errors"
	"testing"

	"github.com/KevinKickass/ecatmaster/internal/devices"
	"github.com/KevinKickass/ecatmaster/internal/fieldbus"
	"github.com/KevinKickass/ecatmaster/internal/image"
	"github.com/KevinKickass/ecatmaster/internal/types"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

func loadMap(t *testing.T, name string) *devices.DeviceMap {
	t.Helper()
	l, err := devices.NewLoader(nil, zap.NewNop())
	assert.NilError(t, err)
	m, err := l.Load(name)
	assert.NilError(t, err)
	return m
}

type bus struct {
	master *Master
	domain fieldbus.Domain
	offs   []uint32
	m      *devices.DeviceMap
}

func activate(t *testing.T, cfg Config, m *devices.DeviceMap) bus {
	t.Helper()
	cfg.Slaves = SlavesFromMap(m)
	fm, err := NewTransport(cfg).AcquireMaster(0)
	assert.NilError(t, err)
	master := fm.(*Master)

	domain, err := master.CreateDomain()
	assert.NilError(t, err)
	for _, id := range m.Identities() {
		_, err := master.ConfigureSlave(id)
		assert.NilError(t, err)
	}
	offs, err := domain.RegisterEntries(m.Mappings())
	assert.NilError(t, err)
	assert.NilError(t, master.Activate())
	return bus{master: master, domain: domain, offs: offs, m: m}
}

func TestLayoutInRegistrationOrder(t *testing.T) {
	b := activate(t, Config{}, loadMap(t, "analog_digital"))
	assert.DeepEqual(t, b.offs, []uint32{0, 4, 8, 12, 16, 17})

	data, err := b.domain.Data()
	assert.NilError(t, err)
	assert.Equal(t, len(data), 18)
}

func TestAcquireMaster(t *testing.T) {
	tr := NewTransport(Config{})
	_, err := tr.AcquireMaster(1)
	assert.ErrorContains(t, err, "no such master")

	m, err := tr.AcquireMaster(0)
	assert.NilError(t, err)
	_, err = tr.AcquireMaster(0)
	assert.ErrorContains(t, err, "already in use")

	assert.NilError(t, m.Release())
	_, err = tr.AcquireMaster(0)
	assert.NilError(t, err)
}

func TestConfigureSlaveIdentity(t *testing.T) {
	m := loadMap(t, "analog")
	fm, err := NewTransport(Config{Slaves: SlavesFromMap(m)}).AcquireMaster(0)
	assert.NilError(t, err)

	id := m.Slaves[0].Identity()
	_, err = fm.ConfigureSlave(id)
	assert.NilError(t, err)

	wrong := id
	wrong.ProductCode++
	_, err = fm.ConfigureSlave(wrong)
	assert.Assert(t, errors.Is(err, fieldbus.ErrIdentityMismatch))

	missing := id
	missing.Position = 9
	_, err = fm.ConfigureSlave(missing)
	assert.Assert(t, errors.Is(err, fieldbus.ErrSlaveNotFound))
}

func TestRegisterEntriesErrors(t *testing.T) {
	m := loadMap(t, "analog")
	fm, err := NewTransport(Config{Slaves: SlavesFromMap(m)}).AcquireMaster(0)
	assert.NilError(t, err)
	domain, err := fm.CreateDomain()
	assert.NilError(t, err)

	_, err = domain.RegisterEntries(m.Mappings())
	assert.Assert(t, errors.Is(err, fieldbus.ErrSlaveNotFound), "slave must be configured first")

	_, err = fm.ConfigureSlave(m.Slaves[0].Identity())
	assert.NilError(t, err)

	unknown := types.NewChannelMapping("x", m.Slaves[0].Identity(), 0x6099, 0x11, types.ChannelAnalogInput)
	_, err = domain.RegisterEntries([]types.ChannelMapping{unknown})
	assert.Assert(t, errors.Is(err, fieldbus.ErrUnknownEntry))

	dup := m.Mappings()[0]
	_, err = domain.RegisterEntries([]types.ChannelMapping{dup, dup})
	assert.Assert(t, errors.Is(err, fieldbus.ErrOffsetConflict))

	offs, err := domain.RegisterEntries(m.Mappings())
	assert.NilError(t, err, "failed registrations must not leave entries behind")
	assert.DeepEqual(t, offs, []uint32{0, 4, 8, 12})
}

func TestDataBeforeActivation(t *testing.T) {
	m := loadMap(t, "analog")
	fm, err := NewTransport(Config{Slaves: SlavesFromMap(m)}).AcquireMaster(0)
	assert.NilError(t, err)
	domain, err := fm.CreateDomain()
	assert.NilError(t, err)

	_, err = domain.Data()
	assert.Assert(t, errors.Is(err, fieldbus.ErrNotActivated))
	assert.Assert(t, errors.Is(fm.Receive(), fieldbus.ErrNotActivated))
}

func TestAnalogWaveformAndOverride(t *testing.T) {
	b := activate(t, Config{AnalogBase: 1000}, loadMap(t, "analog"))
	b.master.SetAnalog(b.m.Slaves[0].Identity(), 0x6030, 0x11, -1234)

	assert.NilError(t, b.master.Receive())
	data, _ := b.domain.Data()
	assert.Equal(t, image.ReadS32(data, b.offs[0]), int32(1000))
	assert.Equal(t, image.ReadS32(data, b.offs[1]), int32(-1234))
}

func TestWaveform(t *testing.T) {
	cfg := Config{AnalogBase: 1000, AnalogAmplitude: 100, AnalogPeriod: 4}
	assert.Equal(t, waveform(cfg, 0, 0), int32(1000))
	assert.Equal(t, waveform(cfg, 1, 0), int32(1100))
	assert.Equal(t, waveform(cfg, 3, 0), int32(900))
	assert.Equal(t, waveform(cfg, 0, 1), int32(1100))
}

func TestDigitalLoopback(t *testing.T) {
	b := activate(t, Config{}, loadMap(t, "analog_digital"))
	data, _ := b.domain.Data()
	dio := b.m.Slaves[1].Identity()

	image.WriteU8(data, b.offs[5], 0b10000101)
	assert.NilError(t, b.domain.Queue())
	assert.NilError(t, b.master.Send())

	sent, ok := b.master.SentOutput(dio, 0x7000, 0x01)
	assert.Assert(t, ok)
	assert.Equal(t, sent, uint8(0b10000101))

	assert.NilError(t, b.master.Receive())
	assert.Equal(t, image.ReadU8(data, b.offs[4]), uint8(0b10000101))
}

func TestProcessWorkingCounter(t *testing.T) {
	b := activate(t, Config{IncompleteEvery: 2}, loadMap(t, "analog_digital"))

	state, err := b.domain.Process()
	assert.NilError(t, err)
	assert.Equal(t, state.State(), fieldbus.WCZero, "nothing received yet")

	assert.NilError(t, b.master.Receive())
	state, err = b.domain.Process()
	assert.NilError(t, err)
	// analog slave read (1) + digital slave read and written (1+2)
	assert.Equal(t, state.ExpectedWorkingCounter, uint16(4))
	assert.Equal(t, state.State(), fieldbus.WCIncomplete)

	assert.NilError(t, b.master.Receive())
	state, err = b.domain.Process()
	assert.NilError(t, err)
	assert.Assert(t, state.Complete())
}

func TestDeactivateInvalidatesImage(t *testing.T) {
	b := activate(t, Config{}, loadMap(t, "analog"))
	assert.NilError(t, b.master.Deactivate())
	_, err := b.domain.Data()
	assert.Assert(t, errors.Is(err, fieldbus.ErrNotActivated))
	assert.NilError(t, b.master.Deactivate())
	assert.NilError(t, b.master.Release())
	assert.NilError(t, b.master.Release())
}
