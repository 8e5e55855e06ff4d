package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KevinKickass/ecatmaster/internal/types"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

func newTestLoader(t *testing.T, paths ...string) *Loader {
	t.Helper()
	l, err := NewLoader(paths, zap.NewNop())
	assert.NilError(t, err)
	return l
}

func TestLoadBuiltinAnalog(t *testing.T) {
	m, err := newTestLoader(t).Load("analog")
	assert.NilError(t, err)

	assert.Equal(t, len(m.Slaves), 1)
	id := m.Slaves[0].Identity()
	assert.Equal(t, id, types.SlaveIdentity{Alias: 0, Position: 0, VendorID: 0x0000066b, ProductCode: 0x0ea0c252})

	mappings := m.Mappings()
	assert.Equal(t, len(mappings), 4)
	for i, index := range []uint16{0x6020, 0x6030, 0x6040, 0x6050} {
		assert.Equal(t, mappings[i].Index, index)
		assert.Equal(t, mappings[i].SubIndex, uint8(0x11))
		assert.Equal(t, mappings[i].Kind, types.ChannelAnalogInput)
		_, resolved := mappings[i].Offset()
		assert.Assert(t, !resolved)
	}
}

func TestLoadBuiltinAnalogDigitalKeepsOrder(t *testing.T) {
	m, err := newTestLoader(t).Load("analog_digital")
	assert.NilError(t, err)

	var names []string
	for _, mapping := range m.Mappings() {
		names = append(names, mapping.Name)
	}
	assert.DeepEqual(t, names, []string{"ch1", "ch2", "ch3", "ch4", "di", "do"})
	assert.Equal(t, m.Slaves[1].Position, uint16(1))

	assert.DeepEqual(t, m.ChannelNames(types.ChannelAnalogInput), []string{"ch1", "ch2", "ch3", "ch4"})
	assert.DeepEqual(t, m.ChannelNames(types.ChannelDigitalOutput), []string{"do"})
}

func TestLoadFromSearchPathWinsOverBuiltin(t *testing.T) {
	dir := t.TempDir()
	doc := `
name: analog
slaves:
  - name: single
    alias: 0
    position: 3
    vendor_id: 2
    product_code: 0x0bbc3052
    channels:
      - { name: only, kind: analog_input, index: 0x6000, sub_index: 0x11 }
`
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "analog.yaml"), []byte(doc), 0o644))

	m, err := newTestLoader(t, dir).Load("analog")
	assert.NilError(t, err)
	assert.Equal(t, len(m.Mappings()), 1)
	assert.Equal(t, m.Slaves[0].Position, uint16(3))
}

func TestLoadCaches(t *testing.T) {
	l := newTestLoader(t)
	a, err := l.Load("analog")
	assert.NilError(t, err)
	b, err := l.Load("analog")
	assert.NilError(t, err)
	assert.Assert(t, a == b)
}

func TestLoadUnknown(t *testing.T) {
	_, err := newTestLoader(t).Load("no_such_map")
	assert.ErrorContains(t, err, "device map not found")
}

func TestParseRejectsSchemaViolation(t *testing.T) {
	doc := `
name: broken
slaves:
  - name: s
    alias: 0
    position: 0
    vendor_id: 1
    product_code: 1
    channels:
      - { name: x, kind: relay, index: 1, sub_index: 1 }
`
	_, err := newTestLoader(t).Parse([]byte(doc))
	assert.ErrorContains(t, err, "schema validation failed")
}

func TestValidate(t *testing.T) {
	slave := func(name string, pos uint16, channels ...ChannelConfig) SlaveConfig {
		return SlaveConfig{Name: name, Position: pos, VendorID: 1, ProductCode: 2, Channels: channels}
	}
	ai := func(name string, idx uint16) ChannelConfig {
		return ChannelConfig{Name: name, Kind: types.ChannelAnalogInput, Index: idx, SubIndex: 1}
	}

	cases := []struct {
		name string
		m    DeviceMap
		err  string
	}{
		{"ok", DeviceMap{Slaves: []SlaveConfig{slave("a", 0, ai("x", 1))}}, ""},
		{"no slaves", DeviceMap{}, "declares no slaves"},
		{"duplicate address", DeviceMap{Slaves: []SlaveConfig{slave("a", 0, ai("x", 1)), slave("b", 0, ai("y", 1))}}, "share alias"},
		{"duplicate channel", DeviceMap{Slaves: []SlaveConfig{slave("a", 0, ai("x", 1)), slave("b", 1, ai("x", 2))}}, "duplicate channel name"},
		{"duplicate entry", DeviceMap{Slaves: []SlaveConfig{slave("a", 0, ai("x", 1), ai("y", 1))}}, "map the same entry"},
		{"no channels", DeviceMap{Slaves: []SlaveConfig{slave("a", 0)}}, "declares no channels"},
		{"two digital inputs", DeviceMap{Slaves: []SlaveConfig{slave("a", 0,
			ChannelConfig{Name: "d1", Kind: types.ChannelDigitalInput, Index: 1, SubIndex: 1},
			ChannelConfig{Name: "d2", Kind: types.ChannelDigitalInput, Index: 2, SubIndex: 1})}}, "at most one digital input"},
	}

	for _, c := range cases {
		err := c.m.Validate()
		if c.err == "" {
			assert.NilError(t, err, c.name)
		} else {
			assert.ErrorContains(t, err, c.err, c.name)
		}
	}
}

func TestLayout(t *testing.T) {
	m, err := newTestLoader(t).Load("analog_digital")
	assert.NilError(t, err)

	mappings := m.Mappings()
	resolved := make([]types.ChannelMapping, len(mappings))
	offsets := []uint32{0, 4, 8, 12, 16, 17}
	for i := range mappings {
		resolved[i] = mappings[i].Resolve(offsets[i])
	}

	l, err := NewLayout(resolved)
	assert.NilError(t, err)
	assert.Equal(t, len(l.Analog()), 4)

	di, ok := l.DigitalInput()
	assert.Assert(t, ok)
	off, _ := di.Offset()
	assert.Equal(t, off, uint32(16))

	do, ok := l.DigitalOutput()
	assert.Assert(t, ok)
	off, _ = do.Offset()
	assert.Equal(t, off, uint32(17))

	assert.NilError(t, l.CheckBounds(18))
	assert.ErrorContains(t, l.CheckBounds(17), "exceeds image")
}

func TestLayoutRejectsUnresolved(t *testing.T) {
	m, err := newTestLoader(t).Load("analog")
	assert.NilError(t, err)

	_, err = NewLayout(m.Mappings())
	assert.ErrorContains(t, err, "no resolved offset")
}
