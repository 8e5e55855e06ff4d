package types

import "fmt"

// SlaveIdentity addresses one physical device on the bus and names the
// vendor/product the transport must find there.
type SlaveIdentity struct {
	Alias       uint16 `json:"alias" yaml:"alias"`
	Position    uint16 `json:"position" yaml:"position"`
	VendorID    uint32 `json:"vendor_id" yaml:"vendor_id"`
	ProductCode uint32 `json:"product_code" yaml:"product_code"`
}

func (s SlaveIdentity) String() string {
	return fmt.Sprintf("%d:%d (0x%08x/0x%08x)", s.Alias, s.Position, s.VendorID, s.ProductCode)
}

// Address returns the (alias, position) pair that must be unique per bus.
func (s SlaveIdentity) Address() [2]uint16 {
	return [2]uint16{s.Alias, s.Position}
}

type ChannelKind string

const (
	ChannelAnalogInput   ChannelKind = "analog_input"
	ChannelDigitalInput  ChannelKind = "digital_input"
	ChannelDigitalOutput ChannelKind = "digital_output"
)

// Width is the number of process image bytes a channel of this kind occupies.
func (k ChannelKind) Width() uint32 {
	switch k {
	case ChannelAnalogInput:
		return 4
	case ChannelDigitalInput, ChannelDigitalOutput:
		return 1
	default:
		return 0
	}
}

func (k ChannelKind) Valid() bool {
	return k.Width() != 0
}

func (k ChannelKind) IsOutput() bool {
	return k == ChannelDigitalOutput
}

// ChannelMapping binds one logical signal to a PDO entry. The offset is
// unset until the domain registration resolved it.
type ChannelMapping struct {
	Name     string
	Slave    SlaveIdentity
	Index    uint16
	SubIndex uint8
	Kind     ChannelKind

	offset   uint32
	resolved bool
}

func NewChannelMapping(name string, slave SlaveIdentity, index uint16, subIndex uint8, kind ChannelKind) ChannelMapping {
	return ChannelMapping{
		Name:     name,
		Slave:    slave,
		Index:    index,
		SubIndex: subIndex,
		Kind:     kind,
	}
}

// Offset returns the byte offset in the process image and whether it has
// been resolved.
func (m ChannelMapping) Offset() (uint32, bool) {
	return m.offset, m.resolved
}

// Resolve returns a copy of the mapping with its offset set.
func (m ChannelMapping) Resolve(offset uint32) ChannelMapping {
	m.offset = offset
	m.resolved = true
	return m
}

// Entry formats the PDO entry as index:subindex.
func (m ChannelMapping) Entry() string {
	return fmt.Sprintf("0x%04x:0x%02x", m.Index, m.SubIndex)
}

func (m ChannelMapping) String() string {
	return fmt.Sprintf("%s %s@%s", m.Name, m.Entry(), m.Slave)
}
