package devices

import (
	"fmt"

	"github.com/KevinKickass/ecatmaster/internal/types"
)

// DeviceMap is the static description of the bus: every slave in
// declaration order and the PDO entries it contributes to the domain.
type DeviceMap struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Slaves      []SlaveConfig `yaml:"slaves"`
}

type SlaveConfig struct {
	Name        string          `yaml:"name"`
	Alias       uint16          `yaml:"alias"`
	Position    uint16          `yaml:"position"`
	VendorID    uint32          `yaml:"vendor_id"`
	ProductCode uint32          `yaml:"product_code"`
	Channels    []ChannelConfig `yaml:"channels"`
}

type ChannelConfig struct {
	Name     string            `yaml:"name"`
	Kind     types.ChannelKind `yaml:"kind"`
	Index    uint16            `yaml:"index"`
	SubIndex uint8             `yaml:"sub_index"`
}

func (s SlaveConfig) Identity() types.SlaveIdentity {
	return types.SlaveIdentity{
		Alias:       s.Alias,
		Position:    s.Position,
		VendorID:    s.VendorID,
		ProductCode: s.ProductCode,
	}
}

// Identities returns the slave identities in declaration order.
func (m *DeviceMap) Identities() []types.SlaveIdentity {
	ids := make([]types.SlaveIdentity, 0, len(m.Slaves))
	for _, s := range m.Slaves {
		ids = append(ids, s.Identity())
	}
	return ids
}

// ChannelNames returns the names of the channels of one kind in
// declaration order.
func (m *DeviceMap) ChannelNames(kind types.ChannelKind) []string {
	var names []string
	for _, s := range m.Slaves {
		for _, ch := range s.Channels {
			if ch.Kind == kind {
				names = append(names, ch.Name)
			}
		}
	}
	return names
}

// Mappings enumerates every channel as an unresolved ChannelMapping. Order
// follows the declaration: slaves first, then channels within a slave.
func (m *DeviceMap) Mappings() []types.ChannelMapping {
	mappings := make([]types.ChannelMapping, 0)
	for _, s := range m.Slaves {
		id := s.Identity()
		for _, ch := range s.Channels {
			mappings = append(mappings, types.NewChannelMapping(ch.Name, id, ch.Index, ch.SubIndex, ch.Kind))
		}
	}
	return mappings
}

// Validate checks the properties the rest of the controller relies on.
func (m *DeviceMap) Validate() error {
	if len(m.Slaves) == 0 {
		return fmt.Errorf("device map %q declares no slaves", m.Name)
	}

	addresses := make(map[[2]uint16]string)
	names := make(map[string]bool)
	entries := make(map[string]string)
	perKind := make(map[types.ChannelKind]int)

	for _, s := range m.Slaves {
		id := s.Identity()
		if other, dup := addresses[id.Address()]; dup {
			return fmt.Errorf("slaves %q and %q share alias %d position %d", other, s.Name, s.Alias, s.Position)
		}
		addresses[id.Address()] = s.Name

		if len(s.Channels) == 0 {
			return fmt.Errorf("slave %q declares no channels", s.Name)
		}

		for _, ch := range s.Channels {
			if !ch.Kind.Valid() {
				return fmt.Errorf("channel %q of slave %q: unknown kind %q", ch.Name, s.Name, ch.Kind)
			}
			if names[ch.Name] {
				return fmt.Errorf("duplicate channel name %q", ch.Name)
			}
			names[ch.Name] = true

			key := fmt.Sprintf("%d:%d/%04x:%02x", s.Alias, s.Position, ch.Index, ch.SubIndex)
			if other, dup := entries[key]; dup {
				return fmt.Errorf("channels %q and %q map the same entry 0x%04x:0x%02x of slave %q",
					other, ch.Name, ch.Index, ch.SubIndex, s.Name)
			}
			entries[key] = ch.Name
			perKind[ch.Kind]++
		}
	}

	if perKind[types.ChannelDigitalInput] > 1 {
		return fmt.Errorf("at most one digital input byte is supported, got %d", perKind[types.ChannelDigitalInput])
	}
	if perKind[types.ChannelDigitalOutput] > 1 {
		return fmt.Errorf("at most one digital output byte is supported, got %d", perKind[types.ChannelDigitalOutput])
	}

	return nil
}
