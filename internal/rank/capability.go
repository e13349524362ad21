package rank

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

type Capability uint8

const (
	Chat Capability = iota
	Build
	Delete
	PlaceGrass
	PlaceWater
	PlaceLava
	PlaceAdmincrete
	DeleteAdmincrete
	ViewOthersInfo
	Say
	Kick
	Ban
	BanIP
	BanAll
	Promote
	Demote
	Hide
	ChangeName
	Draw
	Teleport
	Bring
	Freeze
	SetSpawn
	Lock
	ManageZones
	ManageWorlds
	Import
	ControlPhysics
	AddLandmarks
	Patrol
	UseColorCodes

	capabilityCount
)

var ErrUnknownCapability = errors.New("unknown capability")

var capabilityNames = map[Capability]string{
	Chat:             "chat",
	Build:            "build",
	Delete:           "delete",
	PlaceGrass:       "place_grass",
	PlaceWater:       "place_water",
	PlaceLava:        "place_lava",
	PlaceAdmincrete:  "place_admincrete",
	DeleteAdmincrete: "delete_admincrete",
	ViewOthersInfo:   "view_others_info",
	Say:              "say",
	Kick:             "kick",
	Ban:              "ban",
	BanIP:            "ban_ip",
	BanAll:           "ban_all",
	Promote:          "promote",
	Demote:           "demote",
	Hide:             "hide",
	ChangeName:       "change_name",
	Draw:             "draw",
	Teleport:         "teleport",
	Bring:            "bring",
	Freeze:           "freeze",
	SetSpawn:         "set_spawn",
	Lock:             "lock",
	ManageZones:      "manage_zones",
	ManageWorlds:     "manage_worlds",
	Import:           "import",
	ControlPhysics:   "control_physics",
	AddLandmarks:     "add_landmarks",
	Patrol:           "patrol",
	UseColorCodes:    "use_color_codes",
}

var capabilitiesByName = func() map[string]Capability {
	m := make(map[string]Capability, len(capabilityNames))
	for c, name := range capabilityNames {
		m[name] = c
	}
	return m
}()

func (c Capability) Valid() bool {
	return c < capabilityCount
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// ParseCapability accepts snake_case names; dashes and case are ignored.
func ParseCapability(s string) (Capability, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if c, ok := capabilitiesByName[key]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, s)
}

// AllCapabilities returns every defined capability in declaration order.
func AllCapabilities() []Capability {
	all := make([]Capability, 0, capabilityCount)
	for c := Capability(0); c < capabilityCount; c++ {
		all = append(all, c)
	}
	return all
}

// CapabilitySet is a bitset keyed by Capability. The zero value grants nothing.
type CapabilitySet uint64

func NewCapabilitySet(caps ...Capability) (CapabilitySet, error) {
	var s CapabilitySet
	for _, c := range caps {
		if !c.Valid() {
			return 0, fmt.Errorf("%w: %d", ErrUnknownCapability, uint8(c))
		}
		s |= 1 << c
	}
	return s, nil
}

func (s CapabilitySet) Has(c Capability) bool {
	return c.Valid() && s&(1<<c) != 0
}

func (s CapabilitySet) With(c Capability) CapabilitySet {
	if !c.Valid() {
		return s
	}
	return s | 1<<c
}

func (s CapabilitySet) Without(c Capability) CapabilitySet {
	return s &^ (1 << c)
}

func (s CapabilitySet) Len() int {
	return bits.OnesCount64(uint64(s))
}

func (s CapabilitySet) List() []Capability {
	list := make([]Capability, 0, s.Len())
	for c := Capability(0); c < capabilityCount; c++ {
		if s.Has(c) {
			list = append(list, c)
		}
	}
	return list
}

func (s CapabilitySet) Names() []string {
	names := make([]string, 0, s.Len())
	for _, c := range s.List() {
		names = append(names, c.String())
	}
	sort.Strings(names)
	return names
}
