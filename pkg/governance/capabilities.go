package governance

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Capability is a permission an address can hold.
type Capability uint8

const (
	Liquidator Capability = 1 << iota
	Updater
	Signer
	Manager
	Router
	Gov
)

var capabilityNames = map[Capability]string{
	Liquidator: "liquidator",
	Updater:    "updater",
	Signer:     "signer",
	Manager:    "manager",
	Router:     "router",
	Gov:        "gov",
}

func (c Capability) String() string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return "unknown"
}

// ParseCapability maps a role name to its capability.
func ParseCapability(name string) (Capability, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range capabilityNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// CapabilitySet is the resolved set of capabilities of one address.
type CapabilitySet uint8

func (s CapabilitySet) Has(c Capability) bool { return uint8(s)&uint8(c) != 0 }

// Names lists the held capabilities in a stable order.
func (s CapabilitySet) Names() []string {
	var out []string
	for c, n := range capabilityNames {
		if s.Has(c) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Capabilities maps addresses to their capability sets. A value is never mutated after
// construction; copy with Grant/Revoke.
type Capabilities struct {
	sets map[common.Address]CapabilitySet
}

// NewCapabilities builds capabilities from role grants.
func NewCapabilities(grants map[Capability][]common.Address) Capabilities {
	c := Capabilities{sets: make(map[common.Address]CapabilitySet)}
	for capability, addrs := range grants {
		for _, a := range addrs {
			c.sets[a] |= CapabilitySet(capability)
		}
	}
	return c
}

// For resolves addr's capability set.
func (c Capabilities) For(addr common.Address) CapabilitySet {
	return c.sets[addr]
}

// Has reports whether addr holds capability.
func (c Capabilities) Has(addr common.Address, capability Capability) bool {
	return c.sets[addr].Has(capability)
}

func (c Capabilities) IsUpdater(addr common.Address) bool { return c.Has(addr, Updater) }
func (c Capabilities) IsSigner(addr common.Address) bool  { return c.Has(addr, Signer) }

// Grant returns a copy with capability added for addr.
func (c Capabilities) Grant(addr common.Address, capability Capability) Capabilities {
	next := c.clone()
	next.sets[addr] |= CapabilitySet(capability)
	return next
}

// Revoke returns a copy with capability removed for addr.
func (c Capabilities) Revoke(addr common.Address, capability Capability) Capabilities {
	next := c.clone()
	next.sets[addr] &^= CapabilitySet(capability)
	if next.sets[addr] == 0 {
		delete(next.sets, addr)
	}
	return next
}

// Holders lists the addresses holding capability, sorted.
func (c Capabilities) Holders(capability Capability) []common.Address {
	var out []common.Address
	for a, s := range c.sets {
		if s.Has(capability) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (c Capabilities) clone() Capabilities {
	next := Capabilities{sets: make(map[common.Address]CapabilitySet, len(c.sets)+1)}
	for a, s := range c.sets {
		next.sets[a] = s
	}
	return next
}
