package auth

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnauthorized is returned when a caller lacks the capability an operation needs.
var ErrUnauthorized = errors.New("unauthorized")

// Role is a bit set of capabilities carried by a Caller.
type Role uint8

const (
	// RoleAdmin may change settings and register tokens.
	RoleAdmin Role = 1 << iota
	// RoleManager may move entitlement in and out of escrow custody.
	RoleManager
	// RoleMarketplace may drive the allocation tracker.
	RoleMarketplace
)

// Caller is the identity an operation runs as, with the roles granted to it.
type Caller struct {
	Address common.Address
	Roles   Role
}

// Has reports whether c holds every role set in r.
func (c Caller) Has(r Role) bool {
	return c.Roles&r == r
}

// Directory resolves external identities. Only admin rights can be granted
// from outside; manager and marketplace capabilities are minted internally.
type Directory struct {
	admins map[common.Address]struct{}
}

// NewDirectory grants the admin role to admins.
func NewDirectory(admins []common.Address) *Directory {
	d := &Directory{admins: make(map[common.Address]struct{}, len(admins))}
	for _, a := range admins {
		d.admins[a] = struct{}{}
	}
	return d
}

// Resolve returns the caller for addr.
func (d *Directory) Resolve(addr common.Address) Caller {
	c := Caller{Address: addr}
	if _, ok := d.admins[addr]; ok {
		c.Roles |= RoleAdmin
	}
	return c
}
