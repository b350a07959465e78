// README: Common value objects shared across modules (ids, points, identities).
package types

import "math"

type ID string

type Point struct {
	Lat float64
	Lng float64
}

// Valid reports whether the point holds finite coordinates inside geographic bounds.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Identity is an authenticated actor reference.
type Identity struct {
	ID   ID
	Role Role
}
