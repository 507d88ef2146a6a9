package deals

import "fmt"

// Actor is the authenticated party making a request. Operator is resolved
// once at the HTTP boundary from the configured operator identities.
type Actor struct {
	ID       string
	Operator bool

	system bool
}

// Authenticated reports whether the actor carries an identity.
func (a Actor) Authenticated() bool {
	return a.ID != ""
}

func processorActor(provider string) Actor {
	return Actor{ID: "processor:" + provider, system: true}
}

// Resolve returns the actor's role on d. Deal parties take precedence over
// the operator role.
func Resolve(d *Deal, a Actor) Role {
	switch {
	case a.system:
		return RoleSystem
	case !a.Authenticated():
		return RoleNone
	case a.ID == d.BuyerID:
		return RoleBuyer
	case a.ID == d.SellerID:
		return RoleSeller
	case a.Operator:
		return RoleAdmin
	}
	return RoleNone
}

// Roles returns every role the actor holds on d, so an operator who is
// also a party can act in either capacity.
func Roles(d *Deal, a Actor) []Role {
	if !a.Authenticated() {
		return nil
	}
	var roles []Role
	if a.ID == d.BuyerID {
		roles = append(roles, RoleBuyer)
	}
	if a.ID == d.SellerID {
		roles = append(roles, RoleSeller)
	}
	if a.Operator {
		roles = append(roles, RoleAdmin)
	}
	return roles
}

// Authorize returns the first allowed role the actor holds on d.
func Authorize(d *Deal, a Actor, allowed ...Role) (Role, error) {
	if a.system {
		for _, r := range allowed {
			if r == RoleSystem {
				return RoleSystem, nil
			}
		}
		return RoleNone, ErrForbidden
	}
	if !a.Authenticated() {
		return RoleNone, ErrUnauthenticated
	}
	held := Roles(d, a)
	for _, r := range allowed {
		for _, h := range held {
			if r == h {
				return r, nil
			}
		}
	}
	return RoleNone, fmt.Errorf("%w: requires %s", ErrForbidden, describeRoles(allowed))
}

var readRoles = []Role{RoleBuyer, RoleSeller, RoleAdmin}

func describeRoles(roles []Role) string {
	switch len(roles) {
	case 0:
		return "no role"
	case 1:
		return string(roles[0])
	}
	s := string(roles[0])
	for _, r := range roles[1:] {
		s += " or " + string(r)
	}
	return s
}
