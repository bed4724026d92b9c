package appointment

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrInvalidStatus           = errors.New("status must be one of booked, completed, cancelled, expired")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrForbidden               = errors.New("requester may not change this appointment")
)

type initiator int

const (
	byRequester initiator = iota
	bySystem
)

// transitionRule is one edge of the lifecycle graph.
type transitionRule struct {
	from      AppointmentStatus
	to        AppointmentStatus
	initiator initiator
	roles     []Role
	predicate func(a *Appointment, req Requester) error
}

// ownDoctorOnly keeps doctors to their own appointments; admins pass.
func ownDoctorOnly(a *Appointment, req Requester) error {
	if req.Role == RoleDoctor && a.DoctorID != req.ID {
		return fmt.Errorf("%w: appointment belongs to another doctor", ErrForbidden)
	}
	return nil
}

// transitions is the whole state machine. Terminal statuses have no outgoing rule.
var transitions = []transitionRule{
	{from: StatusBooked, to: StatusCompleted, initiator: byRequester, roles: []Role{RoleDoctor, RoleAdmin}, predicate: ownDoctorOnly},
	{from: StatusBooked, to: StatusCancelled, initiator: byRequester, roles: []Role{RoleDoctor, RoleAdmin}, predicate: ownDoctorOnly},
	{from: StatusBooked, to: StatusExpired, initiator: bySystem},
}

func rulesTo(to AppointmentStatus, by initiator) []transitionRule {
	var out []transitionRule
	for _, r := range transitions {
		if r.to == to && r.initiator == by {
			out = append(out, r)
		}
	}
	return out
}

// AuthorizeTransition decides a human-driven status change.
// Authorization failures are ErrForbidden; illegal edges are ErrInvalidStatusTransition.
func AuthorizeTransition(a *Appointment, to AppointmentStatus, req Requester) error {
	rules := rulesTo(to, byRequester)
	if len(rules) == 0 {
		return fmt.Errorf("%w: %s cannot be requested", ErrInvalidStatusTransition, to)
	}

	var authErr error
	for _, r := range rules {
		if err := authorize(r, a, req); err != nil {
			authErr = err
			continue
		}
		if r.from == a.Status {
			return nil
		}
	}
	if authErr != nil {
		return authErr
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, a.Status, to)
}

// CheckSystemTransition decides a change made by the service itself, such as expiry.
func CheckSystemTransition(a *Appointment, to AppointmentStatus) error {
	for _, r := range rulesTo(to, bySystem) {
		if r.from == a.Status {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, a.Status, to)
}

func authorize(r transitionRule, a *Appointment, req Requester) error {
	if !slices.Contains(r.roles, req.Role) {
		return fmt.Errorf("%w: role %q", ErrForbidden, req.Role)
	}
	if r.predicate != nil {
		return r.predicate(a, req)
	}
	return nil
}
