package auth

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/guidebook/internal/booking/domain"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleDriver Role = "DRIVER"
	RoleMember Role = "MEMBER"
)

// Operation names a guarded action at the boundary.
type Operation string

const (
	OpListAvailability     Operation = "availability.list"
	OpListDrivers          Operation = "drivers.list"
	OpRegisterDriver       Operation = "drivers.register"
	OpSetDriverActive      Operation = "drivers.set_active"
	OpListUnavailability   Operation = "unavailability.list"
	OpAddUnavailability    Operation = "unavailability.add"
	OpRemoveUnavailability Operation = "unavailability.remove"
	OpCreateBooking        Operation = "bookings.create"
	OpGetBooking           Operation = "bookings.get"
	OpBook                 Operation = "bookings.book"
	OpAssignBooking        Operation = "bookings.assign"
	OpConfirmBooking       Operation = "bookings.confirm"
	OpCancelBooking        Operation = "bookings.cancel"
)

// Principal is an authenticated caller.
type Principal struct {
	Role    Role
	Subject string
}

var grants = map[Role]map[Operation]struct{}{
	RoleDriver: {
		OpListUnavailability:   {},
		OpAddUnavailability:    {},
		OpRemoveUnavailability: {},
	},
	RoleMember: {
		OpListAvailability: {},
		OpCreateBooking:    {},
		OpGetBooking:       {},
	},
}

// selfScoped operations are only granted to a DRIVER for its own id.
var selfScoped = map[Operation]struct{}{
	OpListUnavailability:   {},
	OpAddUnavailability:    {},
	OpRemoveUnavailability: {},
}

// Authorize reports whether role may perform op at all. Administrators may
// perform every operation; unknown roles none.
func Authorize(role Role, op Operation) bool {
	if role == RoleAdmin {
		return true
	}
	_, ok := grants[role][op]
	return ok
}

// Gate applies the role matrix plus the driver self-scope rule.
type Gate struct {
	logger *zap.Logger
}

func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger}
}

// Check returns domain.ErrForbidden when p may not perform op. targetDriver
// is the driver the operation acts on, if any.
func (g *Gate) Check(p Principal, op Operation, targetDriver *uuid.UUID) error {
	if !Authorize(p.Role, op) {
		return g.deny(p, op, "role")
	}
	if p.Role != RoleDriver {
		return nil
	}
	if _, scoped := selfScoped[op]; !scoped {
		return nil
	}
	self, err := uuid.Parse(p.Subject)
	if err != nil || targetDriver == nil || self != *targetDriver {
		return g.deny(p, op, "scope")
	}
	return nil
}

func (g *Gate) deny(p Principal, op Operation, reason string) error {
	g.logger.Debug("access denied",
		zap.String("role", string(p.Role)),
		zap.String("subject", p.Subject),
		zap.String("operation", string(op)),
		zap.String("reason", reason))
	return fmt.Errorf("%s may not %s: %w", p.Role, op, domain.ErrForbidden)
}
