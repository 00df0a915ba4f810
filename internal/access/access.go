package access

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrAccessDenied is returned when a caller lacks the role an operation requires.
var ErrAccessDenied = errors.New("access: denied")

// Role names a capability within the pool system. Vault and Scheduler are
// held by components, not operators: the scheduler settles into vaults and
// vaults edit schedules, so those cross-calls go through the same checks as
// external callers.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleExecutor  Role = "executor"
	RoleRegistrar Role = "registrar"
	RoleVault     Role = "vault"
	RoleScheduler Role = "scheduler"
)

// Controller is the capability registry shared by every component.
type Controller struct {
	mu    sync.RWMutex
	roles map[Role]map[uuid.UUID]struct{}
}

// NewController creates a registry with admin granted as the bootstrap role.
func NewController(admin uuid.UUID) *Controller {
	c := &Controller{
		roles: make(map[Role]map[uuid.UUID]struct{}),
	}
	c.roles[RoleAdmin] = map[uuid.UUID]struct{}{admin: {}}
	return c
}

// HasRole reports whether caller holds role.
func (c *Controller) HasRole(role Role, caller uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.roles[role][caller]
	return ok
}

// Require returns ErrAccessDenied unless caller holds role.
func (c *Controller) Require(role Role, caller uuid.UUID) error {
	if !c.HasRole(role, caller) {
		return fmt.Errorf("%w: %s lacks role %s", ErrAccessDenied, caller, role)
	}
	return nil
}

// Grant gives subject the role. Only admins may grant.
func (c *Controller) Grant(caller uuid.UUID, role Role, subject uuid.UUID) error {
	if err := c.Require(RoleAdmin, caller); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roles[role] == nil {
		c.roles[role] = make(map[uuid.UUID]struct{})
	}
	c.roles[role][subject] = struct{}{}
	return nil
}

// Revoke removes the role from subject. Only admins may revoke.
func (c *Controller) Revoke(caller uuid.UUID, role Role, subject uuid.UUID) error {
	if err := c.Require(RoleAdmin, caller); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roles[role], subject)
	return nil
}
