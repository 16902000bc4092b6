package ledger

import "sync"

// Authorizer decides whether caller may run a privileged operation
type Authorizer interface {
	Authorize(caller Address, op Operation) error
}

// OwnerPolicy admits only the ledger owner
type OwnerPolicy struct {
	owner Address
}

func NewOwnerPolicy(owner Address) *OwnerPolicy {
	return &OwnerPolicy{owner: owner}
}

func (p *OwnerPolicy) Authorize(caller Address, _ Operation) error {
	if caller != p.owner {
		return ErrNotOwner
	}
	return nil
}

// RolePolicy admits the owner for everything and additionally any address
// granted the specific operation.
type RolePolicy struct {
	owner Address

	mu     sync.RWMutex
	grants map[Operation]map[Address]struct{}
}

func NewRolePolicy(owner Address) *RolePolicy {
	return &RolePolicy{
		owner:  owner,
		grants: make(map[Operation]map[Address]struct{}),
	}
}

// Grant allows addr to run ops. With no ops it grants every privileged operation.
func (p *RolePolicy) Grant(addr Address, ops ...Operation) {
	if len(ops) == 0 {
		ops = []Operation{OpDistributeReward, OpUpdateReputation, OpFundPool, OpPoolBalance, OpEmergencyWithdraw, OpDeposit}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range ops {
		if p.grants[op] == nil {
			p.grants[op] = make(map[Address]struct{})
		}
		p.grants[op][addr] = struct{}{}
	}
}

func (p *RolePolicy) Revoke(addr Address, op Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.grants[op], addr)
}

func (p *RolePolicy) Authorize(caller Address, op Operation) error {
	if caller == p.owner {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.grants[op][caller]; ok {
		return nil
	}
	return ErrNotOwner
}
