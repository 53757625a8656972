package core

import (
	"context"
	"fmt"

	"carbonledger/pkg/domain"
)

// Bootstrap installs the deploying identity as the initial owner. It can
// run exactly once on a fresh store; the owner survives restarts with
// the rest of the state.
func (s *Service) Bootstrap(ctx context.Context, deployer Identity) error {
	if err := requireCaller(deployer); err != nil {
		return annotate("bootstrap", err)
	}
	return s.run(ctx, "bootstrap", func(tx Transaction) error {
		if tx.Snapshot().Owner() != domain.Anonymous {
			return domain.Errorf(domain.KindInvalidArgument, "ledger already bootstrapped")
		}
		tx.SetOwner(deployer)
		tx.AppendAudit(deployer, "bootstrap", fmt.Sprintf("owner=%s", deployer))
		return nil
	})
}

// SetOwner replaces the owner identity. Only the current owner may call it.
func (s *Service) SetOwner(ctx context.Context, caller, next Identity) error {
	const op = "set_owner"
	if err := requireCaller(caller); err != nil {
		return annotate(op, err)
	}
	if next == domain.Anonymous {
		return annotate(op, domain.Errorf(domain.KindInvalidArgument, "new owner must not be anonymous"))
	}
	return s.run(ctx, op, func(tx Transaction) error {
		if tx.Snapshot().Owner() != caller {
			return s.unauthorized(op, caller, "the owner")
		}
		tx.SetOwner(next)
		tx.AppendAudit(caller, op, fmt.Sprintf("owner=%s", next))
		return nil
	})
}

// AddIssuer grants the issuer role. Owner only; adding an existing
// member is a no-op that still succeeds and is audited.
func (s *Service) AddIssuer(ctx context.Context, caller, id Identity) error {
	return s.addRole(ctx, "add_issuer", caller, id, Transaction.AddIssuer)
}

// AddVerifier grants the verifier role. Owner only; idempotent.
func (s *Service) AddVerifier(ctx context.Context, caller, id Identity) error {
	return s.addRole(ctx, "add_verifier", caller, id, Transaction.AddVerifier)
}

// AddOracle grants the oracle role. Owner only; idempotent.
func (s *Service) AddOracle(ctx context.Context, caller, id Identity) error {
	return s.addRole(ctx, "add_oracle", caller, id, Transaction.AddOracle)
}

func (s *Service) addRole(ctx context.Context, op string, caller, id Identity, add func(Transaction, Identity) bool) error {
	if err := requireCaller(caller); err != nil {
		return annotate(op, err)
	}
	if id == domain.Anonymous {
		return annotate(op, domain.Errorf(domain.KindInvalidArgument, "role member must not be anonymous"))
	}
	return s.run(ctx, op, func(tx Transaction) error {
		if tx.Snapshot().Owner() != caller {
			return s.unauthorized(op, caller, "the owner")
		}
		added := add(tx, id)
		tx.AppendAudit(caller, op, fmt.Sprintf("id=%s added=%t", id, added))
		return nil
	})
}

// GetOwner returns the current owner identity.
func (s *Service) GetOwner(ctx context.Context) (Identity, error) {
	var owner Identity
	err := s.view(ctx, "get_owner", func(v TransactionView) error {
		owner = v.Owner()
		return nil
	})
	return owner, err
}

// ListIssuers returns the explicit issuer set, sorted. The owner is
// issuer-privileged without appearing here.
func (s *Service) ListIssuers(ctx context.Context) ([]Identity, error) {
	return s.listRole(ctx, "list_issuers", TransactionView.Issuers)
}

// ListVerifiers returns the explicit verifier set, sorted.
func (s *Service) ListVerifiers(ctx context.Context) ([]Identity, error) {
	return s.listRole(ctx, "list_verifiers", TransactionView.Verifiers)
}

// ListOracles returns the explicit oracle set, sorted.
func (s *Service) ListOracles(ctx context.Context) ([]Identity, error) {
	return s.listRole(ctx, "list_oracles", TransactionView.Oracles)
}

func (s *Service) listRole(ctx context.Context, op string, list func(TransactionView) []Identity) ([]Identity, error) {
	var out []Identity
	err := s.view(ctx, op, func(v TransactionView) error {
		out = list(v)
		return nil
	})
	return out, err
}
