package core

import (
	"context"
	"fmt"
	"strings"

	"carbonledger/pkg/domain"
)

// IssueBatchInput carries the issuance parameters for a new credit batch.
type IssueBatchInput struct {
	ProjectID   string
	Standard    string
	Vintage     int
	TotalSupply uint64
	Metadata    string
	Tags        []string
	RoyaltyPpm  uint64
}

// IssueBatch registers a new fixed-supply batch. The caller must hold
// the issuer role; the full supply starts in the unminted reserve and
// the batch starts Unverified.
func (s *Service) IssueBatch(ctx context.Context, caller Identity, in IssueBatchInput) (CreditBatch, error) {
	const op = "issue_batch"
	var created CreditBatch
	if err := requireCaller(caller); err != nil {
		return created, annotate(op, err)
	}
	if in.TotalSupply == 0 {
		return created, annotate(op, domain.Errorf(domain.KindInvalidArgument, "total supply must be positive"))
	}
	if in.RoyaltyPpm > domain.RoyaltyDenominator {
		return created, annotate(op, domain.Errorf(domain.KindInvalidArgument, "royalty %d ppm exceeds %d", in.RoyaltyPpm, domain.RoyaltyDenominator))
	}
	err := s.run(ctx, op, func(tx Transaction) error {
		if !tx.Snapshot().IsIssuer(caller) {
			return s.unauthorized(op, caller, "an issuer")
		}
		var err error
		created, err = tx.CreateBatch(CreditBatch{
			ProjectID:       in.ProjectID,
			Standard:        in.Standard,
			Vintage:         in.Vintage,
			TotalSupply:     in.TotalSupply,
			Available:       in.TotalSupply,
			Metadata:        in.Metadata,
			MetadataHistory: []string{in.Metadata},
			Issuer:          caller,
			Tags:            in.Tags,
			RoyaltyPpm:      in.RoyaltyPpm,
			Status:          StatusUnverified,
		})
		if err != nil {
			return err
		}
		tx.AppendAudit(caller, op, fmt.Sprintf("batch=%d project=%s standard=%s vintage=%d supply=%d royalty_ppm=%d",
			created.ID, in.ProjectID, in.Standard, in.Vintage, in.TotalSupply, in.RoyaltyPpm))
		return nil
	})
	if err != nil {
		return CreditBatch{}, err
	}
	return created, nil
}

// MintTo moves units from a batch's unminted reserve into a recipient's
// spendable balance. Only the batch's issuer (or the owner) may mint.
func (s *Service) MintTo(ctx context.Context, caller Identity, id BatchID, recipient Identity, amount uint64) error {
	const op = "mint_to"
	if err := requireCaller(caller); err != nil {
		return annotate(op, err)
	}
	if recipient == domain.Anonymous {
		return annotate(op, domain.Errorf(domain.KindInvalidArgument, "recipient must not be anonymous"))
	}
	if amount == 0 {
		return annotate(op, domain.Errorf(domain.KindInvalidArgument, "amount must be positive"))
	}
	return s.run(ctx, op, func(tx Transaction) error {
		snap := tx.Snapshot()
		batch, ok := snap.FindBatch(id)
		if !ok {
			return domain.Errorf(domain.KindNotFound, "batch %d not found", id)
		}
		if caller != batch.Issuer && caller != snap.Owner() {
			return s.unauthorized(op, caller, "the batch issuer")
		}
		if amount > batch.Available {
			return domain.Errorf(domain.KindInsufficientSupply, "mint %d exceeds available %d", amount, batch.Available)
		}
		if _, err := tx.UpdateBatch(id, func(b *CreditBatch) error {
			b.Available -= amount
			return nil
		}); err != nil {
			return err
		}
		tx.CreditBalance(id, recipient, amount)
		tx.AppendAudit(caller, op, fmt.Sprintf("batch=%d to=%s amount=%d", id, recipient, amount))
		return nil
	})
}

// VerifyBatch marks a batch Verified and records the verifier's note in
// the audit log.
func (s *Service) VerifyBatch(ctx context.Context, caller Identity, id BatchID, note string) error {
	return s.setStatus(ctx, "verify_batch", caller, id, StatusVerified, note)
}

// FlagBatch marks a batch Flagged and records the verifier's note.
func (s *Service) FlagBatch(ctx context.Context, caller Identity, id BatchID, note string) error {
	return s.setStatus(ctx, "flag_batch", caller, id, StatusFlagged, note)
}

// SetBatchStatus performs an unconstrained administrative transition to
// any of the four states.
func (s *Service) SetBatchStatus(ctx context.Context, caller Identity, id BatchID, status BatchStatus) error {
	const op = "set_batch_status"
	if !status.Valid() {
		return annotate(op, domain.Errorf(domain.KindInvalidArgument, "unknown status %q", status))
	}
	return s.setStatus(ctx, op, caller, id, status, "")
}

func (s *Service) setStatus(ctx context.Context, op string, caller Identity, id BatchID, status BatchStatus, note string) error {
	if err := requireCaller(caller); err != nil {
		return annotate(op, err)
	}
	return s.run(ctx, op, func(tx Transaction) error {
		snap := tx.Snapshot()
		if _, ok := snap.FindBatch(id); !ok {
			return domain.Errorf(domain.KindNotFound, "batch %d not found", id)
		}
		if !snap.IsVerifier(caller) {
			return s.unauthorized(op, caller, "a verifier")
		}
		if _, err := tx.UpdateBatch(id, func(b *CreditBatch) error {
			b.Status = status
			return nil
		}); err != nil {
			return err
		}
		details := fmt.Sprintf("batch=%d status=%s", id, status)
		if note != "" {
			details += " note=" + note
		}
		tx.AppendAudit(caller, op, details)
		return nil
	})
}

// AppendMetadataVersion pushes a new metadata document onto the batch's
// history and makes it current. Only the batch's issuer (or the owner)
// may revise metadata; history is never rewritten or truncated.
func (s *Service) AppendMetadataVersion(ctx context.Context, caller Identity, id BatchID, metadata string) error {
	const op = "append_metadata"
	if err := requireCaller(caller); err != nil {
		return annotate(op, err)
	}
	return s.run(ctx, op, func(tx Transaction) error {
		snap := tx.Snapshot()
		batch, ok := snap.FindBatch(id)
		if !ok {
			return domain.Errorf(domain.KindNotFound, "batch %d not found", id)
		}
		if caller != batch.Issuer && caller != snap.Owner() {
			return s.unauthorized(op, caller, "the batch issuer")
		}
		if _, err := tx.UpdateBatch(id, func(b *CreditBatch) error {
			b.Metadata = metadata
			b.MetadataHistory = append(b.MetadataHistory, metadata)
			return nil
		}); err != nil {
			return err
		}
		tx.AppendAudit(caller, op, fmt.Sprintf("batch=%d version=%d", id, len(batch.MetadataHistory)+1))
		return nil
	})
}

// GetBatch retrieves a batch by ID.
func (s *Service) GetBatch(ctx context.Context, id BatchID) (CreditBatch, error) {
	var batch CreditBatch
	err := s.view(ctx, "get_batch", func(v TransactionView) error {
		b, ok := v.FindBatch(id)
		if !ok {
			return domain.Errorf(domain.KindNotFound, "batch %d not found", id)
		}
		batch = b
		return nil
	})
	return batch, err
}

// GetBatchStatus returns only the verification state of a batch.
func (s *Service) GetBatchStatus(ctx context.Context, id BatchID) (BatchStatus, error) {
	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return "", err
	}
	return batch.Status, nil
}

// GetMetadataHistory returns the batch's full metadata history, oldest
// first, including the issuance document.
func (s *Service) GetMetadataHistory(ctx context.Context, id BatchID) ([]string, error) {
	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return batch.MetadataHistory, nil
}

// ListBatches returns every batch in issuance order.
func (s *Service) ListBatches(ctx context.Context) ([]CreditBatch, error) {
	var out []CreditBatch
	err := s.view(ctx, "list_batches", func(v TransactionView) error {
		out = v.ListBatches()
		return nil
	})
	return out, err
}

// ListByTag returns the batches carrying the given provenance tag.
func (s *Service) ListByTag(ctx context.Context, tag string) ([]CreditBatch, error) {
	tag = strings.TrimSpace(tag)
	var out []CreditBatch
	err := s.view(ctx, "list_by_tag", func(v TransactionView) error {
		for _, b := range v.ListBatches() {
			if b.HasTag(tag) {
				out = append(out, b)
			}
		}
		return nil
	})
	return out, err
}
