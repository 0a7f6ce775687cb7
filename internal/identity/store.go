package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veridianlabs/veriface/internal/face"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const scanBatchSize = 200

var (
	// ErrIdentityNotFound indicates a lookup that matched no identity.
	ErrIdentityNotFound = errors.New("identity: not found")
	// ErrDuplicateEmail indicates an insert that collided on the email uniqueness constraint.
	ErrDuplicateEmail = errors.New("identity: email already registered")
	// ErrDuplicateFace indicates an embedding too similar to one already enrolled.
	ErrDuplicateFace = errors.New("identity: face already enrolled")
	// ErrAlreadyVerified indicates an activation write against a verified identity.
	ErrAlreadyVerified = errors.New("identity: already verified")
	// ErrInvalidStoreConfig indicates missing store dependencies.
	ErrInvalidStoreConfig = errors.New("identity: invalid store config")
)

// StoreConfig bundles the dependencies for a Store.
type StoreConfig struct {
	Database *gorm.DB
	Matcher  *face.Matcher
	Logger   *zap.Logger
}

// Store persists identities, login attempts, and action codes. Enrollment
// writes that must observe the face-uniqueness policy are serialized through
// an in-process mutex so the duplicate scan and the insert act as one step.
type Store struct {
	db      *gorm.DB
	matcher *face.Matcher
	logger  *zap.Logger

	enrollMu sync.Mutex
}

// NewStore constructs a Store with validated dependencies.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%w: database handle is required", ErrInvalidStoreConfig)
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("%w: matcher is required", ErrInvalidStoreConfig)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		db:      cfg.Database,
		matcher: cfg.Matcher,
		logger:  logger,
	}, nil
}

// Matcher exposes the matcher the store enforces uniqueness with.
func (s *Store) Matcher() *face.Matcher {
	return s.matcher
}

// CreateIdentity inserts a new identity after checking the embedding against
// every stored one, including unverified enrollments. The scan and insert run
// under the enrollment mutex and a transaction, so two concurrent
// registrations with the same face cannot both pass. Email collisions surface
// as ErrDuplicateEmail via the unique index, face collisions as
// ErrDuplicateFace.
func (s *Store) CreateIdentity(ctx context.Context, record *Identity, embedding face.Embedding) error {
	if record == nil {
		return fmt.Errorf("%w: record is required", ErrInvalidStoreConfig)
	}
	if err := s.matcher.CheckDim(embedding); err != nil {
		return err
	}

	encoded, err := embedding.Encode()
	if err != nil {
		return err
	}
	record.EmbeddingJSON = encoded

	s.enrollMu.Lock()
	defer s.enrollMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.scanForDuplicateFace(tx, embedding, ""); err != nil {
			return err
		}
		if err := tx.Create(record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", ErrDuplicateEmail, record.Email)
			}
			return err
		}
		return nil
	})
}

// scanForDuplicateFace walks all stored embeddings and fails with
// ErrDuplicateFace when any clears the duplicate threshold. excludeID skips
// one identity, used when that identity replaces its own embedding. A stored
// vector that cannot be decoded or mismatches the configured dimension aborts
// the scan as corrupt data rather than passing as a non-match.
func (s *Store) scanForDuplicateFace(tx *gorm.DB, probe face.Embedding, excludeID string) error {
	var candidates []Identity
	query := tx.Select("id", "face_embedding").Where("face_embedding IS NOT NULL")
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}

	result := query.FindInBatches(&candidates, scanBatchSize, func(batch *gorm.DB, _ int) error {
		for i := range candidates {
			stored, err := face.DecodeEmbedding(candidates[i].EmbeddingJSON)
			if err != nil {
				return fmt.Errorf("%w: embedding for %s: %v", ErrCorruptRecord, candidates[i].ID, err)
			}
			score, err := s.matcher.Similarity(probe, stored)
			if err != nil {
				return fmt.Errorf("stored embedding for %s: %w", candidates[i].ID, err)
			}
			if s.matcher.DuplicateMatch(score) {
				s.logger.Warn("duplicate face enrollment blocked",
					zap.String("matched_identity", candidates[i].ID),
					zap.Float64("similarity", score))
				return fmt.Errorf("%w: similarity %.4f", ErrDuplicateFace, score)
			}
		}
		return nil
	})
	return result.Error
}

// FindByEmail returns the identity enrolled under the normalized address.
func (s *Store) FindByEmail(ctx context.Context, email EmailAddress) (*Identity, error) {
	var record Identity
	err := s.db.WithContext(ctx).Where("email = ?", email.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: email %s", ErrIdentityNotFound, email.String())
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByID returns the identity with the given identifier.
func (s *Store) FindByID(ctx context.Context, identityID IdentityID) (*Identity, error) {
	var record Identity
	err := s.db.WithContext(ctx).Where("id = ?", identityID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %s", ErrIdentityNotFound, identityID.String())
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// SetActivationCode moves an unverified identity to the pending state with a
// fresh code hash and expiry in one write. Reissuing overwrites whatever code
// was outstanding. Writing against a verified identity fails with
// ErrAlreadyVerified.
func (s *Store) SetActivationCode(ctx context.Context, identityID IdentityID, codeHash string, expiresAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&Identity{}).
		Where("id = ? AND activation_state <> ?", identityID.String(), StateVerified).
		Updates(map[string]interface{}{
			"activation_state": StateOtpPending,
			"otp_hash":         codeHash,
			"otp_expires_at":   expiresAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.explainActivationMiss(ctx, identityID)
	}
	return nil
}

// ConsumeActivationCode finalizes activation if and only if the outstanding
// code hash is still the one the caller validated against. It reports false
// without error when a concurrent writer got there first; the caller re-reads
// to learn the new state.
func (s *Store) ConsumeActivationCode(ctx context.Context, identityID IdentityID, expectedHash string, verifiedAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&Identity{}).
		Where("id = ? AND activation_state = ? AND otp_hash = ?", identityID.String(), StateOtpPending, expectedHash).
		Updates(map[string]interface{}{
			"activation_state": StateVerified,
			"verified_at":      verifiedAt,
			"otp_hash":         nil,
			"otp_expires_at":   nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) explainActivationMiss(ctx context.Context, identityID IdentityID) error {
	record, err := s.FindByID(ctx, identityID)
	if err != nil {
		return err
	}
	if record.IsVerified() {
		return fmt.Errorf("%w: id %s", ErrAlreadyVerified, identityID.String())
	}
	return fmt.Errorf("activation write for %s affected no rows", identityID.String())
}

// RecordSuccessfulLogin appends the success attempt row and stamps
// last_login_at in one transaction, so the stamp never advances without its
// audit record.
func (s *Store) RecordSuccessfulLogin(ctx context.Context, attempt *LoginAttempt, identityID IdentityID, at time.Time) error {
	if attempt == nil {
		return fmt.Errorf("%w: attempt is required", ErrInvalidStoreConfig)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(attempt).Error; err != nil {
			return err
		}
		return tx.Model(&Identity{}).
			Where("id = ?", identityID.String()).
			Update("last_login_at", at).Error
	})
}

// ReplaceEmbedding swaps the stored embedding and capture reference after
// re-running the duplicate policy against every other identity. The scan and
// write are serialized with enrollments.
func (s *Store) ReplaceEmbedding(ctx context.Context, identityID IdentityID, embedding face.Embedding, captureRef string) error {
	if err := s.matcher.CheckDim(embedding); err != nil {
		return err
	}
	encoded, err := embedding.Encode()
	if err != nil {
		return err
	}

	s.enrollMu.Lock()
	defer s.enrollMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.scanForDuplicateFace(tx, embedding, identityID.String()); err != nil {
			return err
		}
		result := tx.Model(&Identity{}).
			Where("id = ?", identityID.String()).
			Updates(map[string]interface{}{
				"face_embedding": encoded,
				"capture_ref":    captureRef,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: id %s", ErrIdentityNotFound, identityID.String())
		}
		return nil
	})
}

// DeleteIdentity removes the identity row together with its audit trail and
// any outstanding action codes.
func (s *Store) DeleteIdentity(ctx context.Context, identityID IdentityID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ?", identityID.String()).Delete(&ActionCode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("identity_id = ?", identityID.String()).Delete(&LoginAttempt{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", identityID.String()).Delete(&Identity{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: id %s", ErrIdentityNotFound, identityID.String())
		}
		return nil
	})
}

// RecordAttempt appends one login attempt row.
func (s *Store) RecordAttempt(ctx context.Context, attempt *LoginAttempt) error {
	if attempt == nil {
		return fmt.Errorf("%w: attempt is required", ErrInvalidStoreConfig)
	}
	return s.db.WithContext(ctx).Create(attempt).Error
}

// ListAttempts returns the newest attempts for an identity, newest first.
func (s *Store) ListAttempts(ctx context.Context, identityID IdentityID, limit int) ([]LoginAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	var attempts []LoginAttempt
	err := s.db.WithContext(ctx).
		Where("identity_id = ?", identityID.String()).
		Order("attempted_at DESC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// UpsertActionCode writes a purpose-bound code, overwriting any outstanding
// one for the same identity and purpose in a single statement.
func (s *Store) UpsertActionCode(ctx context.Context, code *ActionCode) error {
	if code == nil {
		return fmt.Errorf("%w: code is required", ErrInvalidStoreConfig)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_id"}, {Name: "purpose"}},
		DoUpdates: clause.AssignmentColumns([]string{"code_hash", "expires_at", "issued_at"}),
	}).Create(code).Error
}

// FindActionCode returns the outstanding code for an identity and purpose.
func (s *Store) FindActionCode(ctx context.Context, identityID IdentityID, purpose ActionPurpose) (*ActionCode, error) {
	var code ActionCode
	err := s.db.WithContext(ctx).
		Where("identity_id = ? AND purpose = ?", identityID.String(), purpose).
		Take(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no %s code for %s", ErrIdentityNotFound, purpose, identityID.String())
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// ConsumeActionCode deletes the code if and only if the stored hash is still
// the one the caller validated against, reporting whether it won the race.
func (s *Store) ConsumeActionCode(ctx context.Context, identityID IdentityID, purpose ActionPurpose, expectedHash string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("identity_id = ? AND purpose = ? AND code_hash = ?", identityID.String(), purpose, expectedHash).
		Delete(&ActionCode{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SweepExpiredActivationCodes clears code material that expired before the
// cutoff, returning those identities to the created state. Verification
// semantics are unchanged: an unverified identity without an outstanding code
// still reports the code as expired.
func (s *Store) SweepExpiredActivationCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Identity{}).
		Where("activation_state = ? AND otp_expires_at < ?", StateOtpPending, cutoff).
		Updates(map[string]interface{}{
			"activation_state": StateCreated,
			"otp_hash":         nil,
			"otp_expires_at":   nil,
		})
	return result.RowsAffected, result.Error
}

// SweepExpiredActionCodes deletes purpose-bound codes that expired before the
// cutoff.
func (s *Store) SweepExpiredActionCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&ActionCode{})
	return result.RowsAffected, result.Error
}

// ListCaptureRefs returns every stored capture reference, used when purging
// the object store alongside the database.
func (s *Store) ListCaptureRefs(ctx context.Context) ([]string, error) {
	var refs []string
	err := s.db.WithContext(ctx).Model(&Identity{}).
		Where("capture_ref <> ''").
		Pluck("capture_ref", &refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// PurgeAll wipes identities, attempts, and action codes. It returns the
// number of identity rows removed.
func (s *Store) PurgeAll(ctx context.Context) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&ActionCode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&LoginAttempt{}).Error; err != nil {
			return err
		}
		result := tx.Where("1 = 1").Delete(&Identity{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return nil
	})
	return removed, err
}
