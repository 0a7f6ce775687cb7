package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veridianlabs/veriface/internal/capture"
	"github.com/veridianlabs/veriface/internal/face"
	"github.com/veridianlabs/veriface/internal/identity"
	"github.com/veridianlabs/veriface/internal/mail"
	"github.com/veridianlabs/veriface/internal/secrets"
	"go.uber.org/zap"
)

const (
	defaultCodeLength = 6
	defaultCodeTTL    = 10 * time.Minute
)

var (
	errMissingStore     = errors.New("identity store is required")
	errMissingExtractor = errors.New("face extractor is required")
	errMissingCaptures  = errors.New("capture store is required")
	errMissingSecrets   = errors.New("password handler is required")
	errMissingMailer    = errors.New("mail sender is required")
	noOpLogger          = zap.NewNop()

	// ErrCodeExpired indicates the confirmation code is past its expiry or no
	// code is outstanding for the operation.
	ErrCodeExpired = errors.New("account: confirmation code expired")
	// ErrCodeMismatch indicates a code that does not match the outstanding
	// hash. The stored code stays valid.
	ErrCodeMismatch = errors.New("account: confirmation code mismatch")
	// ErrCodeMailFailed indicates the confirmation code could not be handed to
	// SMTP.
	ErrCodeMailFailed = errors.New("account: confirmation mail delivery failed")
)

const (
	opServiceNew        = "account.service.new"
	opProfile           = "account.profile"
	opRequestFaceUpdate = "account.request_face_update"
	opConfirmFaceUpdate = "account.confirm_face_update"
	opRequestDeletion   = "account.request_deletion"
	opConfirmDeletion   = "account.confirm_deletion"
)

// ServiceError carries an operation-scoped failure code with its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig bundles the dependencies for the account service.
type ServiceConfig struct {
	Store      *identity.Store
	Extractor  face.Extractor
	Captures   capture.Store
	Secrets    secrets.PasswordHandler
	Mailer     mail.Sender
	Clock      func() time.Time
	CodeLength int
	CodeTTL    time.Duration
	Logger     *zap.Logger
}

// Service manages the account operations that sit outside the login path:
// profile reads, code-gated face re-enrollment, and code-gated deletion.
// Confirmation codes live in their own table keyed by purpose, so they never
// touch the activation lifecycle on the identity row.
type Service struct {
	store      *identity.Store
	extractor  face.Extractor
	captures   capture.Store
	secrets    secrets.PasswordHandler
	mailer     mail.Sender
	clock      func() time.Time
	codeLength int
	codeTTL    time.Duration
	logger     *zap.Logger
}

// NewService constructs the account service with validated dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Extractor == nil {
		return nil, newServiceError(opServiceNew, "missing_extractor", errMissingExtractor)
	}
	if cfg.Captures == nil {
		return nil, newServiceError(opServiceNew, "missing_captures", errMissingCaptures)
	}
	if cfg.Secrets == nil {
		return nil, newServiceError(opServiceNew, "missing_secrets", errMissingSecrets)
	}
	if cfg.Mailer == nil {
		return nil, newServiceError(opServiceNew, "missing_mailer", errMissingMailer)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	codeLength := cfg.CodeLength
	if codeLength <= 0 {
		codeLength = defaultCodeLength
	}
	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = defaultCodeTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		extractor:  cfg.Extractor,
		captures:   cfg.Captures,
		secrets:    cfg.Secrets,
		mailer:     cfg.Mailer,
		clock:      clock,
		codeLength: codeLength,
		codeTTL:    codeTTL,
		logger:     logger,
	}, nil
}

// Profile is the caller-visible projection of an identity. Hashes, embeddings
// and code material never appear here.
type Profile struct {
	IdentityID  string
	FullName    string
	Email       string
	Verified    bool
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// Profile returns the public fields of the session identity.
func (s *Service) Profile(ctx context.Context, identityID string) (Profile, error) {
	id, err := identity.NewIdentityID(identityID)
	if err != nil {
		return Profile{}, newServiceError(opProfile, "invalid_identity_id", err)
	}
	record, err := s.store.FindByID(ctx, id)
	if err != nil {
		return Profile{}, newServiceError(opProfile, "identity_lookup_failed", err)
	}
	return Profile{
		IdentityID:  record.ID,
		FullName:    record.FullName,
		Email:       record.Email,
		Verified:    record.IsVerified(),
		CreatedAt:   record.CreatedAt,
		LastLoginAt: record.LastLoginAt,
	}, nil
}

// RequestFaceUpdate validates the replacement capture and emails a
// confirmation code. The embedding swap itself happens only in
// ConfirmFaceUpdate, after the code round-trips.
func (s *Service) RequestFaceUpdate(ctx context.Context, identityID string, image []byte) error {
	record, err := s.loadIdentity(ctx, opRequestFaceUpdate, identityID)
	if err != nil {
		return err
	}

	// Reject unusable captures before the user burns a code on them.
	if _, err := s.extractor.Extract(ctx, image); err != nil {
		if errors.Is(err, face.ErrNoFaceDetected) || errors.Is(err, face.ErrMultipleFacesDetected) {
			return newServiceError(opRequestFaceUpdate, "extraction_rejected", err)
		}
		s.logError(opRequestFaceUpdate, "extraction_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(opRequestFaceUpdate, "extraction_failed", err)
	}

	return s.issueCode(ctx, opRequestFaceUpdate, record, identity.ActionFaceUpdate, mail.FaceUpdateMail)
}

// ConfirmFaceUpdate consumes the outstanding face-update code, re-runs the
// duplicate-face policy against every other identity, and swaps the stored
// embedding and capture atomically. The superseded capture object is removed
// best-effort.
func (s *Service) ConfirmFaceUpdate(ctx context.Context, identityID, code string, image []byte) error {
	record, err := s.loadIdentity(ctx, opConfirmFaceUpdate, identityID)
	if err != nil {
		return err
	}

	if err := s.consumeCode(ctx, opConfirmFaceUpdate, record, identity.ActionFaceUpdate, code); err != nil {
		return err
	}

	embedding, err := s.extractor.Extract(ctx, image)
	if err != nil {
		if errors.Is(err, face.ErrNoFaceDetected) || errors.Is(err, face.ErrMultipleFacesDetected) {
			return newServiceError(opConfirmFaceUpdate, "extraction_rejected", err)
		}
		s.logError(opConfirmFaceUpdate, "extraction_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(opConfirmFaceUpdate, "extraction_failed", err)
	}

	now := s.clock().UTC()
	id, err := identity.NewIdentityID(record.ID)
	if err != nil {
		return newServiceError(opConfirmFaceUpdate, "corrupt_record", err)
	}

	newKey := capture.StorageKey(now, record.ID)
	if err := s.captures.Save(ctx, newKey, image, "image/jpeg"); err != nil {
		s.logError(opConfirmFaceUpdate, "capture_save_failed", err, zap.String("key", newKey))
		return newServiceError(opConfirmFaceUpdate, "capture_save_failed", err)
	}

	if err := s.store.ReplaceEmbedding(ctx, id, embedding, newKey); err != nil {
		s.removeCapture(opConfirmFaceUpdate, newKey)
		if errors.Is(err, identity.ErrDuplicateFace) {
			return newServiceError(opConfirmFaceUpdate, "duplicate_face", err)
		}
		s.logError(opConfirmFaceUpdate, "embedding_swap_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(opConfirmFaceUpdate, "embedding_swap_failed", err)
	}

	if record.CaptureRef != "" && record.CaptureRef != newKey {
		s.removeCapture(opConfirmFaceUpdate, record.CaptureRef)
	}

	s.logger.Info("face re-enrolled", zap.String("identity_id", record.ID))
	return nil
}

// RequestDeletion emails a deletion confirmation code.
func (s *Service) RequestDeletion(ctx context.Context, identityID string) error {
	record, err := s.loadIdentity(ctx, opRequestDeletion, identityID)
	if err != nil {
		return err
	}
	return s.issueCode(ctx, opRequestDeletion, record, identity.ActionDeletion, mail.DeletionMail)
}

// ConfirmDeletion consumes the outstanding deletion code and hard-deletes the
// identity with its audit trail and capture object. The goodbye mail is
// best-effort.
func (s *Service) ConfirmDeletion(ctx context.Context, identityID, code string) error {
	record, err := s.loadIdentity(ctx, opConfirmDeletion, identityID)
	if err != nil {
		return err
	}

	if err := s.consumeCode(ctx, opConfirmDeletion, record, identity.ActionDeletion, code); err != nil {
		return err
	}

	id, err := identity.NewIdentityID(record.ID)
	if err != nil {
		return newServiceError(opConfirmDeletion, "corrupt_record", err)
	}

	if record.CaptureRef != "" {
		s.removeCapture(opConfirmDeletion, record.CaptureRef)
	}

	if err := s.store.DeleteIdentity(ctx, id); err != nil {
		s.logError(opConfirmDeletion, "delete_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(opConfirmDeletion, "delete_failed", err)
	}

	if message, renderErr := mail.DeletionConfirmedMail(record.Email, record.FullName); renderErr == nil {
		mail.SendAsync(s.mailer, message, s.logger)
	}

	s.logger.Info("identity deleted", zap.String("identity_id", record.ID))
	return nil
}

func (s *Service) loadIdentity(ctx context.Context, operation, identityID string) (*identity.Identity, error) {
	id, err := identity.NewIdentityID(identityID)
	if err != nil {
		return nil, newServiceError(operation, "invalid_identity_id", err)
	}
	record, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, newServiceError(operation, "identity_lookup_failed", err)
	}
	return record, nil
}

type codeMailRenderer func(to, name, code string, ttl time.Duration) (mail.Message, error)

// issueCode writes a purpose-bound code, overwriting any outstanding one, and
// mails it. Delivery is required to attempt: a failed send surfaces as an
// error, though the code stays outstanding for a retry.
func (s *Service) issueCode(ctx context.Context, operation string, record *identity.Identity, purpose identity.ActionPurpose, render codeMailRenderer) error {
	code, err := secrets.GenerateNumericCode(s.codeLength)
	if err != nil {
		s.logError(operation, "code_generation_failed", err)
		return newServiceError(operation, "code_generation_failed", err)
	}
	codeHash, err := s.secrets.Hash(code)
	if err != nil {
		s.logError(operation, "code_hash_failed", err)
		return newServiceError(operation, "code_hash_failed", err)
	}

	now := s.clock().UTC()
	actionCode := &identity.ActionCode{
		IdentityID: record.ID,
		Purpose:    purpose,
		CodeHash:   codeHash,
		ExpiresAt:  now.Add(s.codeTTL),
		IssuedAt:   now,
	}
	if err := s.store.UpsertActionCode(ctx, actionCode); err != nil {
		s.logError(operation, "code_write_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(operation, "code_write_failed", err)
	}

	message, err := render(record.Email, record.FullName, code, s.codeTTL)
	if err == nil {
		err = s.mailer.Send(ctx, message)
	}
	if err != nil {
		s.logError(operation, "code_mail_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(operation, "code_mail_failed",
			fmt.Errorf("%w: %v", ErrCodeMailFailed, err))
	}

	s.logger.Info("confirmation code issued",
		zap.String("identity_id", record.ID),
		zap.String("purpose", string(purpose)))
	return nil
}

// consumeCode validates and atomically consumes the outstanding code for the
// purpose. A wrong guess leaves the code intact; consumption is
// compare-and-swap so two concurrent confirms honor exactly one.
func (s *Service) consumeCode(ctx context.Context, operation string, record *identity.Identity, purpose identity.ActionPurpose, code string) error {
	id, err := identity.NewIdentityID(record.ID)
	if err != nil {
		return newServiceError(operation, "corrupt_record", err)
	}

	actionCode, err := s.store.FindActionCode(ctx, id, purpose)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityNotFound) {
			return newServiceError(operation, "code_expired", ErrCodeExpired)
		}
		s.logError(operation, "code_lookup_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(operation, "code_lookup_failed", err)
	}

	if s.clock().UTC().After(actionCode.ExpiresAt) {
		return newServiceError(operation, "code_expired", ErrCodeExpired)
	}

	matches, err := s.secrets.Verify(code, actionCode.CodeHash)
	if err != nil {
		s.logError(operation, "code_verify_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(operation, "code_verify_failed", err)
	}
	if !matches {
		return newServiceError(operation, "code_mismatch", ErrCodeMismatch)
	}

	consumed, err := s.store.ConsumeActionCode(ctx, id, purpose, actionCode.CodeHash)
	if err != nil {
		s.logError(operation, "code_consume_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(operation, "code_consume_failed", err)
	}
	if !consumed {
		return newServiceError(operation, "code_expired", ErrCodeExpired)
	}
	return nil
}

func (s *Service) removeCapture(operation, key string) {
	removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.captures.Delete(removeCtx, key); err != nil {
		s.logError(operation, "capture_delete_failed", err, zap.String("key", key))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("account service error", attrs...)
}
