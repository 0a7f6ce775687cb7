package enroll

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
	minPasswordLength = 8

	defaultOTPLength = 6
	defaultOTPTTL    = 10 * time.Minute
)

var (
	errMissingStore      = errors.New("identity store is required")
	errMissingExtractor  = errors.New("face extractor is required")
	errMissingCaptures   = errors.New("capture store is required")
	errMissingSecrets    = errors.New("password handler is required")
	errMissingMailer     = errors.New("mail sender is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrWeakPassword indicates a password below the minimum length.
	ErrWeakPassword = fmt.Errorf("enroll: password must be at least %d characters", minPasswordLength)
	// ErrOTPExpired indicates the activation code is past its expiry, or that
	// no code is outstanding for the identity.
	ErrOTPExpired = errors.New("enroll: activation code expired")
	// ErrOTPMismatch indicates a code that does not match the outstanding hash.
	// The stored code stays valid; the caller may retry.
	ErrOTPMismatch = errors.New("enroll: activation code mismatch")
	// ErrAlreadyVerified indicates activation was already completed.
	ErrAlreadyVerified = errors.New("enroll: account already verified")
	// ErrActivationMailFailed indicates the code could not be handed to SMTP.
	// A registration that hits it is rolled back.
	ErrActivationMailFailed = errors.New("enroll: activation mail delivery failed")
)

const (
	opServiceNew       = "enroll.service.new"
	opRegister         = "enroll.register"
	opVerifyActivation = "enroll.verify_activation"
	opResendActivation = "enroll.resend_activation"
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

// ServiceConfig bundles the dependencies for the enrollment service.
type ServiceConfig struct {
	Store      *identity.Store
	Extractor  face.Extractor
	Captures   capture.Store
	Secrets    secrets.PasswordHandler
	Mailer     mail.Sender
	IDProvider identity.IDProvider
	Clock      func() time.Time
	OTPLength  int
	OTPTTL     time.Duration
	Logger     *zap.Logger
}

// Service enrolls identities and drives the activation lifecycle: a new
// identity starts unverified with an outstanding code, a matching code within
// its window flips it to verified exactly once, and resends overwrite the
// outstanding code atomically.
type Service struct {
	store      *identity.Store
	extractor  face.Extractor
	captures   capture.Store
	secrets    secrets.PasswordHandler
	mailer     mail.Sender
	idProvider identity.IDProvider
	clock      func() time.Time
	otpLength  int
	otpTTL     time.Duration
	logger     *zap.Logger
}

// NewService constructs the enrollment service with validated dependencies.
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
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	otpLength := cfg.OTPLength
	if otpLength <= 0 {
		otpLength = defaultOTPLength
	}
	otpTTL := cfg.OTPTTL
	if otpTTL <= 0 {
		otpTTL = defaultOTPTTL
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
		idProvider: cfg.IDProvider,
		clock:      clock,
		otpLength:  otpLength,
		otpTTL:     otpTTL,
		logger:     logger,
	}, nil
}

// RegistrationResult reports the enrolled identity awaiting activation.
type RegistrationResult struct {
	IdentityID string
	Email      string
}

// Register enrolls a new identity: extracts the face embedding, archives the
// capture, inserts the record with the duplicate-face and duplicate-email
// checks applied atomically, and emails the activation code. The identity is
// rolled back if the activation mail cannot be handed off, so a completed
// registration always had its code dispatched.
func (s *Service) Register(ctx context.Context, name, email, password string, image []byte) (RegistrationResult, error) {
	fullName, err := identity.NewFullName(name)
	if err != nil {
		return RegistrationResult{}, newServiceError(opRegister, "invalid_name", err)
	}
	address, err := identity.NewEmailAddress(email)
	if err != nil {
		return RegistrationResult{}, newServiceError(opRegister, "invalid_email", err)
	}
	if len(password) < minPasswordLength {
		return RegistrationResult{}, newServiceError(opRegister, "weak_password", ErrWeakPassword)
	}

	embedding, err := s.extractor.Extract(ctx, image)
	if err != nil {
		if errors.Is(err, face.ErrNoFaceDetected) || errors.Is(err, face.ErrMultipleFacesDetected) {
			return RegistrationResult{}, newServiceError(opRegister, "extraction_rejected", err)
		}
		s.logError(opRegister, "extraction_failed", err, zap.String("email", address.String()))
		return RegistrationResult{}, newServiceError(opRegister, "extraction_failed", err)
	}

	passwordHash, err := s.secrets.Hash(password)
	if err != nil {
		s.logError(opRegister, "password_hash_failed", err)
		return RegistrationResult{}, newServiceError(opRegister, "password_hash_failed", err)
	}

	identityID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRegister, "id_generation_failed", err)
		return RegistrationResult{}, newServiceError(opRegister, "id_generation_failed", err)
	}

	now := s.clock().UTC()

	code, err := secrets.GenerateNumericCode(s.otpLength)
	if err != nil {
		s.logError(opRegister, "code_generation_failed", err)
		return RegistrationResult{}, newServiceError(opRegister, "code_generation_failed", err)
	}
	codeHash, err := s.secrets.Hash(code)
	if err != nil {
		s.logError(opRegister, "code_hash_failed", err)
		return RegistrationResult{}, newServiceError(opRegister, "code_hash_failed", err)
	}

	captureKey := capture.StorageKey(now, identityID)
	if err := s.captures.Save(ctx, captureKey, image, "image/jpeg"); err != nil {
		s.logError(opRegister, "capture_save_failed", err, zap.String("key", captureKey))
		return RegistrationResult{}, newServiceError(opRegister, "capture_save_failed", err)
	}

	expiresAt := now.Add(s.otpTTL)
	record := &identity.Identity{
		ID:              identityID,
		FullName:        fullName.String(),
		Email:           address.String(),
		PasswordHash:    passwordHash,
		CaptureRef:      captureKey,
		ActivationState: identity.StateOtpPending,
		OTPHash:         &codeHash,
		OTPExpiresAt:    &expiresAt,
	}

	if err := s.store.CreateIdentity(ctx, record, embedding); err != nil {
		s.removeCapture(captureKey)
		if errors.Is(err, identity.ErrDuplicateEmail) || errors.Is(err, identity.ErrDuplicateFace) {
			return RegistrationResult{}, newServiceError(opRegister, "duplicate_identity", err)
		}
		s.logError(opRegister, "insert_failed", err, zap.String("email", address.String()))
		return RegistrationResult{}, newServiceError(opRegister, "insert_failed", err)
	}

	message, err := mail.ActivationMail(address.String(), fullName.String(), code, s.otpTTL)
	if err == nil {
		err = s.mailer.Send(ctx, message)
	}
	if err != nil {
		s.logError(opRegister, "activation_mail_failed", err, zap.String("identity_id", identityID))
		s.rollbackRegistration(ctx, identityID, captureKey)
		return RegistrationResult{}, newServiceError(opRegister, "activation_mail_failed",
			fmt.Errorf("%w: %v", ErrActivationMailFailed, err))
	}

	s.logger.Info("identity enrolled",
		zap.String("identity_id", identityID),
		zap.String("email", address.String()))

	return RegistrationResult{IdentityID: identityID, Email: address.String()}, nil
}

// VerifyActivation consumes an outstanding activation code. Expired and
// mismatched codes are rejected without altering stored state; a verified
// identity rejects further calls with ErrAlreadyVerified and never re-runs
// activation side effects.
func (s *Service) VerifyActivation(ctx context.Context, email, code string) error {
	address, err := identity.NewEmailAddress(email)
	if err != nil {
		return newServiceError(opVerifyActivation, "invalid_email", err)
	}

	record, err := s.store.FindByEmail(ctx, address)
	if err != nil {
		return newServiceError(opVerifyActivation, "identity_lookup_failed", err)
	}

	activation, err := record.Activation()
	if err != nil {
		s.logError(opVerifyActivation, "corrupt_record", err, zap.String("identity_id", record.ID))
		return newServiceError(opVerifyActivation, "corrupt_record", err)
	}

	switch activation.State {
	case identity.StateVerified:
		return newServiceError(opVerifyActivation, "already_verified", ErrAlreadyVerified)
	case identity.StateCreated:
		// No outstanding code, either never issued or swept after expiry.
		return newServiceError(opVerifyActivation, "code_expired", ErrOTPExpired)
	}

	now := s.clock().UTC()
	if now.After(activation.ExpiresAt) {
		return newServiceError(opVerifyActivation, "code_expired", ErrOTPExpired)
	}

	matches, err := s.secrets.Verify(code, activation.CodeHash)
	if err != nil {
		s.logError(opVerifyActivation, "code_verify_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(opVerifyActivation, "code_verify_failed", err)
	}
	if !matches {
		return newServiceError(opVerifyActivation, "code_mismatch", ErrOTPMismatch)
	}

	identityID, err := identity.NewIdentityID(record.ID)
	if err != nil {
		return newServiceError(opVerifyActivation, "corrupt_record", err)
	}
	consumed, err := s.store.ConsumeActivationCode(ctx, identityID, activation.CodeHash, now)
	if err != nil {
		s.logError(opVerifyActivation, "consume_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(opVerifyActivation, "consume_failed", err)
	}
	if !consumed {
		// A concurrent verification or resend won the compare-and-swap.
		current, readErr := s.store.FindByID(ctx, identityID)
		if readErr == nil && current.IsVerified() {
			return newServiceError(opVerifyActivation, "already_verified", ErrAlreadyVerified)
		}
		return newServiceError(opVerifyActivation, "code_mismatch", ErrOTPMismatch)
	}

	s.logger.Info("identity activated", zap.String("identity_id", record.ID))
	return nil
}

// ResendActivation issues a fresh code for an unverified identity, atomically
// superseding whatever code was outstanding, and emails it.
func (s *Service) ResendActivation(ctx context.Context, email string) error {
	address, err := identity.NewEmailAddress(email)
	if err != nil {
		return newServiceError(opResendActivation, "invalid_email", err)
	}

	record, err := s.store.FindByEmail(ctx, address)
	if err != nil {
		return newServiceError(opResendActivation, "identity_lookup_failed", err)
	}
	if record.IsVerified() {
		return newServiceError(opResendActivation, "already_verified", ErrAlreadyVerified)
	}

	code, err := secrets.GenerateNumericCode(s.otpLength)
	if err != nil {
		s.logError(opResendActivation, "code_generation_failed", err)
		return newServiceError(opResendActivation, "code_generation_failed", err)
	}
	codeHash, err := s.secrets.Hash(code)
	if err != nil {
		s.logError(opResendActivation, "code_hash_failed", err)
		return newServiceError(opResendActivation, "code_hash_failed", err)
	}

	identityID, err := identity.NewIdentityID(record.ID)
	if err != nil {
		return newServiceError(opResendActivation, "corrupt_record", err)
	}

	now := s.clock().UTC()
	if err := s.store.SetActivationCode(ctx, identityID, codeHash, now.Add(s.otpTTL)); err != nil {
		if errors.Is(err, identity.ErrAlreadyVerified) {
			return newServiceError(opResendActivation, "already_verified", ErrAlreadyVerified)
		}
		s.logError(opResendActivation, "code_write_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(opResendActivation, "code_write_failed", err)
	}

	message, err := mail.ActivationMail(address.String(), record.FullName, code, s.otpTTL)
	if err == nil {
		err = s.mailer.Send(ctx, message)
	}
	if err != nil {
		s.logError(opResendActivation, "activation_mail_failed", err, zap.String("identity_id", record.ID))
		return newServiceError(opResendActivation, "activation_mail_failed",
			fmt.Errorf("%w: %v", ErrActivationMailFailed, err))
	}

	s.logger.Info("activation code reissued", zap.String("identity_id", record.ID))
	return nil
}

// rollbackRegistration undoes a registration whose activation mail never left
// the building. Failures are logged; the sweeper and purge paths mop up.
func (s *Service) rollbackRegistration(ctx context.Context, identityID, captureKey string) {
	id, err := identity.NewIdentityID(identityID)
	if err != nil {
		return
	}
	if err := s.store.DeleteIdentity(ctx, id); err != nil {
		s.logError(opRegister, "rollback_failed", err, zap.String("identity_id", identityID))
	}
	s.removeCapture(captureKey)
}

func (s *Service) removeCapture(key string) {
	removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.captures.Delete(removeCtx, key); err != nil {
		s.logError(opRegister, "capture_delete_failed", err, zap.String("key", key))
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
	s.logger.Error("enrollment service error", attrs...)
}
