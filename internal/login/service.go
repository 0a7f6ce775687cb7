package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veridianlabs/veriface/internal/face"
	"github.com/veridianlabs/veriface/internal/identity"
	"github.com/veridianlabs/veriface/internal/mail"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

var (
	errMissingStore      = errors.New("identity store is required")
	errMissingExtractor  = errors.New("face extractor is required")
	errMissingSessions   = errors.New("session issuer is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrAuthenticationFailed is the single outward error for every rejected
	// login whose cause must stay undisclosed. The audited failure reason
	// never crosses this boundary.
	ErrAuthenticationFailed = errors.New("login: invalid credentials")
	// ErrActivationRequired indicates a login against an identity that has not
	// completed email verification. Safe to disclose: the caller supplied the
	// address, and the message directs them to a corrective action.
	ErrActivationRequired = errors.New("login: account activation required")
	// ErrAuditWriteFailed indicates the attempt record could not be appended.
	// The login fails with it even when the face check passed, because the
	// audit trail is part of the contract.
	ErrAuditWriteFailed = errors.New("login: audit write failed")
)

const (
	opServiceNew = "login.service.new"
	opLogin      = "login.attempt"
	opHistory    = "login.history"
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

// SessionIssuer mints the session credential once a login is accepted.
type SessionIssuer interface {
	IssueSessionToken(ctx context.Context, identityID, email, name string) (string, int64, error)
}

// ServiceConfig bundles the dependencies for the verification service. Mailer
// and Dispatcher are optional; without them logins succeed with no alert mail
// or fan-out.
type ServiceConfig struct {
	Store      *identity.Store
	Extractor  face.Extractor
	Sessions   SessionIssuer
	Mailer     mail.Sender
	Dispatcher *AttemptDispatcher
	IDProvider identity.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service drives one login attempt end to end: resolve the claimed identity,
// compare the live capture against its stored embedding, append exactly one
// audit row whatever the outcome, and issue the session on success.
type Service struct {
	store      *identity.Store
	extractor  face.Extractor
	sessions   SessionIssuer
	mailer     mail.Sender
	dispatcher *AttemptDispatcher
	idProvider identity.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the verification service with validated dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Extractor == nil {
		return nil, newServiceError(opServiceNew, "missing_extractor", errMissingExtractor)
	}
	if cfg.Sessions == nil {
		return nil, newServiceError(opServiceNew, "missing_sessions", errMissingSessions)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		extractor:  cfg.Extractor,
		sessions:   cfg.Sessions,
		mailer:     cfg.Mailer,
		dispatcher: cfg.Dispatcher,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Request carries one login attempt's inputs.
type Request struct {
	Email       string
	Image       []byte
	SourceIP    string
	ClientAgent string
}

// Result reports an accepted login.
type Result struct {
	IdentityID  string
	AccessToken string
	ExpiresIn   int64
	Similarity  float64
}

// Login runs the verification pipeline. Every call, accepted or rejected,
// appends exactly one attempt row; rejections collapse to
// ErrAuthenticationFailed except the actionable ErrActivationRequired.
func (s *Service) Login(ctx context.Context, request Request) (Result, error) {
	now := s.clock().UTC()
	claimedEmail := strings.ToLower(strings.TrimSpace(request.Email))

	address, err := identity.NewEmailAddress(request.Email)
	if err != nil {
		return Result{}, s.reject(ctx, now, nil, claimedEmail, request, nil, identity.FailureIdentityNotFound, ErrAuthenticationFailed)
	}

	record, err := s.store.FindByEmail(ctx, address)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityNotFound) {
			return Result{}, s.reject(ctx, now, nil, address.String(), request, nil, identity.FailureIdentityNotFound, ErrAuthenticationFailed)
		}
		s.logError(opLogin, "identity_lookup_failed", err)
		return Result{}, newServiceError(opLogin, "identity_lookup_failed", err)
	}

	if !record.IsVerified() {
		return Result{}, s.reject(ctx, now, record, address.String(), request, nil, identity.FailureNotVerified, ErrActivationRequired)
	}

	if !record.HasEmbedding() {
		return Result{}, s.reject(ctx, now, record, address.String(), request, nil, identity.FailureEnrollmentIncomplete, ErrAuthenticationFailed)
	}

	probe, err := s.extractor.Extract(ctx, request.Image)
	if err != nil {
		if errors.Is(err, face.ErrNoFaceDetected) || errors.Is(err, face.ErrMultipleFacesDetected) {
			// Sub-reason kept in the log stream for diagnostics.
			s.logger.Info("login capture rejected by extractor",
				zap.String("identity_id", record.ID),
				zap.Error(err))
			return Result{}, s.reject(ctx, now, record, address.String(), request, nil, identity.FailureFaceExtraction, ErrAuthenticationFailed)
		}
		s.logError(opLogin, "extraction_failed", err, zap.String("identity_id", record.ID))
		return Result{}, newServiceError(opLogin, "extraction_failed", err)
	}

	stored, err := face.DecodeEmbedding(record.EmbeddingJSON)
	if err != nil {
		s.logError(opLogin, "corrupt_embedding", err, zap.String("identity_id", record.ID))
		return Result{}, newServiceError(opLogin, "corrupt_embedding", err)
	}

	score, err := s.store.Matcher().Similarity(probe, stored)
	if err != nil {
		s.logError(opLogin, "similarity_failed", err, zap.String("identity_id", record.ID))
		return Result{}, newServiceError(opLogin, "similarity_failed", err)
	}

	if !s.store.Matcher().AuthMatch(score) {
		return Result{}, s.reject(ctx, now, record, address.String(), request, &score, identity.FailureFaceMismatch, ErrAuthenticationFailed)
	}

	identityID, err := identity.NewIdentityID(record.ID)
	if err != nil {
		return Result{}, newServiceError(opLogin, "corrupt_record", err)
	}

	token, expiresIn, err := s.sessions.IssueSessionToken(ctx, record.ID, record.Email, record.FullName)
	if err != nil {
		s.logError(opLogin, "session_issue_failed", err, zap.String("identity_id", record.ID))
		return Result{}, newServiceError(opLogin, "session_issue_failed", err)
	}

	// Audit row and last_login_at land in one transaction: a failed audit
	// write leaves the identity row untouched.
	if err := s.recordAccepted(ctx, now, record, identityID, address.String(), request, &score); err != nil {
		return Result{}, newServiceError(opLogin, "audit_write_failed",
			fmt.Errorf("%w: %v", ErrAuditWriteFailed, err))
	}

	if s.mailer != nil {
		message, renderErr := mail.LoginAlertMail(record.Email, record.FullName, now, score, request.SourceIP)
		if renderErr != nil {
			s.logError(opLogin, "alert_render_failed", renderErr, zap.String("identity_id", record.ID))
		} else {
			mail.SendAsync(s.mailer, message, s.logger)
		}
	}

	s.logger.Info("login accepted",
		zap.String("identity_id", record.ID),
		zap.Float64("similarity", score))

	return Result{
		IdentityID:  record.ID,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		Similarity:  score,
	}, nil
}

// History returns the newest attempts recorded for an identity.
func (s *Service) History(ctx context.Context, identityID string, limit int) ([]identity.LoginAttempt, error) {
	id, err := identity.NewIdentityID(identityID)
	if err != nil {
		return nil, newServiceError(opHistory, "invalid_identity_id", err)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	attempts, err := s.store.ListAttempts(ctx, id, limit)
	if err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("identity_id", identityID))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return attempts, nil
}

// reject appends the failure attempt row and returns the caller-visible error.
// The recorded reason stays internal.
func (s *Service) reject(ctx context.Context, now time.Time, record *identity.Identity, claimedEmail string, request Request, score *float64, reason identity.FailureReason, outward error) error {
	reasonValue := string(reason)
	if err := s.recordAttempt(ctx, now, record, claimedEmail, request, score, &reasonValue); err != nil {
		return newServiceError(opLogin, "audit_write_failed",
			fmt.Errorf("%w: %v", ErrAuditWriteFailed, err))
	}
	return newServiceError(opLogin, string(reason), outward)
}

func (s *Service) recordAttempt(ctx context.Context, now time.Time, record *identity.Identity, claimedEmail string, request Request, score *float64, reason *string) error {
	attempt, err := s.buildAttempt(now, record, claimedEmail, request, score, reason)
	if err != nil {
		return err
	}

	if err := s.store.RecordAttempt(ctx, attempt); err != nil {
		s.logError(opLogin, "audit_insert_failed", err, zap.String("email", claimedEmail))
		return err
	}

	s.publishAttempt(record, attempt)
	return nil
}

// recordAccepted persists the success attempt together with the
// last_login_at stamp.
func (s *Service) recordAccepted(ctx context.Context, now time.Time, record *identity.Identity, identityID identity.IdentityID, claimedEmail string, request Request, score *float64) error {
	attempt, err := s.buildAttempt(now, record, claimedEmail, request, score, nil)
	if err != nil {
		return err
	}

	if err := s.store.RecordSuccessfulLogin(ctx, attempt, identityID, now); err != nil {
		s.logError(opLogin, "audit_insert_failed", err, zap.String("email", claimedEmail))
		return err
	}

	s.publishAttempt(record, attempt)
	return nil
}

func (s *Service) buildAttempt(now time.Time, record *identity.Identity, claimedEmail string, request Request, score *float64, reason *string) (*identity.LoginAttempt, error) {
	attemptID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opLogin, "id_generation_failed", err)
		return nil, err
	}

	attempt := &identity.LoginAttempt{
		ID:            attemptID,
		Email:         claimedEmail,
		Success:       reason == nil,
		FailureReason: reason,
		Similarity:    score,
		SourceIP:      request.SourceIP,
		ClientAgent:   request.ClientAgent,
		AttemptedAt:   now,
	}
	if record != nil {
		identityID := record.ID
		attempt.IdentityID = &identityID
	}
	return attempt, nil
}

func (s *Service) publishAttempt(record *identity.Identity, attempt *identity.LoginAttempt) {
	if s.dispatcher == nil || record == nil {
		return
	}
	event := AttemptEvent{
		IdentityID:  record.ID,
		Email:       attempt.Email,
		Success:     attempt.Success,
		Similarity:  attempt.Similarity,
		SourceIP:    attempt.SourceIP,
		AttemptedAt: attempt.AttemptedAt,
	}
	if attempt.FailureReason != nil {
		event.FailureReason = *attempt.FailureReason
	}
	s.dispatcher.Publish(event)
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
	s.logger.Error("login service error", attrs...)
}
