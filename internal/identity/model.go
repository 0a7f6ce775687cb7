package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	maxEmailLength      = 320
	maxFullNameLength   = 320
)

var (
	// ErrInvalidIdentityID indicates an identifier that is empty or exceeds storage bounds.
	ErrInvalidIdentityID = errors.New("identity: invalid identity id")
	// ErrInvalidEmail indicates an address that fails syntactic validation.
	ErrInvalidEmail = errors.New("identity: invalid email address")
	// ErrInvalidFullName indicates a display name that is empty or exceeds storage bounds.
	ErrInvalidFullName = errors.New("identity: invalid full name")
	// ErrCorruptRecord indicates persisted state that violates the activation mapping.
	ErrCorruptRecord = errors.New("identity: corrupt record")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// IdentityID represents a validated identity identifier.
type IdentityID string

// NewIdentityID validates raw input and returns an IdentityID.
func NewIdentityID(rawInput string) (IdentityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentityID, maxIdentifierLength)
	}
	return IdentityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id IdentityID) String() string {
	return string(id)
}

// EmailAddress represents a validated, normalized email address. Normalization
// lowercases and trims so lookups and the uniqueness constraint agree.
type EmailAddress string

// NewEmailAddress validates raw input and returns a normalized EmailAddress.
func NewEmailAddress(rawInput string) (EmailAddress, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	if len(normalized) > maxEmailLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEmail, maxEmailLength)
	}
	if !emailPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, normalized)
	}
	return EmailAddress(normalized), nil
}

// String returns the normalized address.
func (e EmailAddress) String() string {
	return string(e)
}

// FullName represents a validated display name.
type FullName string

// NewFullName validates raw input and returns a FullName.
func NewFullName(rawInput string) (FullName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFullName)
	}
	if len(trimmed) > maxFullNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFullName, maxFullNameLength)
	}
	return FullName(trimmed), nil
}

// String returns the underlying name.
func (n FullName) String() string {
	return string(n)
}

// ActivationState enumerates the persisted activation column values.
type ActivationState string

const (
	// StateCreated marks an enrolled identity with no outstanding activation code.
	StateCreated ActivationState = "created"
	// StateOtpPending marks an identity awaiting code confirmation.
	StateOtpPending ActivationState = "otp_pending"
	// StateVerified marks a fully activated identity.
	StateVerified ActivationState = "verified"
)

// Activation is the decoded activation variant of an identity. Exactly the
// fields implied by State are populated: OtpPending carries CodeHash and
// ExpiresAt, Verified carries VerifiedAt, Created carries nothing.
type Activation struct {
	State      ActivationState
	CodeHash   string
	ExpiresAt  time.Time
	VerifiedAt time.Time
}

// Identity models an enrolled person: credentials, face embedding, and
// activation lifecycle columns.
type Identity struct {
	ID              string          `gorm:"column:id;primaryKey;size:190;not null"`
	FullName        string          `gorm:"column:full_name;size:320;not null"`
	Email           string          `gorm:"column:email;size:320;not null;uniqueIndex:uq_identities_email"`
	PasswordHash    string          `gorm:"column:password_hash;size:190;not null"`
	EmbeddingJSON   json.RawMessage `gorm:"column:face_embedding;type:json"`
	CaptureRef      string          `gorm:"column:capture_ref;size:512"`
	ActivationState ActivationState `gorm:"column:activation_state;size:32;not null;default:'created'"`
	OTPHash         *string         `gorm:"column:otp_hash;size:190"`
	OTPExpiresAt    *time.Time      `gorm:"column:otp_expires_at"`
	VerifiedAt      *time.Time      `gorm:"column:verified_at"`
	LastLoginAt     *time.Time      `gorm:"column:last_login_at"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Identity) TableName() string {
	return "identities"
}

// Activation decodes the persisted activation columns into the variant form,
// verifying the mapping invariants on the way out.
func (i *Identity) Activation() (Activation, error) {
	switch i.ActivationState {
	case StateCreated:
		return Activation{State: StateCreated}, nil
	case StateOtpPending:
		if i.OTPHash == nil || *i.OTPHash == "" || i.OTPExpiresAt == nil {
			return Activation{}, fmt.Errorf("%w: pending activation without code material for %s", ErrCorruptRecord, i.ID)
		}
		return Activation{State: StateOtpPending, CodeHash: *i.OTPHash, ExpiresAt: *i.OTPExpiresAt}, nil
	case StateVerified:
		if i.VerifiedAt == nil {
			return Activation{}, fmt.Errorf("%w: verified identity without timestamp for %s", ErrCorruptRecord, i.ID)
		}
		return Activation{State: StateVerified, VerifiedAt: *i.VerifiedAt}, nil
	default:
		return Activation{}, fmt.Errorf("%w: unknown activation state %q for %s", ErrCorruptRecord, i.ActivationState, i.ID)
	}
}

// IsVerified reports whether the identity completed activation.
func (i *Identity) IsVerified() bool {
	return i.ActivationState == StateVerified
}

// HasEmbedding reports whether an embedding is stored for the identity.
func (i *Identity) HasEmbedding() bool {
	return len(i.EmbeddingJSON) > 0
}

// FailureReason enumerates the closed set of audited login failure causes.
type FailureReason string

const (
	// FailureIdentityNotFound records a login against an unknown email.
	FailureIdentityNotFound FailureReason = "identity_not_found"
	// FailureNotVerified records a login before activation completed.
	FailureNotVerified FailureReason = "not_verified"
	// FailureEnrollmentIncomplete records a login against an identity with no stored embedding.
	FailureEnrollmentIncomplete FailureReason = "enrollment_incomplete"
	// FailureFaceExtraction records a capture the extractor could not turn into an embedding.
	FailureFaceExtraction FailureReason = "face_extraction_failed"
	// FailureFaceMismatch records a similarity score below the authentication threshold.
	FailureFaceMismatch FailureReason = "face_mismatch"
)

// LoginAttempt is one append-only audit row. Email preserves the claimed
// address even when it resolves to no identity; IdentityID is set once
// resolution succeeds.
type LoginAttempt struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null"`
	IdentityID    *string    `gorm:"column:identity_id;size:190;index:idx_attempts_identity_time,priority:1"`
	Email         string     `gorm:"column:email;size:320;not null"`
	Success       bool       `gorm:"column:success;not null;default:false"`
	FailureReason *string    `gorm:"column:failure_reason;size:64"`
	Similarity    *float64   `gorm:"column:similarity"`
	SourceIP      string     `gorm:"column:source_ip;size:45"`
	ClientAgent   string     `gorm:"column:client_agent;size:512"`
	AttemptedAt   time.Time  `gorm:"column:attempted_at;not null;index:idx_attempts_identity_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (LoginAttempt) TableName() string {
	return "login_attempts"
}

// Reason decodes the stored failure reason, if any.
func (a *LoginAttempt) Reason() (FailureReason, bool) {
	if a.FailureReason == nil {
		return "", false
	}
	return FailureReason(*a.FailureReason), true
}

// ActionPurpose scopes a secondary confirmation code to one account operation.
type ActionPurpose string

const (
	// ActionFaceUpdate guards replacement of the stored embedding.
	ActionFaceUpdate ActionPurpose = "face_update"
	// ActionDeletion guards permanent account removal.
	ActionDeletion ActionPurpose = "account_deletion"
)

// ActionCode is a purpose-bound confirmation code held apart from the
// activation columns so account operations never disturb the activation
// lifecycle. Reissuing overwrites the row for the same identity and purpose.
type ActionCode struct {
	IdentityID string        `gorm:"column:identity_id;primaryKey;size:190;not null"`
	Purpose    ActionPurpose `gorm:"column:purpose;primaryKey;size:32;not null"`
	CodeHash   string        `gorm:"column:code_hash;size:190;not null"`
	ExpiresAt  time.Time     `gorm:"column:expires_at;not null"`
	IssuedAt   time.Time     `gorm:"column:issued_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ActionCode) TableName() string {
	return "action_codes"
}
