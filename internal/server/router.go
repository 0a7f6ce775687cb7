package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/veridianlabs/veriface/internal/account"
	"github.com/veridianlabs/veriface/internal/auth"
	"github.com/veridianlabs/veriface/internal/enroll"
	"github.com/veridianlabs/veriface/internal/face"
	"github.com/veridianlabs/veriface/internal/identity"
	"github.com/veridianlabs/veriface/internal/login"
	"go.uber.org/zap"
)

const identityContextKey = "veriface_identity_id"

var (
	errMissingEnrollService  = errors.New("enrollment service dependency required")
	errMissingLoginService   = errors.New("login service dependency required")
	errMissingAccountService = errors.New("account service dependency required")
	errMissingSessionManager = errors.New("session manager dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// SessionManager validates session tokens on protected requests.
type SessionManager interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the domain services. Dispatcher is
// optional; without it the security stream endpoint serves heartbeats only.
type Dependencies struct {
	Enrollment *enroll.Service
	Login      *login.Service
	Account    *account.Service
	Sessions   SessionManager
	Dispatcher *login.AttemptDispatcher
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router over the supplied services.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Enrollment == nil {
		return nil, errMissingEnrollService
	}
	if deps.Login == nil {
		return nil, errMissingLoginService
	}
	if deps.Account == nil {
		return nil, errMissingAccountService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		enrollment: deps.Enrollment,
		login:      deps.Login,
		account:    deps.Account,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/activate", handler.handleActivate)
	router.POST("/auth/activate/resend", handler.handleResendActivation)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)

	protected := router.Group("/account")
	protected.Use(handler.authorizeRequest)
	protected.GET("/profile", handler.handleProfile)
	protected.GET("/security/history", handler.handleHistory)
	protected.GET("/security/stream", handler.handleAttemptStream)
	protected.POST("/face/request", handler.handleFaceUpdateRequest)
	protected.POST("/face/confirm", handler.handleFaceUpdateConfirm)
	protected.POST("/delete/request", handler.handleDeletionRequest)
	protected.POST("/delete/confirm", handler.handleDeletionConfirm)

	return router, nil
}

type httpHandler struct {
	enrollment *enroll.Service
	login      *login.Service
	account    *account.Service
	sessions   SessionManager
	dispatcher *login.AttemptDispatcher
	logger     *zap.Logger
}

type registerRequestPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	ImageB64 string `json:"image_b64"`
}

type registerResponsePayload struct {
	IdentityID string `json:"identity_id"`
	Status     string `json:"status"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	image, ok := decodeImage(c, request.ImageB64)
	if !ok {
		return
	}

	result, err := h.enrollment.Register(c.Request.Context(), request.Name, request.Email, request.Password, image)
	if err != nil {
		h.respondRegisterError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, registerResponsePayload{
		IdentityID: result.IdentityID,
		Status:     "pending_activation",
	})
}

func (h *httpHandler) respondRegisterError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrInvalidFullName),
		errors.Is(err, enroll.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, face.ErrNoFaceDetected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_face_detected"})
	case errors.Is(err, face.ErrMultipleFacesDetected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "multiple_faces_detected"})
	case errors.Is(err, identity.ErrDuplicateEmail):
		c.JSON(http.StatusConflict, gin.H{"error": "email_already_registered"})
	case errors.Is(err, identity.ErrDuplicateFace):
		// Deliberately does not disclose which identity matched.
		c.JSON(http.StatusConflict, gin.H{"error": "face_already_registered"})
	case errors.Is(err, enroll.ErrActivationMailFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "activation_delivery_failed"})
	default:
		h.logger.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
	}
}

type activateRequestPayload struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *httpHandler) handleActivate(c *gin.Context) {
	var request activateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.enrollment.VerifyActivation(c.Request.Context(), request.Email, request.Code); err != nil {
		h.respondActivationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

type resendRequestPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleResendActivation(c *gin.Context) {
	var request resendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.enrollment.ResendActivation(c.Request.Context(), request.Email); err != nil {
		h.respondActivationError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "code_sent"})
}

func (h *httpHandler) respondActivationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, identity.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_email"})
	case errors.Is(err, enroll.ErrOTPExpired):
		c.JSON(http.StatusGone, gin.H{"error": "code_expired"})
	case errors.Is(err, enroll.ErrOTPMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "code_mismatch"})
	case errors.Is(err, enroll.ErrAlreadyVerified):
		c.JSON(http.StatusConflict, gin.H{"error": "already_verified"})
	case errors.Is(err, enroll.ErrActivationMailFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "activation_delivery_failed"})
	default:
		h.logger.Error("activation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation_failed"})
	}
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	ImageB64 string `json:"image_b64"`
}

type loginResponsePayload struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	ExpiresIn   int64   `json:"expires_in"`
	Similarity  float64 `json:"similarity"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	image, ok := decodeImage(c, request.ImageB64)
	if !ok {
		return
	}

	result, err := h.login.Login(c.Request.Context(), login.Request{
		Email:       request.Email,
		Image:       image,
		SourceIP:    c.ClientIP(),
		ClientAgent: c.Request.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, login.ErrActivationRequired):
			c.JSON(http.StatusForbidden, gin.H{"error": "activation_required"})
		case errors.Is(err, login.ErrAuthenticationFailed):
			// One generic message regardless of the audited reason.
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		default:
			h.logger.Error("login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		}
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   result.ExpiresIn,
		Similarity:  result.Similarity,
	})
}

// handleLogout exists for symmetry with login; sessions are stateless JWTs, so
// the server only advises the client to discard its token.
func (h *httpHandler) handleLogout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

type profileResponsePayload struct {
	IdentityID  string  `json:"identity_id"`
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	Verified    bool    `json:"verified"`
	CreatedAt   string  `json:"created_at"`
	LastLoginAt *string `json:"last_login_at"`
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	identityID := c.GetString(identityContextKey)
	profile, err := h.account.Profile(c.Request.Context(), identityID)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "identity_not_found"})
			return
		}
		h.logger.Error("profile lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}

	response := profileResponsePayload{
		IdentityID: profile.IdentityID,
		Name:       profile.FullName,
		Email:      profile.Email,
		Verified:   profile.Verified,
		CreatedAt:  profile.CreatedAt.UTC().Format(time.RFC3339),
	}
	if profile.LastLoginAt != nil {
		formatted := profile.LastLoginAt.UTC().Format(time.RFC3339)
		response.LastLoginAt = &formatted
	}
	c.JSON(http.StatusOK, response)
}

type attemptPayload struct {
	Timestamp     string   `json:"timestamp"`
	Success       bool     `json:"success"`
	FailureReason *string  `json:"failure_reason"`
	Similarity    *float64 `json:"similarity"`
	SourceIP      string   `json:"source_ip"`
	ClientAgent   string   `json:"client_agent"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	identityID := c.GetString(identityContextKey)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	attempts, err := h.login.History(c.Request.Context(), identityID, limit)
	if err != nil {
		h.logger.Error("history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}

	payload := make([]attemptPayload, 0, len(attempts))
	for _, attempt := range attempts {
		payload = append(payload, attemptPayload{
			Timestamp:     attempt.AttemptedAt.UTC().Format(time.RFC3339),
			Success:       attempt.Success,
			FailureReason: attempt.FailureReason,
			Similarity:    attempt.Similarity,
			SourceIP:      attempt.SourceIP,
			ClientAgent:   attempt.ClientAgent,
		})
	}
	c.JSON(http.StatusOK, gin.H{"attempts": payload})
}

type faceUpdateRequestPayload struct {
	ImageB64 string `json:"image_b64"`
}

func (h *httpHandler) handleFaceUpdateRequest(c *gin.Context) {
	var request faceUpdateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	image, ok := decodeImage(c, request.ImageB64)
	if !ok {
		return
	}

	if err := h.account.RequestFaceUpdate(c.Request.Context(), c.GetString(identityContextKey), image); err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "code_sent"})
}

type faceUpdateConfirmPayload struct {
	Code     string `json:"code"`
	ImageB64 string `json:"image_b64"`
}

func (h *httpHandler) handleFaceUpdateConfirm(c *gin.Context) {
	var request faceUpdateConfirmPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	image, ok := decodeImage(c, request.ImageB64)
	if !ok {
		return
	}

	if err := h.account.ConfirmFaceUpdate(c.Request.Context(), c.GetString(identityContextKey), request.Code, image); err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "face_updated"})
}

func (h *httpHandler) handleDeletionRequest(c *gin.Context) {
	if err := h.account.RequestDeletion(c.Request.Context(), c.GetString(identityContextKey)); err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "code_sent"})
}

type deletionConfirmPayload struct {
	Code string `json:"code"`
}

func (h *httpHandler) handleDeletionConfirm(c *gin.Context) {
	var request deletionConfirmPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.account.ConfirmDeletion(c.Request.Context(), c.GetString(identityContextKey), request.Code); err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "account_deleted"})
}

func (h *httpHandler) respondAccountError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "identity_not_found"})
	case errors.Is(err, face.ErrNoFaceDetected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_face_detected"})
	case errors.Is(err, face.ErrMultipleFacesDetected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "multiple_faces_detected"})
	case errors.Is(err, account.ErrCodeExpired):
		c.JSON(http.StatusGone, gin.H{"error": "code_expired"})
	case errors.Is(err, account.ErrCodeMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "code_mismatch"})
	case errors.Is(err, identity.ErrDuplicateFace):
		c.JSON(http.StatusConflict, gin.H{"error": "face_already_registered"})
	case errors.Is(err, account.ErrCodeMailFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "code_delivery_failed"})
	default:
		h.logger.Error("account operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_operation_failed"})
	}
}

// authorizeRequest accepts a Bearer header or, for EventSource clients that
// cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, claims.Subject)
	c.Next()
}

func decodeImage(c *gin.Context, imageB64 string) ([]byte, bool) {
	trimmed := strings.TrimSpace(imageB64)
	if trimmed == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_image"})
		return nil, false
	}
	// Tolerate data-URL prefixes from browser capture widgets.
	if index := strings.Index(trimmed, ","); index != -1 && strings.HasPrefix(trimmed, "data:") {
		trimmed = trimmed[index+1:]
	}
	image, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil || len(image) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_image"})
		return nil, false
	}
	return image, true
}
