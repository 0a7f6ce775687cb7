package integration_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veridianlabs/veriface/internal/account"
	"github.com/veridianlabs/veriface/internal/auth"
	"github.com/veridianlabs/veriface/internal/database"
	"github.com/veridianlabs/veriface/internal/enroll"
	"github.com/veridianlabs/veriface/internal/face"
	"github.com/veridianlabs/veriface/internal/identity"
	"github.com/veridianlabs/veriface/internal/login"
	"github.com/veridianlabs/veriface/internal/mail"
	"github.com/veridianlabs/veriface/internal/secrets"
	"github.com/veridianlabs/veriface/internal/server"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionSigningSecret = "integration-secret"
	jsonContentType      = "application/json"
	enrolledEmail        = "ada@example.com"
	enrolledName         = "Ada Lovelace"
)

type fakeExtractor struct {
	mu       sync.Mutex
	profiles map[string]face.Embedding
}

func (f *fakeExtractor) Extract(_ context.Context, image []byte) (face.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if embedding, ok := f.profiles[string(image)]; ok {
		return embedding, nil
	}
	return nil, face.ErrNoFaceDetected
}

type memoryCaptures struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (m *memoryCaptures) Save(_ context.Context, key string, image []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[key] = image
	return nil
}

func (m *memoryCaptures) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, key)
	return nil
}

type recordingSender struct {
	mu       sync.Mutex
	messages []mail.Message
}

func (r *recordingSender) Send(_ context.Context, message mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingSender) latest(t *testing.T, to string) mail.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].To == to {
			return r.messages[i]
		}
	}
	t.Fatalf("no mail delivered to %s", to)
	return mail.Message{}
}

func TestEnrollmentActivationAndLoginFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:veriface_integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.Open(database.Config{Driver: "sqlite", Path: dsn}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	matcher, err := face.NewMatcher(face.MatcherConfig{
		EmbeddingDim:       3,
		AuthThreshold:      0.8,
		DuplicateThreshold: 0.6,
	})
	if err != nil {
		t.Fatalf("failed to construct matcher: %v", err)
	}
	store, err := identity.NewStore(identity.StoreConfig{Database: db, Matcher: matcher})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	extractor := &fakeExtractor{profiles: map[string]face.Embedding{
		"ada-enrollment-capture": {1, 0, 0},
		"ada-login-capture":      {0.96, 0.2, 0.2},
		"intruder-capture":       {0, 1, 0},
	}}
	captures := &memoryCaptures{saved: map[string][]byte{}}
	sender := &recordingSender{}
	hasher := &secrets.Bcrypt{Cost: bcrypt.MinCost}
	ids := identity.NewUUIDProvider()
	dispatcher := login.NewAttemptDispatcher()

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        "veriface-auth",
		Audience:      "veriface-api",
		TokenTTL:      time.Hour,
	})

	enrollment, err := enroll.NewService(enroll.ServiceConfig{
		Store:      store,
		Extractor:  extractor,
		Captures:   captures,
		Secrets:    hasher,
		Mailer:     sender,
		IDProvider: ids,
		OTPLength:  6,
		OTPTTL:     10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct enrollment service: %v", err)
	}
	loginService, err := login.NewService(login.ServiceConfig{
		Store:      store,
		Extractor:  extractor,
		Sessions:   issuer,
		Mailer:     sender,
		Dispatcher: dispatcher,
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct login service: %v", err)
	}
	accountService, err := account.NewService(account.ServiceConfig{
		Store:      store,
		Extractor:  extractor,
		Captures:   captures,
		Secrets:    hasher,
		Mailer:     sender,
		CodeLength: 6,
		CodeTTL:    10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct account service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Enrollment: enrollment,
		Login:      loginService,
		Account:    accountService,
		Sessions:   issuer,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	// Enrollment leaves the identity pending activation.
	status, body := postJSON(t, handler, "/auth/register", "", map[string]string{
		"name":      enrolledName,
		"email":     enrolledEmail,
		"password":  "str0ng-pass",
		"image_b64": encodeImage("ada-enrollment-capture"),
	})
	if status != http.StatusAccepted {
		t.Fatalf("registration returned status %d: %v", status, body)
	}
	identityID, _ := body["identity_id"].(string)
	if identityID == "" {
		t.Fatalf("registration response missing identity_id: %v", body)
	}

	// A login before activation is refused with the actionable error.
	status, body = postJSON(t, handler, "/auth/login", "", map[string]string{
		"email":     enrolledEmail,
		"image_b64": encodeImage("ada-login-capture"),
	})
	if status != http.StatusForbidden || body["error"] != "activation_required" {
		t.Fatalf("pre-activation login returned %d %v", status, body)
	}

	// The mailed code flips the identity to verified.
	code := digitsIn(t, sender.latest(t, enrolledEmail).TextBody, 6)
	status, body = postJSON(t, handler, "/auth/activate", "", map[string]string{
		"email": enrolledEmail,
		"code":  code,
	})
	if status != http.StatusOK {
		t.Fatalf("activation returned status %d: %v", status, body)
	}

	// A fresh capture of the enrolled face logs in.
	status, body = postJSON(t, handler, "/auth/login", "", map[string]string{
		"email":     enrolledEmail,
		"image_b64": encodeImage("ada-login-capture"),
	})
	if status != http.StatusOK {
		t.Fatalf("login returned status %d: %v", status, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("login response missing access_token: %v", body)
	}

	// Someone else's face against the same email is refused generically.
	status, body = postJSON(t, handler, "/auth/login", "", map[string]string{
		"email":     enrolledEmail,
		"image_b64": encodeImage("intruder-capture"),
	})
	if status != http.StatusUnauthorized || body["error"] != "invalid_credentials" {
		t.Fatalf("impostor login returned %d %v", status, body)
	}

	// The session token opens the account surface.
	status, body = getJSON(t, handler, "/account/profile", token)
	if status != http.StatusOK {
		t.Fatalf("profile returned status %d: %v", status, body)
	}
	if body["identity_id"] != identityID || body["email"] != enrolledEmail {
		t.Fatalf("unexpected profile payload: %v", body)
	}

	// The pre-activation refusal, the success, and the impostor attempt all
	// landed in the audit trail.
	status, body = getJSON(t, handler, "/account/security/history", token)
	if status != http.StatusOK {
		t.Fatalf("history returned status %d: %v", status, body)
	}
	attempts, _ := body["attempts"].([]any)
	if len(attempts) != 3 {
		t.Fatalf("expected three audited attempts, got %v", body)
	}
}

func postJSON(t *testing.T, handler http.Handler, path, token string, payload map[string]string) (int, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder.Code, decodeBody(t, recorder)
}

func getJSON(t *testing.T, handler http.Handler, path, token string) (int, map[string]any) {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder.Code, decodeBody(t, recorder)
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	decoded := map[string]any{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func encodeImage(raw string) string {
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func digitsIn(t *testing.T, body string, length int) string {
	t.Helper()
	for i := 0; i+length <= len(body); i++ {
		candidate := body[i : i+length]
		allDigits := true
		for _, r := range candidate {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		boundedLeft := i == 0 || body[i-1] < '0' || body[i-1] > '9'
		boundedRight := i+length == len(body) || body[i+length] < '0' || body[i+length] > '9'
		if allDigits && boundedLeft && boundedRight {
			return candidate
		}
	}
	t.Fatalf("no %d-digit code found in %q", length, body)
	return ""
}
