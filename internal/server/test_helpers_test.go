package server

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
	sqlite "github.com/glebarez/sqlite"
	"github.com/veridianlabs/veriface/internal/account"
	"github.com/veridianlabs/veriface/internal/auth"
	"github.com/veridianlabs/veriface/internal/enroll"
	"github.com/veridianlabs/veriface/internal/face"
	"github.com/veridianlabs/veriface/internal/identity"
	"github.com/veridianlabs/veriface/internal/login"
	"github.com/veridianlabs/veriface/internal/mail"
	"github.com/veridianlabs/veriface/internal/secrets"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type stubExtractor struct {
	mu        sync.Mutex
	byImage   map[string]face.Embedding
	embedding face.Embedding
	err       error
}

// Extract resolves a per-image embedding when one is registered, otherwise
// falls back to the fixture default.
func (s *stubExtractor) Extract(_ context.Context, image []byte) (face.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if embedding, ok := s.byImage[string(image)]; ok {
		return embedding, nil
	}
	return s.embedding, nil
}

func (s *stubExtractor) register(image string, embedding face.Embedding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byImage[image] = embedding
}

type stubCaptures struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (s *stubCaptures) Save(_ context.Context, key string, image []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[key] = image
	return nil
}

func (s *stubCaptures) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, key)
	return nil
}

type stubSender struct {
	mu       sync.Mutex
	messages []mail.Message
}

func (s *stubSender) Send(_ context.Context, message mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *stubSender) lastTo(t *testing.T, to string) mail.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].To == to {
			return s.messages[i]
		}
	}
	t.Fatalf("no mail delivered to %s", to)
	return mail.Message{}
}

type sequentialIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%d", p.next), nil
}

type routerFixture struct {
	handler    http.Handler
	store      *identity.Store
	extractor  *stubExtractor
	sender     *stubSender
	dispatcher *login.AttemptDispatcher
	issuer     *auth.TokenIssuer
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:veriface_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&identity.Identity{}, &identity.LoginAttempt{}, &identity.ActionCode{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
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

	extractor := &stubExtractor{
		byImage:   map[string]face.Embedding{},
		embedding: face.Embedding{1, 0, 0},
	}
	captures := &stubCaptures{saved: map[string][]byte{}}
	sender := &stubSender{}
	hasher := &secrets.Bcrypt{Cost: bcrypt.MinCost}
	ids := &sequentialIDProvider{}
	dispatcher := login.NewAttemptDispatcher()

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
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

	handler, err := NewHTTPHandler(Dependencies{
		Enrollment: enrollment,
		Login:      loginService,
		Account:    accountService,
		Sessions:   issuer,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &routerFixture{
		handler:    handler,
		store:      store,
		extractor:  extractor,
		sender:     sender,
		dispatcher: dispatcher,
		issuer:     issuer,
	}
}

func (f *routerFixture) postJSON(t *testing.T, path string, payload any, token string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) getPath(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSONBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	decoded := map[string]any{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response body %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func imageField(raw string) string {
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// registerAndActivate drives the public enrollment flow end to end and leaves
// the identity verified.
func (f *routerFixture) registerAndActivate(t *testing.T, name, email, image string) string {
	t.Helper()
	recorder := f.postJSON(t, "/auth/register", map[string]string{
		"name":      name,
		"email":     email,
		"password":  "str0ng-pass",
		"image_b64": imageField(image),
	}, "")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("registration failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	identityID, _ := decodeJSONBody(t, recorder)["identity_id"].(string)
	if identityID == "" {
		t.Fatalf("registration response missing identity_id: %s", recorder.Body.String())
	}

	code := extractMailCode(t, f.sender.lastTo(t, email), 6)
	recorder = f.postJSON(t, "/auth/activate", map[string]string{"email": email, "code": code}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("activation failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	return identityID
}

func (f *routerFixture) loginToken(t *testing.T, email, image string) string {
	t.Helper()
	recorder := f.postJSON(t, "/auth/login", map[string]string{
		"email":     email,
		"image_b64": imageField(image),
	}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	token, _ := decodeJSONBody(t, recorder)["access_token"].(string)
	if token == "" {
		t.Fatalf("login response missing access_token: %s", recorder.Body.String())
	}
	return token
}

// extractMailCode pulls the numeric code out of a rendered mail body.
func extractMailCode(t *testing.T, message mail.Message, length int) string {
	t.Helper()
	body := message.TextBody
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
	t.Fatalf("no %d-digit code found in mail body %q", length, body)
	return ""
}
