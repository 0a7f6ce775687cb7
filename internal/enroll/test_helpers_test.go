package enroll

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/veridianlabs/veriface/internal/face"
	"github.com/veridianlabs/veriface/internal/identity"
	"github.com/veridianlabs/veriface/internal/mail"
	"github.com/veridianlabs/veriface/internal/secrets"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type stubExtractor struct {
	embedding face.Embedding
	err       error
}

func (s *stubExtractor) Extract(_ context.Context, _ []byte) (face.Embedding, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.embedding, nil
}

type stubCaptures struct {
	mu      sync.Mutex
	saved   map[string][]byte
	deleted []string
	saveErr error
}

func newStubCaptures() *stubCaptures {
	return &stubCaptures{saved: map[string][]byte{}}
}

func (s *stubCaptures) Save(_ context.Context, key string, image []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[key] = image
	return nil
}

func (s *stubCaptures) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	delete(s.saved, key)
	return nil
}

type stubSender struct {
	mu       sync.Mutex
	messages []mail.Message
	err      error
}

func (s *stubSender) Send(_ context.Context, message mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *stubSender) sent() []mail.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mail.Message(nil), s.messages...)
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

type testFixture struct {
	service   *Service
	store     *identity.Store
	extractor *stubExtractor
	captures  *stubCaptures
	sender    *stubSender
	now       time.Time
	clock     *adjustableClock
}

type adjustableClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *adjustableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *adjustableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:veriface_enroll_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	extractor := &stubExtractor{embedding: face.Embedding{1, 0, 0}}
	captures := newStubCaptures()
	sender := &stubSender{}
	clock := &adjustableClock{at: time.Unix(1700000000, 0).UTC()}

	service, err := NewService(ServiceConfig{
		Store:      store,
		Extractor:  extractor,
		Captures:   captures,
		Secrets:    &secrets.Bcrypt{Cost: bcrypt.MinCost},
		Mailer:     sender,
		IDProvider: &sequentialIDProvider{},
		Clock:      clock.Now,
		OTPLength:  6,
		OTPTTL:     10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	return &testFixture{
		service:   service,
		store:     store,
		extractor: extractor,
		captures:  captures,
		sender:    sender,
		now:       clock.Now(),
		clock:     clock,
	}
}

// extractCode pulls the numeric code out of a rendered activation mail body.
func extractCode(t *testing.T, message mail.Message, length int) string {
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

func mustRegister(t *testing.T, fixture *testFixture, name, email string) RegistrationResult {
	t.Helper()
	result, err := fixture.service.Register(context.Background(), name, email, "str0ng-pass", []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("failed to register %s: %v", email, err)
	}
	return result
}
