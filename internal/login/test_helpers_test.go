package login

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

type stubSessionIssuer struct {
	err error
}

func (s *stubSessionIssuer) IssueSessionToken(_ context.Context, identityID, _, _ string) (string, int64, error) {
	if s.err != nil {
		return "", 0, s.err
	}
	return "token-for-" + identityID, 3600, nil
}

type stubSender struct {
	mu       sync.Mutex
	messages []mail.Message
	notify   chan struct{}
}

func (s *stubSender) Send(_ context.Context, message mail.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, message)
	s.mu.Unlock()
	if s.notify != nil {
		s.notify <- struct{}{}
	}
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
	return fmt.Sprintf("attempt-%d", p.next), nil
}

type testFixture struct {
	service    *Service
	store      *identity.Store
	extractor  *stubExtractor
	sessions   *stubSessionIssuer
	sender     *stubSender
	dispatcher *AttemptDispatcher
	now        time.Time
	db         *gorm.DB
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:veriface_login_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	sessions := &stubSessionIssuer{}
	sender := &stubSender{notify: make(chan struct{}, 4)}
	dispatcher := NewAttemptDispatcher()
	now := time.Unix(1700000000, 0).UTC()

	service, err := NewService(ServiceConfig{
		Store:      store,
		Extractor:  extractor,
		Sessions:   sessions,
		Mailer:     sender,
		Dispatcher: dispatcher,
		IDProvider: &sequentialIDProvider{},
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	return &testFixture{
		service:    service,
		store:      store,
		extractor:  extractor,
		sessions:   sessions,
		sender:     sender,
		dispatcher: dispatcher,
		now:        now,
		db:         db,
	}
}

func (f *testFixture) seedIdentity(t *testing.T, id, email string, embedding face.Embedding, verified bool) {
	t.Helper()

	codeHash := "seed-hash"
	expiry := f.now.Add(10 * time.Minute)
	record := &identity.Identity{
		ID:              id,
		FullName:        "Test Person",
		Email:           email,
		PasswordHash:    "bcrypt-placeholder",
		CaptureRef:      "captures/" + id,
		ActivationState: identity.StateOtpPending,
		OTPHash:         &codeHash,
		OTPExpiresAt:    &expiry,
	}
	if err := f.store.CreateIdentity(context.Background(), record, embedding); err != nil {
		t.Fatalf("failed to seed identity %s: %v", id, err)
	}
	if verified {
		identityID, err := identity.NewIdentityID(id)
		if err != nil {
			t.Fatalf("unexpected identity id error: %v", err)
		}
		consumed, err := f.store.ConsumeActivationCode(context.Background(), identityID, codeHash, f.now)
		if err != nil || !consumed {
			t.Fatalf("failed to verify seed identity: consumed=%v err=%v", consumed, err)
		}
	}
}

func (f *testFixture) attempts(t *testing.T) []identity.LoginAttempt {
	t.Helper()
	var attempts []identity.LoginAttempt
	if err := f.db.Order("attempted_at ASC, id ASC").Find(&attempts).Error; err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	return attempts
}

func defaultRequest(email string) Request {
	return Request{
		Email:       email,
		Image:       []byte("jpeg-bytes"),
		SourceIP:    "203.0.113.7",
		ClientAgent: "veriface-test/1.0",
	}
}
