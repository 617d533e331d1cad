package lifecycle_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"
)

var (
	testEpoch         = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	testHashKey       = []byte("hash-key-hash-key-hash-key-hash-k")
	testSigningKey    = []byte("signing-key-signing-key-signing-k")
	testWebhookSecret = []byte("whsec_lifecycle_test")
)

const (
	testPassword = "correct horse battery"
	testIP       = "203.0.113.7"
	testBaseURL  = "https://app.example.com"
)

// testClock only moves when told to, stored timestamps stay whole seconds.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// newTestDB opens a migrated in-memory sqlite store. A single connection
// keeps every query on the same database.
func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqldb.Close() })

	_, err = sqldb.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	require.NoError(t, lifecycle.Migrate(context.Background(), sqldb, lifecycle.DialectSQLite))

	return bun.NewDB(sqldb, sqlitedialect.New())
}

// newConcurrentTestDB opens a migrated file backed sqlite store that several
// connections share. Transactions take the write lock on BEGIN and wait for
// each other instead of failing with SQLITE_BUSY.
func newConcurrentTestDB(t *testing.T) *bun.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "lifecycle.db") +
		"?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on"
	sqldb, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(8)
	t.Cleanup(func() { _ = sqldb.Close() })

	require.NoError(t, lifecycle.Migrate(context.Background(), sqldb, lifecycle.DialectSQLite))

	return bun.NewDB(sqldb, sqlitedialect.New())
}

type sentEmail struct {
	Template  string
	Recipient string
	Vars      map[string]any
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (m *recordingMailer) SendTransactionalEmail(_ context.Context, templateID, recipient string, vars map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentEmail{Template: templateID, Recipient: recipient, Vars: vars})
	return nil
}

func (m *recordingMailer) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *recordingMailer) all() []sentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentEmail(nil), m.sent...)
}

// last returns the newest email of a template, failing the test when none was sent.
func (m *recordingMailer) last(t *testing.T, template string) sentEmail {
	t.Helper()
	sent := m.all()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Template == template {
			return sent[i]
		}
	}
	require.FailNow(t, "no email sent", "template %s", template)
	return sentEmail{}
}

func (m *recordingMailer) count(template string) int {
	n := 0
	for _, e := range m.all() {
		if e.Template == template {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	events []lifecycle.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event lifecycle.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ofType(eventType lifecycle.ActivityEventType) []lifecycle.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []lifecycle.ActivityEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchSubscriptionStatus(ctx context.Context, customerRef string) (lifecycle.SubscriptionSnapshot, error) {
	args := m.Called(ctx, customerRef)
	return args.Get(0).(lifecycle.SubscriptionSnapshot), args.Error(1)
}

// tokenFromLink extracts the secret of an emailed link.
func tokenFromLink(t *testing.T, link any) string {
	t.Helper()
	raw, ok := link.(string)
	require.True(t, ok, "link should be a string")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	token := parsed.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *bun.DB
	clock    *testClock
	repo     lifecycle.RepositoryManager
	vault    *lifecycle.TokenVault
	limiter  *lifecycle.StoreRateLimiter
	ledger   *lifecycle.EventLedger
	machine  lifecycle.SubscriptionStateMachine
	fetcher  *mockFetcher
	mailer   *recordingMailer
	sink     *recordingSink
	sessions *lifecycle.SessionTokens
	verifier *lifecycle.HMACVerifier
	deps     lifecycle.Dependencies
	orch     *lifecycle.Orchestrator
}

type harnessOption func(*lifecycle.OrchestratorConfig)

func withPolicies(p lifecycle.RateLimitPolicies) harnessOption {
	return func(cfg *lifecycle.OrchestratorConfig) {
		cfg.Policies = p
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessOn(t, newTestDB(t), opts...)
}

func newHarnessOn(t *testing.T, db *bun.DB, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		db:      db,
		clock:   newTestClock(),
		fetcher: &mockFetcher{},
		mailer:  &recordingMailer{},
		sink:    &recordingSink{},
	}

	h.repo = lifecycle.NewRepositoryManager(h.db)
	h.vault = lifecycle.NewTokenVault(h.db, testHashKey,
		lifecycle.WithTokenVaultClock(h.clock.Now),
		lifecycle.WithTokenVaultLogger(nopLogger{}),
		lifecycle.WithTokenVaultRetryBackoff(time.Millisecond),
	)
	h.limiter = lifecycle.NewStoreRateLimiter(h.db,
		lifecycle.WithRateLimiterClock(h.clock.Now),
		lifecycle.WithRateLimiterLogger(nopLogger{}),
	)
	h.ledger = lifecycle.NewEventLedger(h.db, lifecycle.WithEventLedgerClock(h.clock.Now))
	h.machine = lifecycle.NewSubscriptionStateMachine(h.repo, h.ledger,
		lifecycle.WithStateMachineClock(h.clock.Now),
		lifecycle.WithStateMachineLogger(nopLogger{}),
		lifecycle.WithStateMachineActivitySink(h.sink),
		lifecycle.WithSubscriptionFetcher(h.fetcher),
		lifecycle.WithStateMachineRetryBackoff(time.Millisecond),
	)
	h.sessions = lifecycle.NewSessionTokens(testSigningKey, time.Hour, "lifecycle", nil, nopLogger{}).
		WithClock(h.clock.Now)
	h.verifier = lifecycle.NewHMACVerifier(testWebhookSecret, lifecycle.WithSignatureClock(h.clock.Now))

	cfg := lifecycle.OrchestratorConfig{
		BaseURL:      testBaseURL,
		RetryBackoff: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.deps = lifecycle.Dependencies{
		Repo:         h.repo,
		Vault:        h.vault,
		Limiter:      h.limiter,
		StateMachine: h.machine,
		Mailer:       h.mailer,
		Hasher:       lifecycle.NewBcryptHasher(bcrypt.MinCost),
		Sessions:     h.sessions,
		Verifier:     h.verifier,
		Activity:     h.sink,
		Logger:       nopLogger{},
		Clock:        h.clock.Now,
	}
	orch, err := lifecycle.NewOrchestrator(h.deps, cfg)
	require.NoError(t, err)
	h.orch = orch

	return h
}

func (h *harness) register(email string) uuid.UUID {
	h.t.Helper()
	resp, err := h.orch.Register(h.ctx, lifecycle.RegisterAccountMessage{
		Email:    email,
		Password: testPassword,
		IP:       testIP,
	})
	require.NoError(h.t, err)
	require.True(h.t, resp.Created)
	return resp.UserID
}

func (h *harness) registerVerified(email string) uuid.UUID {
	h.t.Helper()
	id := h.register(email)
	link := h.mailer.last(h.t, lifecycle.TemplateVerifyEmail).Vars["verify_url"]

	resp, err := h.orch.VerifyEmail(h.ctx, lifecycle.VerifyEmailMessage{Token: tokenFromLink(h.t, link), IP: testIP})
	require.NoError(h.t, err)
	require.Equal(h.t, lifecycle.StatePendingSubscription, resp.State)
	return id
}

func (h *harness) account(id uuid.UUID) *lifecycle.UserAccount {
	h.t.Helper()
	account, err := h.repo.UserAccounts().FindByIDTx(h.ctx, h.db, id)
	require.NoError(h.t, err)
	return account
}

// seedAccount inserts an account directly in the given state.
func (h *harness) seedAccount(email string, state lifecycle.SubscriptionState, ref string) *lifecycle.UserAccount {
	h.t.Helper()
	account := &lifecycle.UserAccount{
		Email:             email,
		PasswordHash:      "x",
		SubscriptionState: state,
		CreatedAt:         h.clock.Now(),
	}
	if state != lifecycle.StatePendingEmail {
		verified := h.clock.Now()
		account.EmailVerifiedAt = &verified
	}
	if ref != "" {
		account.PaymentCustomerRef = &ref
	}
	created, err := h.repo.UserAccounts().RegisterTx(h.ctx, h.db, account)
	require.NoError(h.t, err)
	return created
}

func webhookEnvelope(t *testing.T, id, eventType string, createdAt time.Time, data map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":        id,
		"type":      eventType,
		"createdAt": createdAt.Format(time.RFC3339),
		"data":      data,
	})
	require.NoError(t, err)
	return payload
}

// deliver signs a webhook envelope and hands it to the orchestrator.
func (h *harness) deliver(id, eventType string, createdAt time.Time, data map[string]any) (lifecycle.Outcome, error) {
	h.t.Helper()
	payload := webhookEnvelope(h.t, id, eventType, createdAt, data)
	return h.orch.ReceiveWebhook(h.ctx, payload, h.verifier.Sign(payload, h.clock.Now()))
}
