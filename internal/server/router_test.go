package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/foresightpress/storefront/internal/auth"
	"github.com/foresightpress/storefront/internal/checkout"
	"github.com/foresightpress/storefront/internal/newsletter"
	"github.com/foresightpress/storefront/internal/orders"
	"github.com/foresightpress/storefront/internal/visitors"
	"github.com/foresightpress/storefront/internal/webhook"
)

var routerDatabaseSequence atomic.Int64

func newRouterTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_test_%d?mode=memory&cache=shared", routerDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("resolve sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&orders.Order{}, &orders.Counter{}, &newsletter.Subscriber{}, &visitors.Visitor{}, &auth.AdminUser{}); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
	return db
}

type stubCheckoutStarter struct {
	result checkout.Result
	err    error
}

func (s stubCheckoutStarter) Begin(context.Context, checkout.Request) (checkout.Result, error) {
	return s.result, s.err
}

type stubWebhookProcessor struct {
	err    error
	called atomic.Int64
}

func (s *stubWebhookProcessor) Process(context.Context, []byte, string) error {
	s.called.Add(1)
	return s.err
}

type routerFixture struct {
	handler    http.Handler
	ledger     *orders.Service
	newsletter *newsletter.Service
	visitors   *visitors.Service
	sessions   *auth.SessionManager
	db         *gorm.DB
	webhooks   *stubWebhookProcessor
	clock      *time.Time
}

func newRouterFixture(t *testing.T, starter CheckoutStarter) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newRouterTestDatabase(t)
	now := time.Date(2026, time.May, 20, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	allocator, err := orders.NewAllocator(orders.AllocatorConfig{Database: db, StartValue: 26, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	ledger, err := orders.NewService(orders.ServiceConfig{Database: db, Allocator: allocator, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	subscribers, err := newsletter.NewService(newsletter.ServiceConfig{Database: db, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new newsletter service: %v", err)
	}
	visits, err := visitors.NewService(visitors.ServiceConfig{Database: db, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new visitor service: %v", err)
	}
	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte("router-test-secret"),
		CookieName:    "storefront_admin",
		TTL:           time.Hour,
		Clock:         time.Now,
	})
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	credentials, err := auth.NewCredentialService(auth.CredentialServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new credential service: %v", err)
	}
	if err := credentials.EnsureAdmin(context.Background(), "admin@example.com", "hunter2secret"); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	if starter == nil {
		starter = stubCheckoutStarter{result: checkout.Result{CheckoutURL: "https://square.link/test", OrderNumber: 27}}
	}
	webhooks := &stubWebhookProcessor{}

	handler, err := NewHTTPHandler(Dependencies{
		Checkout:      starter,
		Ledger:        ledger,
		Webhooks:      webhooks,
		Newsletter:    subscribers,
		Visitors:      visits,
		Sessions:      sessions,
		Credentials:   credentials,
		RecencyWindow: 2 * time.Minute,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new http handler: %v", err)
	}

	return &routerFixture{
		handler:    handler,
		ledger:     ledger,
		newsletter: subscribers,
		visitors:   visits,
		sessions:   sessions,
		db:         db,
		webhooks:   webhooks,
		clock:      &now,
	}
}

func (f *routerFixture) do(t *testing.T, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range mutate {
		fn(request)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) adminCookie(t *testing.T) *http.Cookie {
	t.Helper()
	token, _, err := f.sessions.Issue("admin@example.com")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return &http.Cookie{Name: f.sessions.CookieName(), Value: token}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response body %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestCheckoutEndpointReturnsCheckoutURLAndOrderNumber(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", map[string]string{
		"format": "ebook",
		"price":  "4.99",
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d, body %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["checkoutUrl"] != "https://square.link/test" {
		t.Fatalf("unexpected checkout url: %v", body["checkoutUrl"])
	}
	if body["orderNumber"] != float64(27) {
		t.Fatalf("unexpected order number: %v", body["orderNumber"])
	}
}

func TestCheckoutEndpointRejectsMissingFields(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", map[string]string{"format": "ebook"})

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestCheckoutEndpointMapsInvalidPriceToBadRequest(t *testing.T) {
	fixture := newRouterFixture(t, stubCheckoutStarter{err: fmt.Errorf("%w: %q", checkout.ErrInvalidPrice, "free")})

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", map[string]string{
		"format": "ebook",
		"price":  "free",
	})

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestCheckoutEndpointMapsProviderFailureToBadGateway(t *testing.T) {
	fixture := newRouterFixture(t, stubCheckoutStarter{err: errors.New("provider unreachable")})

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", map[string]string{
		"format": "ebook",
		"price":  "4.99",
	})

	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", recorder.Code)
	}
}

func TestWebhookEndpointAcknowledgesProcessingFailures(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	fixture.webhooks.err = errors.New("ledger offline")

	recorder := fixture.do(t, http.MethodPost, "/api/webhooks/square", map[string]string{"type": "payment.updated"})

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 despite failure, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["received"] != true {
		t.Fatalf("expected received acknowledgement, got %v", body)
	}
	if fixture.webhooks.called.Load() != 1 {
		t.Fatalf("expected processor invoked once, got %d", fixture.webhooks.called.Load())
	}
}

func TestWebhookEndpointRejectsInvalidSignature(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	fixture.webhooks.err = webhook.ErrSignatureInvalid

	recorder := fixture.do(t, http.MethodPost, "/api/webhooks/square", map[string]string{"type": "payment.updated"})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", recorder.Code)
	}
}

func TestWebhookProbeRespondsOK(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodGet, "/api/webhooks/square", nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestOrderLookupByPaymentID(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	created, err := fixture.ledger.Create(context.Background(), orders.NewOrder{
		OrderNumber: 27,
		Format:      orders.FormatEbook,
		Price:       "4.99",
		ProductName: "4SIGHT",
		Status:      orders.StatusCompleted,
		PaymentID:   "pay_123",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, "/api/orders/lookup?paymentId=pay_123", nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	order, ok := body["order"].(map[string]any)
	if !ok {
		t.Fatalf("expected order object, got %v", body["order"])
	}
	if order["order_number"] != float64(created.OrderNumber) {
		t.Fatalf("unexpected order number: %v", order["order_number"])
	}
}

func TestOrderLookupRecentReturnsNullOnEmptyLedger(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodGet, "/api/orders/lookup?paymentId=recent", nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if value, present := body["order"]; !present || value != nil {
		t.Fatalf("expected null order, got %v", body)
	}
}

func TestOrderLookupRecentFindsFreshOrder(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	if _, err := fixture.ledger.Create(context.Background(), orders.NewOrder{
		OrderNumber: 27,
		Format:      orders.FormatEbook,
		Price:       "4.99",
		ProductName: "4SIGHT",
		Status:      orders.StatusCompleted,
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, "/api/orders/lookup?paymentId=recent", nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["order"] == nil {
		t.Fatalf("expected recent order, got null")
	}
}

func TestOrderLookupRequiresPaymentID(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodGet, "/api/orders/lookup", nil)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestNewsletterSubscribeAndInvalidEmail(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/api/newsletter", map[string]string{"email": "Reader@Example.com"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d body %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["subscribed"] != true {
		t.Fatalf("expected subscribed flag, got %v", body)
	}

	recorder = fixture.do(t, http.MethodPost, "/api/newsletter", map[string]string{"email": "not-an-email"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid email, got %d", recorder.Code)
	}
}

func TestTrackVisitPrefersForwardedForHeader(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/api/track-visit", map[string]string{"path": "/"}, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	page, err := fixture.visitors.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("list visitors: %v", err)
	}
	if len(page.Visitors) != 1 || page.Visitors[0].IPAddress != "203.0.113.9" {
		t.Fatalf("unexpected visitors: %+v", page.Visitors)
	}
}

func TestAdminLoginSetsSessionCookie(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/api/admin/login", map[string]string{
		"email":    "admin@example.com",
		"password": "hunter2secret",
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d body %s", recorder.Code, recorder.Body.String())
	}
	cookies := recorder.Result().Cookies()
	var session *http.Cookie
	for _, cookie := range cookies {
		if cookie.Name == fixture.sessions.CookieName() {
			session = cookie
		}
	}
	if session == nil {
		t.Fatalf("expected session cookie, got %v", cookies)
	}
	if !session.HttpOnly {
		t.Fatalf("expected httpOnly session cookie")
	}
	if _, err := fixture.sessions.Validate(session.Value); err != nil {
		t.Fatalf("issued cookie failed validation: %v", err)
	}
}

func TestAdminLoginRejectsWrongPassword(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/api/admin/login", map[string]string{
		"email":    "admin@example.com",
		"password": "wrong",
	})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAdminRoutesRequireSession(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	for _, path := range []string{"/api/admin/orders", "/api/admin/newsletter", "/api/admin/visitors"} {
		recorder := fixture.do(t, http.MethodGet, path, nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s without session, got %d", path, recorder.Code)
		}
	}

	recorder := fixture.do(t, http.MethodPost, "/api/admin/clear-data", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for clear-data without session, got %d", recorder.Code)
	}
}

func TestAdminRoutesRejectTamperedSessionToken(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	cookie := fixture.adminCookie(t)
	cookie.Value += "tampered"

	recorder := fixture.do(t, http.MethodGet, "/api/admin/orders", nil, func(r *http.Request) {
		r.AddCookie(cookie)
	})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered token, got %d", recorder.Code)
	}
}

func TestAdminOrdersListsWithSession(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	if _, err := fixture.ledger.Create(context.Background(), orders.NewOrder{
		OrderNumber: 27,
		Format:      orders.FormatPaperback,
		Price:       "14.99",
		ProductName: "4SIGHT",
		Status:      orders.StatusPending,
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, "/api/admin/orders", nil, func(r *http.Request) {
		r.AddCookie(fixture.adminCookie(t))
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d body %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["total"] != float64(1) {
		t.Fatalf("expected total 1, got %v", body["total"])
	}
}

func TestAdminClearDataResetsLedger(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	if _, err := fixture.ledger.Create(context.Background(), orders.NewOrder{
		OrderNumber: 27,
		Format:      orders.FormatEbook,
		Price:       "4.99",
		ProductName: "4SIGHT",
		Status:      orders.StatusCompleted,
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	recorder := fixture.do(t, http.MethodPost, "/api/admin/clear-data", nil, func(r *http.Request) {
		r.AddCookie(fixture.adminCookie(t))
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	page, err := fixture.ledger.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("expected empty ledger after reset, got %d", page.Total)
	}
	next, err := fixture.ledger.Allocator().Next(context.Background())
	if err != nil {
		t.Fatalf("allocate after reset: %v", err)
	}
	if next != 27 {
		t.Fatalf("expected counter reset to yield 27, got %d", next)
	}
}
