package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foresightpress/storefront/internal/checkout"
	"github.com/foresightpress/storefront/internal/newsletter"
	"github.com/foresightpress/storefront/internal/orders"
	"github.com/foresightpress/storefront/internal/visitors"
)

const (
	adminEmailContextKey = "storefront_admin_email"

	// lenientRecencyWindow backs the success-page polling fallback when no
	// order landed inside the primary window.
	lenientRecencyWindow = 5 * time.Minute

	defaultRecencyWindow = 2 * time.Minute
	defaultPageLimit     = 50
)

var (
	errMissingCheckoutService = errors.New("checkout service dependency required")
	errMissingLedger          = errors.New("order ledger dependency required")
	errMissingWebhooks        = errors.New("webhook processor dependency required")
	errMissingNewsletter      = errors.New("newsletter service dependency required")
	errMissingVisitors        = errors.New("visitor service dependency required")
	errMissingSessions        = errors.New("session manager dependency required")
	errMissingCredentials     = errors.New("credential service dependency required")
)

// CheckoutStarter begins a hosted checkout session.
type CheckoutStarter interface {
	Begin(ctx context.Context, request checkout.Request) (checkout.Result, error)
}

// WebhookProcessor reconciles raw provider deliveries against the ledger.
type WebhookProcessor interface {
	Process(ctx context.Context, body []byte, signature string) error
}

// AdminAuthenticator verifies admin login credentials.
type AdminAuthenticator interface {
	VerifyCredentials(ctx context.Context, email, password string) error
}

// SessionManager issues and validates signed admin session tokens.
type SessionManager interface {
	CookieName() string
	TTL() time.Duration
	Issue(email string) (string, time.Time, error)
	Validate(token string) (string, error)
}

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	Checkout    CheckoutStarter
	Ledger      *orders.Service
	Webhooks    WebhookProcessor
	Newsletter  *newsletter.Service
	Visitors    *visitors.Service
	Sessions    SessionManager
	Credentials AdminAuthenticator
	// RecencyWindow bounds the "recent" order lookup; zero means the default.
	RecencyWindow time.Duration
	// SecureCookies marks session cookies Secure; enable behind TLS.
	SecureCookies bool
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router serving the storefront API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Checkout == nil {
		return nil, errMissingCheckoutService
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Webhooks == nil {
		return nil, errMissingWebhooks
	}
	if deps.Newsletter == nil {
		return nil, errMissingNewsletter
	}
	if deps.Visitors == nil {
		return nil, errMissingVisitors
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recencyWindow := deps.RecencyWindow
	if recencyWindow <= 0 {
		recencyWindow = defaultRecencyWindow
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		checkout:      deps.Checkout,
		ledger:        deps.Ledger,
		webhooks:      deps.Webhooks,
		newsletter:    deps.Newsletter,
		visitors:      deps.Visitors,
		sessions:      deps.Sessions,
		credentials:   deps.Credentials,
		recencyWindow: recencyWindow,
		secureCookies: deps.SecureCookies,
		logger:        logger,
	}

	api := router.Group("/api")
	api.POST("/checkout", handler.handleCheckout)
	api.POST("/webhooks/square", handler.handleWebhook)
	api.GET("/webhooks/square", handler.handleWebhookProbe)
	api.GET("/orders/lookup", handler.handleOrderLookup)
	api.POST("/newsletter", handler.handleNewsletterSubscribe)
	api.POST("/track-visit", handler.handleTrackVisit)
	api.GET("/track-visit", handler.handleTrackVisit)
	api.POST("/admin/login", handler.handleAdminLogin)
	api.POST("/admin/logout", handler.handleAdminLogout)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdminSession)
	admin.GET("/orders", handler.handleAdminOrders)
	admin.GET("/newsletter", handler.handleAdminNewsletter)
	admin.GET("/visitors", handler.handleAdminVisitors)
	admin.POST("/clear-data", handler.handleAdminClearData)

	return router, nil
}

type httpHandler struct {
	checkout      CheckoutStarter
	ledger        *orders.Service
	webhooks      WebhookProcessor
	newsletter    *newsletter.Service
	visitors      *visitors.Service
	sessions      SessionManager
	credentials   AdminAuthenticator
	recencyWindow time.Duration
	secureCookies bool
	logger        *zap.Logger
}
