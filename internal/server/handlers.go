package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foresightpress/storefront/internal/auth"
	"github.com/foresightpress/storefront/internal/checkout"
	"github.com/foresightpress/storefront/internal/newsletter"
	"github.com/foresightpress/storefront/internal/orders"
	"github.com/foresightpress/storefront/internal/visitors"
	"github.com/foresightpress/storefront/internal/webhook"
)

const squareSignatureHeader = "X-Square-Signature"

type checkoutRequestBody struct {
	Format      string `json:"format" binding:"required"`
	Price       string `json:"price" binding:"required"`
	ProductName string `json:"productName"`
	Email       string `json:"email"`
}

func (h *httpHandler) handleCheckout(c *gin.Context) {
	var body checkoutRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format and price are required"})
		return
	}
	format, err := orders.ParseFormat(body.Format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be ebook or paperback"})
		return
	}

	result, err := h.checkout.Begin(c.Request.Context(), checkout.Request{
		Format:      format,
		Price:       body.Price,
		ProductName: body.ProductName,
		Email:       body.Email,
	})
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrInvalidFormat), errors.Is(err, checkout.ErrInvalidPrice):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("checkout initiation failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "unable to create checkout session"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Warn("webhook body read failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	signature := c.GetHeader(squareSignatureHeader)
	if err := h.webhooks.Process(c.Request.Context(), body, signature); err != nil {
		if errors.Is(err, webhook.ErrSignatureInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		// The provider retries on non-2xx; acknowledge and rely on logs.
		h.logger.Warn("webhook processing incomplete", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *httpHandler) handleWebhookProbe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "webhook endpoint active"})
}

func (h *httpHandler) handleOrderLookup(c *gin.Context) {
	paymentID := strings.TrimSpace(c.Query("paymentId"))
	if paymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paymentId query parameter is required"})
		return
	}

	var (
		order orders.Order
		err   error
	)
	if paymentID == "recent" {
		order, err = h.ledger.MostRecentWithin(c.Request.Context(), h.recencyWindow)
		if errors.Is(err, orders.ErrNotFound) {
			order, err = h.ledger.MostRecentWithin(c.Request.Context(), lenientRecencyWindow)
		}
	} else {
		order, err = h.ledger.FindByPaymentID(c.Request.Context(), paymentID)
	}

	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"order": nil})
			return
		}
		h.logger.Error("order lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type subscribeRequestBody struct {
	Email string `json:"email" binding:"required"`
}

func (h *httpHandler) handleNewsletterSubscribe(c *gin.Context) {
	var body subscribeRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	created, err := h.newsletter.Subscribe(c.Request.Context(), body.Email)
	if err != nil {
		if errors.Is(err, newsletter.ErrInvalidEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "a valid email address is required"})
			return
		}
		h.logger.Error("newsletter subscription failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscription failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscribed": true, "created": created})
}

func (h *httpHandler) handleTrackVisit(c *gin.Context) {
	visit := visitors.Visit{
		IPAddress: clientIP(c),
		UserAgent: c.GetHeader("User-Agent"),
		Referer:   c.GetHeader("Referer"),
	}
	if c.Request.Method == http.MethodPost {
		var body struct {
			Path string `json:"path"`
		}
		if err := c.ShouldBindJSON(&body); err == nil {
			visit.Path = body.Path
		}
	} else {
		visit.Path = c.Query("path")
	}

	if err := h.visitors.Track(c.Request.Context(), visit); err != nil {
		h.logger.Warn("visitor tracking failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"tracked": true})
}

// clientIP prefers proxy-forwarded addresses so tracking survives CDN fronting.
func clientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := c.GetHeader("X-Real-Ip"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if cfIP := c.GetHeader("CF-Connecting-Ip"); cfIP != "" {
		return strings.TrimSpace(cfIP)
	}
	return c.ClientIP()
}

type loginRequestBody struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *httpHandler) handleAdminLogin(c *gin.Context) {
	var body loginRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	if err := h.credentials.VerifyCredentials(c.Request.Context(), body.Email, body.Password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		h.logger.Error("credential verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	token, expiresAt, err := h.sessions.Issue(strings.ToLower(strings.TrimSpace(body.Email)))
	if err != nil {
		h.logger.Error("session issuance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), token, int(h.sessions.TTL().Seconds()), "/", "", h.secureCookies, true)
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "expiresAt": expiresAt})
}

func (h *httpHandler) handleAdminLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), "", -1, "/", "", h.secureCookies, true)
	c.JSON(http.StatusOK, gin.H{"authenticated": false})
}

func (h *httpHandler) requireAdminSession(c *gin.Context) {
	token, err := c.Cookie(h.sessions.CookieName())
	if err != nil || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	email, err := h.sessions.Validate(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session invalid or expired"})
		return
	}

	c.Set(adminEmailContextKey, email)
	c.Next()
}

func (h *httpHandler) handleAdminOrders(c *gin.Context) {
	limit, offset := pagination(c)
	page, err := h.ledger.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("admin order listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to list orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": page.Orders, "total": page.Total})
}

func (h *httpHandler) handleAdminNewsletter(c *gin.Context) {
	limit, offset := pagination(c)
	page, err := h.newsletter.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("admin subscriber listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to list subscribers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": page.Subscribers, "total": page.Total})
}

func (h *httpHandler) handleAdminVisitors(c *gin.Context) {
	limit, offset := pagination(c)
	page, err := h.visitors.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("admin visitor listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to list visitors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"visitors": page.Visitors, "total": page.Total})
}

func (h *httpHandler) handleAdminClearData(c *gin.Context) {
	if err := h.ledger.ClearAll(c.Request.Context()); err != nil {
		h.logger.Error("order data reset failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to clear order data"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
