// Package http exposes the facilitator engine over HTTP: POST /verify,
// POST /settle, GET /supported and GET /metrics.
package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/x402-lightning"
	"github.com/x402-foundation/x402-lightning/metrics"
)

// Server wraps a facilitator with the HTTP transport. Concurrent duplicate
// settle requests are deduplicated through the settlement cache so clients
// retrying after a timeout observe the original outcome.
type Server struct {
	facilitator x402.FacilitatorClient
	cache       *x402.SettlementCache
	metrics     *metrics.Metrics
	log         *logrus.Logger
	registry    *prometheus.Registry
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the request logger.
func WithServerLogger(log *logrus.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithSettlementCacheTTL overrides the settle-response cache TTL.
func WithSettlementCacheTTL(ttl time.Duration) ServerOption {
	return func(s *Server) { s.cache = x402.NewSettlementCache(ttl) }
}

// NewServer creates an HTTP server around a facilitator.
func NewServer(facilitator x402.FacilitatorClient, opts ...ServerOption) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		facilitator: facilitator,
		cache:       x402.NewSettlementCache(5 * time.Minute),
		metrics:     metrics.New(registry),
		log:         logrus.StandardLogger(),
		registry:    registry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with all routes mounted.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.GET("/supported", s.handleSupported)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	return router
}

// requestLogger tags each request with an ID and logs its completion.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set("request_id", requestID)
		start := time.Now()

		c.Next()

		elapsed := time.Since(start)
		s.metrics.RequestSeconds.WithLabelValues(c.FullPath()).Observe(elapsed.Seconds())
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed":    elapsed.String(),
		}).Info("request completed")
	}
}

// decodeRequest reads and validates a verify/settle request body. An
// X-PAYMENT header, when present, overrides the payload in the body so
// resource servers can proxy the client header through unchanged.
func decodeRequest(c *gin.Context) (x402.PaymentPayload, x402.PaymentRequirements, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return x402.PaymentPayload{}, x402.PaymentRequirements{}, err
	}

	if err := validateDocument(requestSchema, body); err != nil {
		return x402.PaymentPayload{}, x402.PaymentRequirements{}, err
	}

	var req struct {
		PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
		PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return x402.PaymentPayload{}, x402.PaymentRequirements{}, err
	}

	if header := c.GetHeader("X-PAYMENT"); header != "" {
		payload, err := ValidateAndDecodePaymentHeader(header)
		if err != nil {
			return x402.PaymentPayload{}, x402.PaymentRequirements{}, err
		}
		req.PaymentPayload = *payload
	}

	return req.PaymentPayload, req.PaymentRequirements, nil
}

func (s *Server) handleVerify(c *gin.Context) {
	payload, requirements, err := decodeRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.facilitator.Verify(c.Request.Context(), payload, requirements)
	if err != nil {
		s.failTransient(c, err)
		s.metrics.ObserveVerify(x402.ReasonBackendUnavailable)
		return
	}

	if resp.IsValid {
		s.metrics.ObserveVerify(metrics.OutcomeValid)
	} else {
		s.metrics.ObserveVerify(resp.InvalidReason)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	payload, requirements, err := decodeRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := x402.SettlementKey(payload, requirements)
	status, cached, done := s.cache.CheckAndMark(key)
	switch status {
	case x402.StatusCached:
		c.JSON(http.StatusOK, cached)
		return
	case x402.StatusInFlight:
		result, err := s.cache.WaitForResult(c.Request.Context(), key, done)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if result != nil {
			c.JSON(http.StatusOK, result)
			return
		}
		// The in-flight attempt failed transiently; run our own.
		status, cached, done = s.cache.CheckAndMark(key)
		if status != x402.StatusNotFound {
			if cached != nil {
				c.JSON(http.StatusOK, cached)
			} else {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement contention"})
			}
			return
		}
	}

	resp, err := s.facilitator.Settle(c.Request.Context(), payload, requirements)
	if err != nil {
		// Transient: leave no cached result so the client may retry.
		s.cache.Fail(key, done)
		s.failTransient(c, err)
		s.metrics.ObserveSettle(x402.ReasonBackendUnavailable)
		return
	}
	if resp.Success || resp.ErrorReason == x402.ReasonInvoiceAlreadyUsed {
		// Terminal outcomes are cached so client retries observe them.
		s.cache.Complete(key, resp, done)
	} else {
		// Validity failures are not terminal: the client may pay the
		// invoice and retry, which must reach the engine again.
		s.cache.Fail(key, done)
	}

	if resp.Success {
		s.metrics.ObserveSettle(metrics.OutcomeSettled)
	} else {
		s.metrics.ObserveSettle(resp.ErrorReason)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSupported(c *gin.Context) {
	resp, err := s.facilitator.GetSupported(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// failTransient maps engine errors to HTTP. Backend outages are 503 with the
// backend_unavailable token so callers can distinguish them from payment
// verdicts; anything else is a 500.
func (s *Server) failTransient(c *gin.Context, err error) {
	if x402.IsBackendUnavailable(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": x402.ReasonBackendUnavailable})
		return
	}
	s.log.WithError(err).Error("facilitator call failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
