package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aixgo-dev/agentd/pkg/security"
)

const (
	bodyKey = "agentd.body"

	rejectMethod    = "method_not_allowed"
	rejectBodySize  = "body_too_large"
	rejectSignature = "bad_signature"
	rejectRateLimit = "rate_limited"
	rejectNotFound  = "not_found"
)

func init() {
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}

// Webhook serves one POST endpoint. Every request passes, in order, the
// method check (405), the body cap (413), the HMAC signature check (403) and
// the rate limiter (429) before routing. Accepted requests run the callback
// synchronously and are answered 200 {"status":"ok"} afterwards.
type Webhook struct {
	cfg      WebhookConfig
	cb       Callback
	limiter  *security.RateLimiter
	engine   *gin.Engine
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewWebhook builds a webhook source. A secret is generated when none is
// configured, unless InsecureNoAuth is set.
func NewWebhook(cfg WebhookConfig, cb Callback, opts ...Option) (*Webhook, error) {
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	w := &Webhook{
		cfg:      cfg,
		cb:       cb,
		limiter:  security.NewPerMinuteRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
		logger:   o.logger.With("component", "trigger.webhook", "path", cfg.Path),
		observer: o.observer,
	}
	if cfg.InsecureNoAuth {
		w.logger.Warn("webhook accepts unsigned requests")
	}
	w.engine = w.buildEngine()
	return w, nil
}

func (w *Webhook) buildEngine() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(w.requirePost, w.limitBody, w.verifySignature, w.rateLimit)
	g.POST(w.cfg.Path, w.accept)
	g.NoRoute(func(c *gin.Context) {
		w.reject(c, http.StatusNotFound, rejectNotFound)
	})
	return g
}

func (w *Webhook) Type() Type { return TypeWebhook }

// Secret returns the shared secret, including a generated one.
func (w *Webhook) Secret() string { return w.cfg.Secret }

// Handler exposes the request pipeline without a listener.
func (w *Webhook) Handler() http.Handler { return w.engine }

// Addr returns the bound listener address, or "" when stopped.
func (w *Webhook) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Start binds the listener and serves on a new goroutine.
func (w *Webhook) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server != nil {
		return nil
	}

	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           w.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("webhook server failed", "error", err)
		}
	}()

	w.server, w.listener, w.done = srv, ln, done
	w.logger.Info("webhook listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, letting in-flight requests finish, and waits
// for the serve goroutine to exit.
func (w *Webhook) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server == nil {
		return nil
	}
	err := w.server.Shutdown(context.Background())
	<-w.done
	w.server, w.listener, w.done = nil, nil, nil
	w.logger.Info("webhook stopped")
	return err
}

func (w *Webhook) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *Webhook) requirePost(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.Header("Allow", http.MethodPost)
		w.reject(c, http.StatusMethodNotAllowed, rejectMethod)
		return
	}
	c.Next()
}

// limitBody reads at most MaxBodyBytes+1 bytes and stores the raw body.
func (w *Webhook) limitBody(c *gin.Context) {
	limit := w.cfg.MaxBodyBytes
	if c.Request.ContentLength > limit {
		w.reject(c, http.StatusRequestEntityTooLarge, rejectBodySize)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.reject(c, http.StatusRequestEntityTooLarge, rejectBodySize)
			return
		}
		w.logger.Debug("read webhook body", "error", err)
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	c.Set(bodyKey, body)
	c.Next()
}

func (w *Webhook) verifySignature(c *gin.Context) {
	if w.cfg.Secret == "" {
		c.Next()
		return
	}
	body := c.MustGet(bodyKey).([]byte)
	if !security.VerifySignature(w.cfg.Secret, body, c.GetHeader(security.SignatureHeader)) {
		w.reject(c, http.StatusForbidden, rejectSignature)
		return
	}
	c.Next()
}

func (w *Webhook) rateLimit(c *gin.Context) {
	if !w.limiter.Allow() {
		w.reject(c, http.StatusTooManyRequests, rejectRateLimit)
		return
	}
	c.Next()
}

func (w *Webhook) accept(c *gin.Context) {
	body := c.MustGet(bodyKey).([]byte)
	w.cb(NewEvent(TypeWebhook, string(body), map[string]any{"path": w.cfg.Path}))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (w *Webhook) reject(c *gin.Context, status int, reason string) {
	w.observer.WebhookRejected(w.cfg.Path, reason)
	w.logger.Debug("webhook request rejected", "status", status, "reason", reason, "remote", c.ClientIP())
	c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
}
