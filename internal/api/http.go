package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
	"github.com/victornm/happymeter/internal/session"
	"github.com/victornm/happymeter/internal/stats"
	"github.com/victornm/happymeter/internal/telemetry"
	"github.com/victornm/happymeter/internal/vote"
)

func (a *API) registerHTTP(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/login", a.login)
	r.POST("/logout", a.logout)
	r.GET("/session-check", a.sessionCheck)

	authed := r.Group("", a.authenticate)
	authed.POST("/vote", a.submitVote)
	authed.GET("/api/stats", a.getStats)

	admin := authed.Group("/api", requireAdmin)
	admin.GET("/export", a.export)
	admin.GET("/kiosks", a.kiosks)
}

type (
	LoginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	LoginResponse struct {
		Username    string    `json:"username"`
		Token       string    `json:"token"`
		ExpiresAt   time.Time `json:"expires_at"`
		IsAdmin     bool      `json:"is_admin"`
		BoundKiosks []string  `json:"bound_kiosks"`
	}

	SessionResponse struct {
		Username       string   `json:"username"`
		IsAdmin        bool     `json:"is_admin"`
		AssignedKiosks []string `json:"assigned_kiosks"`
	}

	// VoteRequest also accepts the field names used by the first kiosk front end.
	VoteRequest struct {
		Ratings json.RawMessage `json:"ratings"`
		Comment *string         `json:"comment"`

		LegacyRatings json.RawMessage `json:"votes"`
		LegacyComment *string         `json:"commentaire"`
	}

	VoteResponse struct {
		ID    string    `json:"id"`
		Kiosk string    `json:"kiosk"`
		Date  time.Time `json:"date"`
	}
)

func (a *API) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed login request"), errors.WithCause(err)))
		return
	}

	resp, err := a.ss.Login(c.Request.Context(), session.LoginRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	a.setSessionCookie(c, resp.Token, time.Until(resp.ExpiresAt))
	c.JSON(http.StatusOK, LoginResponse{
		Username:    resp.Account.Username,
		Token:       resp.Token,
		ExpiresAt:   resp.ExpiresAt,
		IsAdmin:     resp.Account.IsAdmin,
		BoundKiosks: resp.BoundKiosks,
	})
}

// logout also accepts an expired session so its kiosk can be handed over.
func (a *API) logout(c *gin.Context) {
	if err := a.ss.Logout(c.Request.Context(), session.LogoutRequest{Token: sessionToken(c, a.cookie.Name)}); err != nil {
		abortWithError(c, err)
		return
	}

	a.setSessionCookie(c, "", -1)
	c.Status(http.StatusNoContent)
}

func (a *API) sessionCheck(c *gin.Context) {
	acc, err := a.ss.Authenticate(c.Request.Context(), sessionToken(c, a.cookie.Name))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		Username:       acc.Username,
		IsAdmin:        acc.IsAdmin,
		AssignedKiosks: acc.AssignedKiosks,
	})
}

func (a *API) submitVote(c *gin.Context) {
	acc := mustAccount(c)
	if acc.IsAdmin {
		abortWithError(c, errors.New(errors.CodePermissionDenied, errors.WithMessagef("admins do not operate a kiosk")))
		return
	}

	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid vote: malformed body"), errors.WithCause(err)))
		return
	}

	if len(req.Ratings) == 0 {
		req.Ratings = req.LegacyRatings
	}
	if req.Comment == nil {
		req.Comment = req.LegacyComment
	}

	kiosk, err := a.ss.BoundKiosk(c.Request.Context(), acc)
	if err != nil {
		abortWithError(c, err)
		return
	}

	v, err := a.vs.Submit(c.Request.Context(), vote.SubmitRequest{
		Username: acc.Username,
		Kiosk:    kiosk,
		Ratings:  req.Ratings,
		Comment:  req.Comment,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, VoteResponse{
		ID:    v.ID,
		Kiosk: v.Kiosk,
		Date:  v.Timestamp,
	})
}

func (a *API) getStats(c *gin.Context) {
	res, err := a.sts.GetStats(c.Request.Context(), stats.GetStatsRequest{Account: mustAccount(c)})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) export(c *gin.Context) {
	rows, err := a.sts.Export(c.Request.Context(), stats.ExportRequest{Account: mustAccount(c)})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="votes.json"`)
	c.JSON(http.StatusOK, rows)
}

func (a *API) kiosks(c *gin.Context) {
	entries, err := a.locks.Holders(c.Request.Context(), mustAccount(c).AssignedKiosks)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}

// authenticate resolves the session token and stores the account in the request context.
func (a *API) authenticate(c *gin.Context) {
	acc, err := a.ss.Authenticate(c.Request.Context(), sessionToken(c, a.cookie.Name))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Request = c.Request.WithContext(session.WithAccount(c.Request.Context(), *acc))
	c.Next()
}

func requireAdmin(c *gin.Context) {
	if !mustAccount(c).IsAdmin {
		abortWithError(c, errors.New(errors.CodePermissionDenied, errors.WithMessagef("admin only")))
		return
	}

	c.Next()
}

func mustAccount(c *gin.Context) domain.Account {
	acc, ok := session.AccountFrom(c.Request.Context())
	if !ok {
		panic("api: handler registered without authentication")
	}

	return acc
}

func (a *API) setSessionCookie(c *gin.Context, token string, ttl time.Duration) {
	maxAge := int(ttl.Seconds())
	if a.cookie.MaxAge > 0 && ttl > a.cookie.MaxAge {
		maxAge = int(a.cookie.MaxAge.Seconds())
	}
	if ttl < 0 {
		maxAge = -1
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(a.cookie.Name, token, maxAge, "/", "", a.cookie.Secure, true)
}

// sessionToken reads the bearer token, falling back to the session cookie.
func sessionToken(c *gin.Context, cookie string) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}

	token, _ := c.Cookie(cookie)
	return token
}

func abortWithError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "http: request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}

// NoCache forbids caching of every response. Session state changes behind
// the same URLs.
func NoCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}

// CORS lets kiosk front ends served from other origins send the session cookie.
func CORS(origins []string) gin.HandlerFunc {
	c := cors.DefaultConfig()
	c.AllowCredentials = true
	c.AddAllowHeaders("Authorization")
	if len(origins) == 0 {
		c.AllowOriginFunc = func(string) bool { return true }
	} else {
		c.AllowOrigins = origins
	}

	return cors.New(c)
}

// RequestLogger logs every request and records its latency when m is set.
func RequestLogger(m *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		d := time.Since(start)

		slog.InfoContext(c.Request.Context(), "http: request served",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration_ms", d.Milliseconds(),
		)

		if m != nil {
			m.ObserveRequest(c.Request.Method, route, c.Writer.Status(), d)
		}
	}
}
