package httpkit

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"leadqual_backend/platform/apperr"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type testAuthConfig struct{ secret string }

func (c testAuthConfig) GetOperatorJWTSecret() string { return c.secret }

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyAuth(t *testing.T) {
	engine := gin.New()
	engine.POST("/hook", APIKeyAuth("hook-secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		key  string
		want int
	}{
		{"", http.StatusUnauthorized},
		{"wrong", http.StatusUnauthorized},
		{"hook-secret", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		if tc.key != "" {
			req.Header.Set(HeaderWebhookAPIKey, tc.key)
		}
		if rec := serve(engine, req); rec.Code != tc.want {
			t.Fatalf("key %q: expected %d, got %d", tc.key, tc.want, rec.Code)
		}
	}
}

func TestAuthRequiredAndRole(t *testing.T) {
	cfg := testAuthConfig{secret: "operator-secret"}
	engine := gin.New()
	engine.GET("/ops", AuthRequired(cfg), RequireRole("operator"), func(c *gin.Context) {
		op, _ := GetOperator(c)
		c.String(http.StatusOK, op.Subject)
	})

	valid := signToken(t, cfg.secret, jwt.MapClaims{
		"sub":   "ana@crm.example",
		"roles": []string{"operator"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	noRole := signToken(t, cfg.secret, jwt.MapClaims{"sub": "bob@crm.example", "roles": []string{"viewer"}})
	wrongKey := signToken(t, "other-secret", jwt.MapClaims{"sub": "eve", "roles": []string{"operator"}})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong signature", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"missing role", "Bearer " + noRole, http.StatusForbidden},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ops", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := serve(engine, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
		if tc.want == http.StatusOK && rec.Body.String() != "ana@crm.example" {
			t.Fatalf("expected operator subject in body, got %q", rec.Body.String())
		}
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	limiter := PerMinute(2, nil)
	engine := gin.New()
	engine.GET("/limited", limiter.RateLimit(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(engine, httptest.NewRequest(http.MethodGet, "/limited", nil)).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := PerMinute(1, nil)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if !limiter.allow("10.0.0.1") || limiter.allow("10.0.0.1") {
		t.Fatalf("expected one request then rejection")
	}
	now = now.Add(rateLimiterIdleTTL)
	limiter.allow("10.0.0.2")
	if _, ok := limiter.limiters["10.0.0.1"]; ok {
		t.Fatalf("expected idle client bucket to be evicted")
	}
	if len(limiter.limiters) != 1 {
		t.Fatalf("expected only the active client, got %d buckets", len(limiter.limiters))
	}
}

func TestUnavailableSetsRetryAfter(t *testing.T) {
	engine := gin.New()
	engine.GET("/err", func(c *gin.Context) { HandleError(c, apperr.Unavailable("provider down", errors.New("timeout"))) })

	rec := serve(engine, httptest.NewRequest(http.MethodGet, "/err", nil))
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on 503")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	engine := gin.New()
	engine.GET("/id", RequestID(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	if got := serve(engine, req).Header().Get(HeaderRequestID); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}

	generated := serve(engine, httptest.NewRequest(http.MethodGet, "/id", nil)).Header().Get(HeaderRequestID)
	if generated == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestHandleErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad contact"), http.StatusBadRequest},
		{apperr.Unavailable("provider down", errors.New("timeout")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		engine := gin.New()
		engine.GET("/err", func(c *gin.Context) { HandleError(c, tc.err) })
		if rec := serve(engine, httptest.NewRequest(http.MethodGet, "/err", nil)); rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}
