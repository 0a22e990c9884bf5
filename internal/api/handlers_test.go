package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/edumarket/edumarket-checkout/internal/affiliate"
	"github.com/edumarket/edumarket-checkout/internal/checkout"
	"github.com/edumarket/edumarket-checkout/internal/domain"
	"github.com/edumarket/edumarket-checkout/internal/payment"
	"github.com/edumarket/edumarket-checkout/internal/platform/memory"
	"github.com/edumarket/edumarket-checkout/internal/platform/mercadopago"
)

const testSecret = "test-jwt-secret"

type stubLookup struct {
	sessions map[string]string
	err      error
}

func (s *stubLookup) SessionForPayment(_ context.Context, paymentID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	id, ok := s.sessions[paymentID]
	if !ok {
		return "", domain.NewCheckoutError(domain.ErrNotFound, "payment is not linked to a checkout session", "SESSION_NOT_FOUND")
	}
	return id, nil
}

type testServer struct {
	router  *gin.Engine
	store   *memory.Store
	hosted  *payment.SimulatedHosted
	lookup  *stubLookup
	healthy map[string]HealthCheck
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.NewStore()
	catalog := memory.NewCatalog(
		domain.CourseOffer{
			CourseID:      "course-1",
			Title:         "Tráfego Pago do Zero",
			Price:         decimal.RequireFromString("297.00"),
			SellerID:      "seller-1",
			PublishStatus: domain.PublishStatusPublished,
		},
		domain.CourseOffer{
			CourseID:      "draft-course",
			Title:         "Unreleased",
			Price:         decimal.RequireFromString("99.00"),
			SellerID:      "seller-1",
			PublishStatus: domain.PublishStatusDraft,
		},
	)
	hosted := payment.NewSimulatedHosted("http://pay.local")
	direct := payment.NewDirect(payment.NewSimulatedSettler(1), payment.ConfirmPolicy{Attempts: 3, Delay: time.Millisecond}, time.Now)
	affiliates := affiliate.NewService(store, catalog, affiliate.Options{
		LinkBaseURL:        "https://edumarket.example.com",
		DefaultRatePercent: decimal.NewFromInt(10),
	})
	svc := checkout.NewService(catalog, store, payment.NewGateway(direct, hosted, time.Now), affiliates, nil, nil, checkout.Options{
		Commit:       checkout.RetryPolicy{Attempts: 2, Delay: time.Millisecond, MaxDelay: time.Millisecond},
		InFlightWait: checkout.RetryPolicy{Attempts: 10, Delay: time.Millisecond},
	})

	lookup := &stubLookup{sessions: map[string]string{}}
	webhooks := NewWebhookHandler(svc, lookup, mercadopago.NewSignatureVerifier("whsec", 0, nil))
	ts := &testServer{store: store, hosted: hosted, lookup: lookup, healthy: map[string]HealthCheck{}}
	handler := NewHandler(svc, affiliates, webhooks, ts.healthy)
	ts.router = SetupRouter(handler, RouterConfig{
		GinMode:        gin.TestMode,
		AllowedOrigins: []string{"https://edumarket.example.com"},
		Auth:           AuthConfig{JWTSecret: testSecret, AllowHeaderIdentity: true},
		Logger:         zerolog.Nop(),
	})
	return ts
}

type call struct {
	method  string
	path    string
	body    any
	user    string
	headers map[string]string
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&body).Encode(c.body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
		req.Header.Set("X-User-Email", c.user+"@example.com")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func pixBody(course string) map[string]any {
	return map[string]any{"courseId": course, "paymentMethod": "pix"}
}

func cardBody(number string) map[string]any {
	return map[string]any{
		"courseId":      "course-1",
		"paymentMethod": "card",
		"paymentData": map[string]any{
			"cardNumber": number,
			"expiry":     "12/39",
			"cvv":        "123",
			"holderName": "Ana Souza",
		},
	}
}

func TestGetCourseOffer(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodGet, path: "/checkout/course/course-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	offer := decode[CourseOfferResponse](t, w)
	if offer.Price != "297.00" || !offer.Available || offer.SellerID != "seller-1" {
		t.Fatalf("offer = %+v", offer)
	}

	w = s.do(t, call{method: http.MethodGet, path: "/checkout/course/missing"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing course status = %d", w.Code)
	}
	if e := decode[ErrorResponse](t, w); e.Success || e.Code == "" {
		t.Fatalf("error body = %+v", e)
	}
}

func TestAffiliateLinkToCheckout(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodPost, path: "/affiliate/register", user: "aff-1", body: map[string]any{"name": "Bia"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body)
	}
	registered := decode[AffiliateResponse](t, w)
	if registered.Email != "aff-1@example.com" || registered.CommissionRatePercent != "10.00" {
		t.Fatalf("affiliate = %+v", registered)
	}

	w = s.do(t, call{method: http.MethodPost, path: "/affiliate/register", user: "aff-1", body: map[string]any{"name": "Bia"}})
	if w.Code != http.StatusOK {
		t.Fatalf("second register status = %d", w.Code)
	}
	if again := decode[AffiliateResponse](t, w); again.AffiliateCode != registered.AffiliateCode {
		t.Fatalf("code changed on re-register: %s != %s", again.AffiliateCode, registered.AffiliateCode)
	}

	w = s.do(t, call{method: http.MethodGet, path: "/affiliate/link/course-1", user: "aff-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("link status = %d: %s", w.Code, w.Body)
	}
	raw, _ := decode[map[string]any](t, w)["url"].(string)
	link, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	ref := link.Query().Get("ref")
	if ref != registered.AffiliateCode {
		t.Fatalf("ref = %q, want %q", ref, registered.AffiliateCode)
	}

	w = s.do(t, call{
		method:  http.MethodPost,
		path:    "/checkout/process?ref=" + url.QueryEscape(ref),
		user:    "buyer-1",
		body:    pixBody("course-1"),
		headers: map[string]string{"Idempotency-Key": "k-1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("process status = %d: %s", w.Code, w.Body)
	}
	first := decode[ProcessCheckoutResponse](t, w)
	if !first.Success || first.SaleID == "" || first.EnrollmentID == "" || first.Replayed {
		t.Fatalf("result = %+v", first)
	}

	sale, err := s.store.GetAffiliateSale(context.Background(), first.SaleID)
	if err != nil {
		t.Fatalf("commission not recorded: %v", err)
	}
	if !sale.CommissionAmount.Equal(decimal.RequireFromString("29.70")) {
		t.Fatalf("commission = %s", sale.CommissionAmount)
	}

	w = s.do(t, call{
		method:  http.MethodPost,
		path:    "/checkout/process?ref=" + url.QueryEscape(ref),
		user:    "buyer-1",
		body:    pixBody("course-1"),
		headers: map[string]string{"Idempotency-Key": "k-1"},
	})
	replay := decode[ProcessCheckoutResponse](t, w)
	if w.Code != http.StatusOK || !replay.Replayed || replay.SaleID != first.SaleID {
		t.Fatalf("replay = %d %+v", w.Code, replay)
	}

	w = s.do(t, call{method: http.MethodPost, path: "/affiliate/deactivate", user: "aff-1"})
	if w.Code != http.StatusOK || decode[AffiliateResponse](t, w).Status != string(domain.AffiliateStatusInactive) {
		t.Fatalf("deactivate = %d %s", w.Code, w.Body)
	}
}

func TestRegisterIgnoresClientCommissionRate(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{
		method: http.MethodPost,
		path:   "/affiliate/register",
		user:   "buyer-1",
		body:   map[string]any{"name": "Bia", "commissionRatePercent": 100},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body)
	}
	registered := decode[AffiliateResponse](t, w)
	if registered.CommissionRatePercent != "10.00" {
		t.Fatalf("rate = %s, want the configured 10.00", registered.CommissionRatePercent)
	}

	w = s.do(t, call{
		method:  http.MethodPost,
		path:    "/checkout/process?ref=" + url.QueryEscape(registered.AffiliateCode),
		user:    "buyer-1",
		body:    pixBody("course-1"),
		headers: map[string]string{"Idempotency-Key": "own-code"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("process status = %d: %s", w.Code, w.Body)
	}
	res := decode[ProcessCheckoutResponse](t, w)
	sale, err := s.store.GetAffiliateSale(context.Background(), res.SaleID)
	if err != nil {
		t.Fatalf("GetAffiliateSale: %v", err)
	}
	if !sale.CommissionAmount.Equal(decimal.RequireFromString("29.70")) {
		t.Fatalf("commission = %s, want 29.70", sale.CommissionAmount)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
		retryAfter bool
	}{
		{"declined card", cardBody(payment.CardDeclined), http.StatusPaymentRequired, "PAYMENT_DECLINED", false},
		{"processor down", cardBody(payment.CardProcessingError), http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE", true},
		{"unknown course", pixBody("missing"), http.StatusNotFound, "", false},
		{"draft course", pixBody("draft-course"), http.StatusBadRequest, "", false},
		{"missing method", map[string]any{"courseId": "course-1"}, http.StatusBadRequest, "VALIDATION_ERROR", false},
		{"bad card number", cardBody("4111111111111112"), http.StatusBadRequest, "VALIDATION_ERROR", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, call{method: http.MethodPost, path: "/checkout/process", user: "buyer-err", body: tt.body})
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body)
			}
			e := decode[ErrorResponse](t, w)
			if e.Success || e.Error == "" {
				t.Fatalf("error body = %+v", e)
			}
			if tt.wantCode != "" && e.Code != tt.wantCode {
				t.Fatalf("code = %s, want %s", e.Code, tt.wantCode)
			}
			if got := w.Header().Get("Retry-After") != ""; got != tt.retryAfter {
				t.Fatalf("Retry-After present = %v, want %v", got, tt.retryAfter)
			}
		})
	}
	if sales, enrollments, _ := s.store.Counts(); sales != 0 || enrollments != 0 {
		t.Fatalf("failed checkouts left %d sales, %d enrollments", sales, enrollments)
	}

	w := s.do(t, call{method: http.MethodPost, path: "/checkout/process", user: "buyer-err", body: "not an object"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", w.Code)
	}
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)
	sign := func(claims jwt.Claims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatal(err)
		}
		return "Bearer " + tok
	}
	valid := sign(userClaims{Email: "jwt@example.com", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	expired := sign(userClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no credentials", "", http.StatusUnauthorized},
		{"expired token", expired, http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"valid token", valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := call{method: http.MethodPost, path: "/checkout/process", body: pixBody("course-1")}
			if tt.header != "" {
				c.headers = map[string]string{"Authorization": tt.header}
			}
			if w := s.do(t, c); w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}

	if _, _, err := s.store.FindEnrollment(context.Background(), "course-1", "jwt-user"); err != nil {
		t.Fatalf("enrollment not created for token subject: %v", err)
	}
}

func TestHostedSessionOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodPost, path: "/checkout/create-checkout-session", user: "buyer-2", body: map[string]any{"courseId": "course-1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	session := decode[CreateSessionResponse](t, w)
	if session.SessionID == "" || session.ClientSecret == "" {
		t.Fatalf("session = %+v", session)
	}

	statusPath := "/checkout/session-status?session_id=" + url.QueryEscape(session.SessionID)
	if st := decode[SessionStatusResponse](t, s.do(t, call{method: http.MethodGet, path: statusPath})); st.Status != "open" {
		t.Fatalf("status = %+v, want open", st)
	}

	s.hosted.Complete(session.SessionID, "payer@example.com")
	w = s.do(t, call{method: http.MethodGet, path: statusPath})
	st := decode[SessionStatusResponse](t, w)
	if w.Code != http.StatusOK || st.Status != "complete" || st.CustomerEmail != "payer@example.com" || st.EnrollmentID == "" {
		t.Fatalf("status = %d %+v", w.Code, st)
	}

	w = s.do(t, call{method: http.MethodGet, path: "/checkout/session-status"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing session_id status = %d", w.Code)
	}
	w = s.do(t, call{method: http.MethodGet, path: "/checkout/session-status?session_id=cs_unknown"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", w.Code)
	}
}

func TestMercadoPagoWebhook(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodPost, path: "/checkout/create-checkout-session", user: "buyer-3", body: map[string]any{"courseId": "course-1"}})
	session := decode[CreateSessionResponse](t, w)
	s.lookup.sessions["123456"] = session.SessionID
	s.hosted.Complete(session.SessionID, "payer@example.com")

	notify := func(dataID, signature string) *httptest.ResponseRecorder {
		return s.do(t, call{
			method: http.MethodPost,
			path:   "/webhooks/mercadopago?type=payment&data.id=" + dataID,
			body:   map[string]any{"type": "payment", "action": "payment.updated", "data": map[string]string{"id": dataID}},
			headers: map[string]string{
				"x-signature":  signature,
				"x-request-id": "req-1",
			},
		})
	}
	good := func(dataID string) string {
		return mercadopago.SignatureHeader("whsec", dataID, "req-1", time.Now())
	}

	if w := notify("123456", mercadopago.SignatureHeader("wrong", "123456", "req-1", time.Now())); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", w.Code)
	}
	if sales, _, _ := s.store.Counts(); sales != 0 {
		t.Fatal("rejected webhook committed a sale")
	}

	if w := notify("123456", good("123456")); w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", w.Code, w.Body)
	}
	if _, _, err := s.store.FindEnrollment(context.Background(), "course-1", "buyer-3"); err != nil {
		t.Fatalf("webhook did not enroll the buyer: %v", err)
	}

	// Redelivery is harmless.
	if w := notify("123456", good("123456")); w.Code != http.StatusOK {
		t.Fatalf("redelivered webhook status = %d", w.Code)
	}
	if sales, _, _ := s.store.Counts(); sales != 1 {
		t.Fatalf("sales = %d after redelivery, want 1", sales)
	}

	if w := notify("999", good("999")); w.Code != http.StatusOK {
		t.Fatalf("unrelated payment status = %d", w.Code)
	}

	s.lookup.err = domain.NewCheckoutError(domain.ErrGatewayUnavailable, "payment provider unavailable", "GATEWAY_UNAVAILABLE")
	if w := notify("123456", good("123456")); w.Code != http.StatusInternalServerError {
		t.Fatalf("provider outage status = %d, want a redelivery request", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	s.healthy["postgres"] = func(context.Context) error { return nil }

	if w := s.do(t, call{method: http.MethodGet, path: "/health"}); w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}

	s.healthy["redis"] = func(context.Context) error { return context.DeadlineExceeded }
	w := s.do(t, call{method: http.MethodGet, path: "/health"})
	if w.Code != http.StatusServiceUnavailable || decode[map[string]any](t, w)["status"] != "degraded" {
		t.Fatalf("degraded health = %d %s", w.Code, w.Body)
	}
}

func TestCORSAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodOptions, path: "/checkout/process", headers: map[string]string{"Origin": "https://edumarket.example.com"}})
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://edumarket.example.com" {
		t.Fatalf("preflight = %d %v", w.Code, w.Header())
	}

	w = s.do(t, call{method: http.MethodGet, path: "/health", headers: map[string]string{"Origin": "https://evil.example.com"}})
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin allowed")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id not set")
	}

	w = s.do(t, call{method: http.MethodGet, path: "/health", headers: map[string]string{"X-Request-ID": "abc"}})
	if w.Header().Get("X-Request-ID") != "abc" {
		t.Fatal("request id not propagated")
	}
}
