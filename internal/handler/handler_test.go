package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/sternosol-system/internal/middleware"
	"github.com/mmeshcher/sternosol-system/internal/model"
	"github.com/mmeshcher/sternosol-system/internal/payment"
	"github.com/mmeshcher/sternosol-system/internal/repository"
	"github.com/mmeshcher/sternosol-system/internal/service"
	"github.com/mmeshcher/sternosol-system/internal/storage"
)

type stubService struct {
	registerFn     func(in service.RegisterInput) (int64, error)
	authFn         func(email, password string) (*model.User, error)
	createGroupFn  func(in service.CreateGroupInput) (int64, error)
	joinFn         func(userID, groupeID int64) (int64, error)
	offlineFn      func(userID, groupeID int64, period int, filename string) (int64, error)
	onlineFn       func(chargeID string, amountCentimes int64, metadata map[string]string) (bool, error)
	updateStatusFn func(paymentID int64, status model.PaymentStatus) error
	payoutFn       func(userID, groupeID int64, amount float64) (int64, error)

	groups       []model.Group
	group        *model.Group
	groupForUser *model.Group
	members      []repository.Member
	payments     []model.Payment
	entries      []model.LedgerEntry
	eligible     bool
	nextPeriod   int
	stats        *model.Stats
}

func (s *stubService) RegisterUser(_ context.Context, in service.RegisterInput) (int64, error) {
	if s.registerFn != nil {
		return s.registerFn(in)
	}
	return 1, nil
}

func (s *stubService) AuthenticateUser(_ context.Context, email, password string) (*model.User, error) {
	if s.authFn != nil {
		return s.authFn(email, password)
	}
	return &model.User{ID: 1, Email: email, Role: model.RoleMember}, nil
}

func (s *stubService) CreateGroup(_ context.Context, in service.CreateGroupInput) (int64, error) {
	if s.createGroupFn != nil {
		return s.createGroupFn(in)
	}
	return 1, nil
}

func (s *stubService) ListGroups(context.Context) ([]model.Group, error) { return s.groups, nil }

func (s *stubService) GetGroup(_ context.Context, id int64) (*model.Group, error) {
	if s.group == nil {
		return nil, repository.ErrGroupNotFound
	}
	return s.group, nil
}

func (s *stubService) JoinGroup(_ context.Context, userID, groupeID int64) (int64, error) {
	if s.joinFn != nil {
		return s.joinFn(userID, groupeID)
	}
	return 1, nil
}

func (s *stubService) GroupForUser(context.Context, int64) (*model.Group, error) {
	return s.groupForUser, nil
}

func (s *stubService) GroupMembers(context.Context, int64) ([]repository.Member, error) {
	return s.members, nil
}

func (s *stubService) RecordOfflineContribution(_ context.Context, userID, groupeID int64, period int, filename string) (int64, error) {
	if s.offlineFn != nil {
		return s.offlineFn(userID, groupeID, period, filename)
	}
	return 1, nil
}

func (s *stubService) RecordOnlineContribution(_ context.Context, chargeID string, amountCentimes int64, metadata map[string]string) (bool, error) {
	if s.onlineFn != nil {
		return s.onlineFn(chargeID, amountCentimes, metadata)
	}
	return true, nil
}

func (s *stubService) ListContributions(context.Context, int64, int64) ([]model.Payment, error) {
	return s.payments, nil
}

func (s *stubService) ListAllContributions(context.Context) ([]model.LedgerEntry, error) {
	return s.entries, nil
}

func (s *stubService) UpdatePaymentStatus(_ context.Context, paymentID int64, status model.PaymentStatus) error {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(paymentID, status)
	}
	return nil
}

func (s *stubService) RecordPayout(_ context.Context, userID, groupeID int64, amount float64) (int64, error) {
	if s.payoutFn != nil {
		return s.payoutFn(userID, groupeID, amount)
	}
	return 1, nil
}

func (s *stubService) EligibleForPayout(context.Context, int64, int64) (bool, error) {
	return s.eligible, nil
}

func (s *stubService) NextPeriod(context.Context, int64, int64) (int, error) {
	return s.nextPeriod, nil
}

func (s *stubService) Stats(context.Context) (*model.Stats, error) {
	if s.stats == nil {
		return &model.Stats{}, nil
	}
	return s.stats, nil
}

type stubAuthority struct {
	clientSecret string
	createErr    error
	intent       *payment.SucceededIntent
	parseErr     error

	gotAmount   int64
	gotCurrency string
	gotMeta     payment.IntentMetadata
}

func (a *stubAuthority) CreateIntent(amountCentimes int64, currency string, meta payment.IntentMetadata) (string, error) {
	a.gotAmount = amountCentimes
	a.gotCurrency = currency
	a.gotMeta = meta
	return a.clientSecret, a.createErr
}

func (a *stubAuthority) ParseEvent([]byte, string) (*payment.SucceededIntent, error) {
	return a.intent, a.parseErr
}

func newTestRouter(t *testing.T, svc Service, authority PaymentAuthority) (http.Handler, *middleware.AuthMiddleware, *storage.FileStore) {
	t.Helper()

	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, authority, files, zap.NewNop(), auth)
	return h.SetupRouter("*"), auth, files
}

func authCookie(t *testing.T, auth *middleware.AuthMiddleware, userID int64, role model.Role) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, userID, role)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	return cookies[0]
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		registerFn func(in service.RegisterInput) (int64, error)
		wantStatus int
		wantError  string
	}{
		{
			name:       "success",
			body:       `{"nom":"Jean","prenom":"Pierre","email":"jp@mail.ht","password":"secret"}`,
			wantStatus: http.StatusOK,
		},
		{
			name: "duplicate email",
			body: `{"nom":"Jean","prenom":"Pierre","email":"jp@mail.ht","password":"secret"}`,
			registerFn: func(service.RegisterInput) (int64, error) {
				return 0, repository.ErrEmailTaken
			},
			wantStatus: http.StatusConflict,
			wantError:  "Cet email est déjà utilisé.",
		},
		{
			name: "missing fields",
			body: `{"email":"jp@mail.ht"}`,
			registerFn: func(service.RegisterInput) (int64, error) {
				return 0, service.ErrInvalidInput
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Champs manquants.",
		},
		{
			name:       "malformed body",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Requête invalide",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _, _ := newTestRouter(t, &stubService{registerFn: tt.registerFn}, &stubAuthority{})

			req := httptest.NewRequest(http.MethodPost, "/api/inscription", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantError != "" && !strings.Contains(rec.Body.String(), tt.wantError) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantError)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name       string
		authFn     func(email, password string) (*model.User, error)
		wantStatus int
		wantCookie bool
	}{
		{
			name: "success",
			authFn: func(email, _ string) (*model.User, error) {
				return &model.User{ID: 7, Nom: "Jean", Email: email, Role: model.RoleAdmin}, nil
			},
			wantStatus: http.StatusOK,
			wantCookie: true,
		},
		{
			name: "unknown email",
			authFn: func(string, string) (*model.User, error) {
				return nil, repository.ErrUserNotFound
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "wrong password",
			authFn: func(string, string) (*model.User, error) {
				return nil, service.ErrInvalidCredentials
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _, _ := newTestRouter(t, &stubService{authFn: tt.authFn}, &stubAuthority{})

			body := `{"email":"jp@mail.ht","password":"secret"}`
			req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			gotCookie := len(rec.Result().Cookies()) > 0
			if gotCookie != tt.wantCookie {
				t.Fatalf("cookie set = %v, want %v", gotCookie, tt.wantCookie)
			}

			if tt.wantStatus == http.StatusOK {
				var resp struct {
					User userResponse `json:"user"`
				}
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("unmarshal response: %v", err)
				}
				if resp.User.ID != 7 || resp.User.Role != "admin" {
					t.Fatalf("user = %+v", resp.User)
				}
			}
		})
	}
}

func TestCORSWildcardEchoesOrigin(t *testing.T) {
	router, _, _ := newTestRouter(t, &stubService{}, &stubAuthority{})

	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`))
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Буквальная звёздочка вместе с credentials отклоняется браузером,
	// поэтому ответ должен нести origin запроса.
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want request origin", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials = %q, want true", got)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	router, _, _ := newTestRouter(t, &stubService{}, &stubAuthority{})

	req := httptest.NewRequest(http.MethodGet, "/api/groupes", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAdminRoutesForbiddenForMember(t *testing.T) {
	router, auth, _ := newTestRouter(t, &stubService{}, &stubAuthority{})

	req := httptest.NewRequest(http.MethodGet, "/api/paiement/all", nil)
	req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestJoinDuplicate(t *testing.T) {
	svc := &stubService{
		joinFn: func(int64, int64) (int64, error) {
			return 0, repository.ErrAlreadyJoined
		},
	}
	router, auth, _ := newTestRouter(t, svc, &stubAuthority{})

	req := httptest.NewRequest(http.MethodPost, "/api/participer", strings.NewReader(`{"userId":5,"groupeId":2}`))
	req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "Déjà inscrit.") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestGroupForUserEmptyObject(t *testing.T) {
	router, auth, _ := newTestRouter(t, &stubService{}, &stubAuthority{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/group/5", nil)
	req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("body = %q, want {}", rec.Body.String())
	}
}

func TestPayoutConflict(t *testing.T) {
	svc := &stubService{
		payoutFn: func(int64, int64, float64) (int64, error) {
			return 0, repository.ErrAlreadyPaidOut
		},
	}
	router, auth, _ := newTestRouter(t, svc, &stubAuthority{})

	body := `{"userId":5,"groupeId":2,"amount":500}`
	req := httptest.NewRequest(http.MethodPost, "/api/paiement/payout", strings.NewReader(body))
	req.AddCookie(authCookie(t, auth, 1, model.RoleAdmin))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "Ce membre a déjà reçu son lot !") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestUpdateStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "success", err: nil, wantStatus: http.StatusOK},
		{name: "invalid transition", err: service.ErrInvalidTransition, wantStatus: http.StatusBadRequest},
		{name: "unknown payment", err: repository.ErrPaymentNotFound, wantStatus: http.StatusNotFound},
		{name: "concurrent change", err: repository.ErrStatusChanged, wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				updateStatusFn: func(int64, model.PaymentStatus) error { return tt.err },
			}
			router, auth, _ := newTestRouter(t, svc, &stubAuthority{})

			body := `{"paymentId":3,"status":"validé"}`
			req := httptest.NewRequest(http.MethodPut, "/api/paiement/update-status", strings.NewReader(body))
			req.AddCookie(authCookie(t, auth, 1, model.RoleAdmin))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestNextPeriod(t *testing.T) {
	router, auth, _ := newTestRouter(t, &stubService{nextPeriod: 4}, &stubAuthority{})

	req := httptest.NewRequest(http.MethodGet, "/api/paiement/next/5/2", nil)
	req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["nextPeriod"] != 4 {
		t.Fatalf("nextPeriod = %d, want 4", resp["nextPeriod"])
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	authority := &stubAuthority{clientSecret: "pi_123_secret"}
	router, auth, _ := newTestRouter(t, &stubService{}, authority)

	body := `{"amount":100.50,"userId":5,"groupeId":2,"periodNumber":3}`
	req := httptest.NewRequest(http.MethodPost, "/api/create-payment-intent", strings.NewReader(body))
	req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if authority.gotAmount != 10050 {
		t.Fatalf("amount = %d centimes, want 10050", authority.gotAmount)
	}
	if authority.gotCurrency != "usd" {
		t.Fatalf("currency = %q, want usd", authority.gotCurrency)
	}
	if authority.gotMeta.UserID != "5" || authority.gotMeta.GroupeID != "2" || authority.gotMeta.PeriodNumber != "3" {
		t.Fatalf("metadata = %+v", authority.gotMeta)
	}
	if !strings.Contains(rec.Body.String(), "pi_123_secret") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestCreatePaymentIntentMissingFields(t *testing.T) {
	router, auth, _ := newTestRouter(t, &stubService{}, &stubAuthority{})

	req := httptest.NewRequest(http.MethodPost, "/api/create-payment-intent", strings.NewReader(`{"amount":100}`))
	req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhook(t *testing.T) {
	intent := &payment.SucceededIntent{
		ChargeID:       "pi_abc",
		AmountCentimes: 10000,
		Metadata:       map[string]string{"userId": "5", "groupeId": "2", "periodNumber": "1"},
	}

	tests := []struct {
		name       string
		authority  *stubAuthority
		onlineFn   func(string, int64, map[string]string) (bool, error)
		wantStatus int
		wantAck    bool
	}{
		{
			name:       "invalid signature",
			authority:  &stubAuthority{parseErr: payment.ErrSignature},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "irrelevant event type",
			authority:  &stubAuthority{},
			wantStatus: http.StatusOK,
			wantAck:    true,
		},
		{
			name:       "successful delivery",
			authority:  &stubAuthority{intent: intent},
			wantStatus: http.StatusOK,
			wantAck:    true,
		},
		{
			name:      "duplicate delivery still acked",
			authority: &stubAuthority{intent: intent},
			onlineFn: func(string, int64, map[string]string) (bool, error) {
				return false, nil
			},
			wantStatus: http.StatusOK,
			wantAck:    true,
		},
		{
			name:      "forged metadata still acked",
			authority: &stubAuthority{intent: intent},
			onlineFn: func(string, int64, map[string]string) (bool, error) {
				return false, repository.ErrUserNotFound
			},
			wantStatus: http.StatusOK,
			wantAck:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _, _ := newTestRouter(t, &stubService{onlineFn: tt.onlineFn}, tt.authority)

			req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(`{}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantAck && !strings.Contains(rec.Body.String(), `"received":true`) {
				t.Fatalf("body = %q, want ack", rec.Body.String())
			}
		})
	}
}

func receiptForm(t *testing.T, fieldValues map[string]string, withFile bool) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fieldValues {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}

	if withFile {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="receipt"; filename="recu.png"`)
		header.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write([]byte("png-bytes"))
	}

	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadReceipt(t *testing.T) {
	fields := map[string]string{"userId": "5", "groupeId": "2", "periodNumber": "1"}

	t.Run("success", func(t *testing.T) {
		var gotFilename string
		svc := &stubService{
			offlineFn: func(_, _ int64, _ int, filename string) (int64, error) {
				gotFilename = filename
				return 9, nil
			},
		}
		router, auth, files := newTestRouter(t, svc, &stubAuthority{})

		body, contentType := receiptForm(t, fields, true)
		req := httptest.NewRequest(http.MethodPost, "/api/paiement/upload", body)
		req.Header.Set("Content-Type", contentType)
		req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
		}
		if gotFilename == "" || !strings.HasSuffix(gotFilename, "recu.png") {
			t.Fatalf("filename = %q", gotFilename)
		}
		if _, err := os.Stat(files.Dir() + "/" + gotFilename); err != nil {
			t.Fatalf("saved file: %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		router, auth, _ := newTestRouter(t, &stubService{}, &stubAuthority{})

		body, contentType := receiptForm(t, fields, false)
		req := httptest.NewRequest(http.MethodPost, "/api/paiement/upload", body)
		req.Header.Set("Content-Type", contentType)
		req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
		if !strings.Contains(rec.Body.String(), "Aucun fichier reçu.") {
			t.Fatalf("body = %q", rec.Body.String())
		}
	})

	t.Run("insert failure removes file", func(t *testing.T) {
		svc := &stubService{
			offlineFn: func(int64, int64, int, string) (int64, error) {
				return 0, errors.New("db down")
			},
		}
		router, auth, files := newTestRouter(t, svc, &stubAuthority{})

		body, contentType := receiptForm(t, fields, true)
		req := httptest.NewRequest(http.MethodPost, "/api/paiement/upload", body)
		req.Header.Set("Content-Type", contentType)
		req.AddCookie(authCookie(t, auth, 5, model.RoleMember))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
		}

		dirEntries, err := os.ReadDir(files.Dir())
		if err != nil {
			t.Fatalf("read uploads dir: %v", err)
		}
		if len(dirEntries) != 0 {
			t.Fatalf("uploads dir has %d files, want 0", len(dirEntries))
		}
	})
}
