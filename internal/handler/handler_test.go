package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/otp-session-auth/internal/identity"
	"github.com/iliyamo/otp-session-auth/internal/lockout"
	"github.com/iliyamo/otp-session-auth/internal/logging"
	"github.com/iliyamo/otp-session-auth/internal/middleware"
	"github.com/iliyamo/otp-session-auth/internal/model"
	"github.com/iliyamo/otp-session-auth/internal/repository"
	"github.com/iliyamo/otp-session-auth/internal/session"
	"github.com/iliyamo/otp-session-auth/internal/token"
)

type fakeIssuer struct{ n int }

func (f *fakeIssuer) IssuePair(userID string) (token.Pair, error) {
	f.n++
	exp := time.Now().Add(time.Hour)
	return token.Pair{
		Access:  token.Issued{Token: "access-" + userID, Expires: exp},
		Refresh: token.Issued{Token: "refresh-" + userID + "-" + string(rune('a'+f.n)), Expires: exp},
	}, nil
}

type noRefresh struct{}

func (noRefresh) Refresh(context.Context, string) (session.Result, error) {
	return session.Result{}, &session.Rejection{Reason: session.ReasonInvalidRefreshToken, Err: session.ErrInvalidToken}
}

func newHandler(store Store, verifier identity.Verifier) *AuthHandler {
	var tracker *lockout.Tracker
	if ls, ok := store.(lockout.StateStore); ok {
		tracker = lockout.NewTracker(ls, lockout.Policy{Threshold: 5, Duration: 2 * time.Hour})
	}
	return NewAuthHandler(store, &fakeIssuer{}, noRefresh{}, verifier, tracker, session.CookieWriter{}, nil, logging.Discard())
}

func call(t *testing.T, h echo.HandlerFunc, method, body string, userID string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != "" {
		middleware.WithIdentity(c, session.Identity{UserID: userID})
	}
	require.NoError(t, h(c))
	return rec
}

func acceptAll(_ context.Context, assertion string) (identity.Claims, error) {
	return identity.Claims{PhoneNumber: assertion, Subject: "s"}, nil
}

func TestSendOTPRequiresPhone(t *testing.T) {
	h := newHandler(repository.NewMemoryStore(), identity.VerifierFunc(acceptAll))
	assert.Equal(t, http.StatusBadRequest, call(t, h.SendOTP, http.MethodPost, `{}`, "").Code)
	assert.Equal(t, http.StatusOK, call(t, h.SendOTP, http.MethodPost, `{"phoneNumber":"+1555"}`, "").Code)
}

func TestVerifyOTPRequiresAssertion(t *testing.T) {
	h := newHandler(repository.NewMemoryStore(), identity.VerifierFunc(acceptAll))
	rec := call(t, h.VerifyOTP, http.MethodPost, `{"phoneNumber":"+1555"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"assertionToken required"}`, rec.Body.String())
}

func TestVerifyOTPAcceptsLegacyIDToken(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newHandler(store, identity.VerifierFunc(acceptAll))
	rec := call(t, h.VerifyOTP, http.MethodPost, `{"idToken":"+15551112222"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h.Wait()

	u, err := store.GetByPhone(context.Background(), "+15551112222")
	require.NoError(t, err)
	assert.Equal(t, 1, store.TokenCount(u.ID))
	assert.Len(t, rec.Result().Cookies(), 2)
}

func TestVerifyOTPInvalidAssertionWithoutKnownUser(t *testing.T) {
	store := repository.NewMemoryStore()
	reject := identity.VerifierFunc(func(context.Context, string) (identity.Claims, error) {
		return identity.Claims{}, &identity.AssertionError{Reason: identity.ReasonUnavailable}
	})
	h := newHandler(store, reject)

	rec := call(t, h.VerifyOTP, http.MethodPost, `{"assertionToken":"x","phoneNumber":"+1999"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid assertion","reason":"provider unavailable"}`, rec.Body.String())
	_, err := store.GetByPhone(context.Background(), "+1999")
	assert.ErrorIs(t, err, repository.ErrNotFound, "a failed verification never creates a user")
}

func TestRegisterValidation(t *testing.T) {
	store := repository.NewMemoryStore()
	u, err := store.Create(context.Background(), "+1555")
	require.NoError(t, err)
	h := newHandler(store, identity.VerifierFunc(acceptAll))

	assert.Equal(t, http.StatusUnauthorized, call(t, h.Register, http.MethodPost, `{"firstName":"A","lastName":"B"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, call(t, h.Register, http.MethodPost, `{"firstName":"A"}`, u.ID).Code)
	assert.Equal(t, http.StatusBadRequest, call(t, h.Register, http.MethodPost, `{"firstName":" ","lastName":"B"}`, u.ID).Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, h.Register, http.MethodPost, `{"firstName":"A","lastName":"B"}`, "ghost").Code)

	rec := call(t, h.Register, http.MethodPost, `{"firstName":" Ada ","lastName":"Byron"}`, u.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"firstName":"Ada"`)
}

func TestUpdateProfilePartial(t *testing.T) {
	store := repository.NewMemoryStore()
	u, err := store.Create(context.Background(), "+1555")
	require.NoError(t, err)
	first, last := "Grace", "Hopper"
	_, err = store.UpdateNames(context.Background(), u.ID, &first, &last)
	require.NoError(t, err)
	h := newHandler(store, identity.VerifierFunc(acceptAll))

	assert.Equal(t, http.StatusBadRequest, call(t, h.UpdateProfile, http.MethodPut, `{}`, u.ID).Code)
	assert.Equal(t, http.StatusBadRequest, call(t, h.UpdateProfile, http.MethodPut, `{"lastName":""}`, u.ID).Code)

	rec := call(t, h.UpdateProfile, http.MethodPut, `{"lastName":"Brewster"}`, u.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := store.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Grace", got.FirstName)
	assert.Equal(t, "Brewster", got.LastName)
}

func TestSettings(t *testing.T) {
	store := repository.NewMemoryStore()
	store.Put(model.User{ID: "u1", PhoneNumber: "+1", Role: model.RoleAdmin})
	h := newHandler(store, identity.VerifierFunc(acceptAll))

	rec := call(t, h.Settings, http.MethodGet, "", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"role":"admin"`)
	assert.Equal(t, http.StatusNotFound, call(t, h.Settings, http.MethodGet, "", "ghost").Code)
}

func TestLogoutWithoutRefreshCookie(t *testing.T) {
	h := newHandler(repository.NewMemoryStore(), identity.VerifierFunc(acceptAll))
	rec := call(t, h.Logout, http.MethodPost, "", "u1")
	assert.Equal(t, http.StatusOK, rec.Code)
	for _, ck := range rec.Result().Cookies() {
		assert.Equal(t, -1, ck.MaxAge)
	}
}

func TestRefreshRejection(t *testing.T) {
	h := newHandler(repository.NewMemoryStore(), identity.VerifierFunc(acceptAll))
	rec := call(t, h.Refresh, http.MethodPost, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid refresh token"}`, rec.Body.String())
}

// brokenStore fails FindOrCreateByPhone.
type brokenStore struct {
	*repository.MemoryStore
}

func (brokenStore) FindOrCreateByPhone(context.Context, string) (model.User, bool, error) {
	return model.User{}, false, errors.New("connection reset")
}

func TestVerifyOTPStorageFailure(t *testing.T) {
	h := newHandler(brokenStore{repository.NewMemoryStore()}, identity.VerifierFunc(acceptAll))
	rec := call(t, h.VerifyOTP, http.MethodPost, `{"assertionToken":"+1555"}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

// deadlineStore fails login-state writes on an expired context, the way
// database/sql does.
type deadlineStore struct {
	*repository.MemoryStore
}

func (s deadlineStore) UpdateLoginState(ctx context.Context, id string, fn func(model.LoginState) (model.LoginState, bool)) (model.LoginState, error) {
	if err := ctx.Err(); err != nil {
		return model.LoginState{}, err
	}
	return s.MemoryStore.UpdateLoginState(ctx, id, fn)
}

func TestVerifyOTPSlowProviderStillCountsFailure(t *testing.T) {
	store := deadlineStore{repository.NewMemoryStore()}
	u, err := store.Create(context.Background(), "+15550001111")
	require.NoError(t, err)

	slow := identity.VerifierFunc(func(context.Context, string) (identity.Claims, error) {
		time.Sleep(60 * time.Millisecond)
		return identity.Claims{}, &identity.AssertionError{Reason: identity.ReasonUnavailable}
	})
	h := newHandler(store, slow)
	h.DBTimeout = 20 * time.Millisecond

	rec := call(t, h.VerifyOTP, http.MethodPost, `{"assertionToken":"x","phoneNumber":"+15550001111"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"error":"invalid assertion","reason":"provider unavailable"}`, rec.Body.String())

	got, err := store.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Login.Attempts)
}

func TestBlockUnknownUser(t *testing.T) {
	h := newHandler(repository.NewMemoryStore(), identity.VerifierFunc(acceptAll))
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("ghost")
	require.NoError(t, h.BlockUser(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReady(t *testing.T) {
	ok := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("down") })
	assert.Equal(t, http.StatusOK, call(t, Ready(ok), http.MethodGet, "", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, call(t, Ready(down), http.MethodGet, "", "").Code)
	assert.Equal(t, http.StatusOK, call(t, Health, http.MethodGet, "", "").Code)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }
