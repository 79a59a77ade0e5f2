package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenAuthentication(t *testing.T) {
	svc, err := NewService(Config{
		Mode: ModeStatic,
		Tokens: []StaticToken{
			{Token: "creator-token", Subject: "creator-1", Permissions: []string{PermTasksRead, PermTasksWrite}},
			{Token: "revoked", Subject: "agent-9", Disabled: true},
		},
	})
	require.NoError(t, err)

	subject, err := svc.AuthenticateRequest("Bearer creator-token")
	require.NoError(t, err)
	require.Equal(t, "creator-1", subject.ID)
	require.NoError(t, subject.Authorize(PermTasksWrite))
	require.ErrorIs(t, subject.Authorize(PermEscrowWrite), ErrPermissionDenied)

	_, err = svc.AuthenticateRequest("Bearer nope")
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.AuthenticateRequest("")
	require.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Bearer revoked")
	require.ErrorIs(t, err, ErrSubjectRevoked)
}

func TestJWTIssueAndExpiry(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, err := NewService(Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "s3cret", Issuer: "egomarket", Audience: []string{"api"}, AccessTTL: 60},
	}, WithClock(clk))
	require.NoError(t, err)

	token, err := svc.Issue(&Subject{ID: "mediator-1", Roles: []string{RoleMediator}, Permissions: []string{PermMediate}})
	require.NoError(t, err)
	require.Equal(t, int64(60), token.ExpiresIn)

	subject, err := svc.AuthenticateRequest("Bearer " + token.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "mediator-1", subject.ID)
	require.True(t, subject.Actor().Mediator)
	require.True(t, subject.HasPermission(PermMediate))

	clk.Add(2 * time.Minute)
	_, err = svc.AuthenticateRequest("Bearer " + token.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTRejectsTamperedSignature(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "one"}})
	require.NoError(t, err)
	other, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "two"}})
	require.NoError(t, err)

	token, err := other.Issue(&Subject{ID: "agent-1"})
	require.NoError(t, err)
	_, err = svc.AuthenticateRequest("Bearer " + token.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewServiceValidatesConfig(t *testing.T) {
	_, err := NewService(Config{Mode: ModeStatic})
	require.Error(t, err)
	_, err = NewService(Config{Mode: ModeJWT})
	require.Error(t, err)
	_, err = NewService(Config{Mode: "oauth"})
	require.Error(t, err)

	svc, err := NewService(Config{})
	require.NoError(t, err)
	require.Equal(t, ModeDisabled, svc.Mode())
	_, err = svc.Issue(&Subject{ID: "x"})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc, err := NewService(Config{
		Mode:   ModeStatic,
		Tokens: []StaticToken{{Token: "reader", Subject: "agent-1", Permissions: []string{PermTasksRead}}},
	})
	require.NoError(t, err)

	var seen string
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermTasksRead},
		http.MethodPost: {PermTasksWrite},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context()).ID
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		method string
		token  string
		status int
	}{
		{http.MethodGet, "reader", http.StatusNoContent},
		{http.MethodPost, "reader", http.StatusForbidden},
		{http.MethodGet, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/tasks", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, tc.status, rec.Code, "%s with %q", tc.method, tc.token)
	}
	require.Equal(t, "agent-1", seen)
}

func TestMiddlewareDisabledUsesActorHeader(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	require.NoError(t, err)

	var subject *Subject
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
	req.Header.Set(DevActorHeader, "creator-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, subject)
	require.Equal(t, "creator-7", subject.ID)
	require.True(t, subject.HasPermission(PermEscrowWrite))

	subject = nil
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	require.Nil(t, subject)
}

func TestConfiguredMediatorPermission(t *testing.T) {
	// Token permissions come from config files as plain strings.
	svc, err := NewService(Config{
		Mode:   ModeStatic,
		Tokens: []StaticToken{{Token: "mediator-token", Subject: "mediator-1", Permissions: []string{"disputes:mediate"}}},
	})
	require.NoError(t, err)

	subject, err := svc.AuthenticateRequest("Bearer mediator-token")
	require.NoError(t, err)
	require.True(t, subject.HasPermission(PermMediate))
	require.NoError(t, subject.Authorize(PermMediate))
	require.ErrorIs(t, subject.Authorize(PermEscrowWrite), ErrPermissionDenied)
}
