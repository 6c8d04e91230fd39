package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthClaims_HasAnyRole(t *testing.T) {
	claims := &AuthClaims{Roles: []string{"operator"}}

	if !claims.HasAnyRole(RoleOperator) {
		t.Error("HasAnyRole(operator) = false для оператора")
	}
	if claims.HasAnyRole(RoleAdmin) {
		t.Error("HasAnyRole(admin) = true для оператора")
	}
	if !claims.HasAnyRole(RoleAdmin, RoleOperator) {
		t.Error("HasAnyRole(admin, operator) = false при наличии одной из ролей")
	}
	empty := &AuthClaims{}
	if empty.HasAnyRole(RoleOperator) {
		t.Error("HasAnyRole() = true без ролей")
	}
}

// withClaims кладёт claims в контекст запроса, как это делает
// JWT middleware после валидации токена.
func withClaims(r *http.Request, claims *AuthClaims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ContextKeyClaims, claims))
}

func TestRequireRole(t *testing.T) {
	var called bool
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	guard := RequireRole(RoleAdmin)(next)

	// Без claims — 401
	called = false
	rec := httptest.NewRecorder()
	guard.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", nil))
	if rec.Code != http.StatusUnauthorized || called {
		t.Errorf("Без claims: статус = %d, called = %v, ожидается 401 без вызова", rec.Code, called)
	}

	// Не та роль — 403
	called = false
	rec = httptest.NewRecorder()
	req := withClaims(httptest.NewRequest(http.MethodPut, "/", nil), &AuthClaims{Roles: []string{RoleOperator}})
	guard.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || called {
		t.Errorf("Роль operator: статус = %d, called = %v, ожидается 403 без вызова", rec.Code, called)
	}

	// Admin проходит
	called = false
	rec = httptest.NewRecorder()
	req = withClaims(httptest.NewRequest(http.MethodPut, "/", nil), &AuthClaims{Roles: []string{RoleAdmin}})
	guard.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !called {
		t.Errorf("Роль admin: статус = %d, called = %v, ожидается вызов обработчика", rec.Code, called)
	}
}

func TestClaimsFromContext(t *testing.T) {
	if ClaimsFromContext(context.Background()) != nil {
		t.Error("ClaimsFromContext() на пустом контексте вернул claims")
	}

	want := &AuthClaims{Subject: "user-1"}
	ctx := context.WithValue(context.Background(), ContextKeyClaims, want)
	if got := ClaimsFromContext(ctx); got != want {
		t.Errorf("ClaimsFromContext() = %v, ожидается %v", got, want)
	}
}
