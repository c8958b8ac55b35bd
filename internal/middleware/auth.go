// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// operatorContextKey はリクエストコンテキストに認証済みオペレーターを格納するためのキー。
var operatorContextKey = contextKey("operator")

// operatorToken はトークン認証を通過したリクエストのオペレーター名。
const operatorToken = "token"

// NewTokenMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// tokenが空の場合は認証を行わず、オペレーターを"anonymous"として扱う。
// トークンが一致しないリクエストには401 Unauthorizedを返す。
func NewTokenMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), "anonymous")))
				return
			}

			got, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("ops API authentication failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), operatorToken)))
		})
	}
}

// OperatorFromContext はリクエストコンテキストからオペレーター名を取得する。
// トークンミドルウェアを通過したリクエストでのみ有効。
func OperatorFromContext(ctx context.Context) (string, error) {
	op, ok := ctx.Value(operatorContextKey).(string)
	if !ok || op == "" {
		return "", fmt.Errorf("operator not found in context")
	}
	return op, nil
}

// ContextWithOperator はコンテキストにオペレーター名を注入する。
// テストで使用する。
func ContextWithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorContextKey, operator)
}

// withOperator はオペレーター名をコンテキストに注入し、ロギングミドルウェアにも伝える。
func withOperator(ctx context.Context, operator string) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.operator = operator
	}
	return context.WithValue(ctx, operatorContextKey, operator)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
