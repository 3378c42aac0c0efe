package middleware

import (
	"crypto/hmac"
	"net/http"
)

const adminTokenHeader = "X-Admin-Token"

// AdminMiddleware ограничивает доступ к административным маршрутам по токену.
type AdminMiddleware struct {
	token string
}

// NewAdminMiddleware создаёт middleware, сверяющее заголовок X-Admin-Token с токеном.
func NewAdminMiddleware(token string) *AdminMiddleware {
	return &AdminMiddleware{token: token}
}

// Middleware отклоняет запрос, если токен отсутствует или не совпадает.
// При пустом токене в конфигурации административные маршруты закрыты полностью.
func (a *AdminMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(adminTokenHeader)
		if a.token == "" || !hmac.Equal([]byte(got), []byte(a.token)) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
