package middleware

import (
	"crypto/hmac"
	"net/http"
)

// SchedulerTokenHeader — заголовок, в котором внешний планировщик передаёт токен.
const SchedulerTokenHeader = "X-Scheduler-Token"

// SchedulerAuth ограничивает доступ к служебным эндпойнтам, вызываемым
// внешним планировщиком, по общему токену.
type SchedulerAuth struct {
	token []byte
}

// NewSchedulerAuth создаёт новый экземпляр SchedulerAuth с указанным токеном.
// Пустой токен отключает проверку.
func NewSchedulerAuth(token string) *SchedulerAuth {
	return &SchedulerAuth{token: []byte(token)}
}

// Middleware проверяет токен планировщика. Сравнение выполняется за
// постоянное время.
func (a *SchedulerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.token) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get(SchedulerTokenHeader)
		if !hmac.Equal([]byte(provided), a.token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
