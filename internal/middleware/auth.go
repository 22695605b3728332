// Package middleware содержит HTTP middleware сервиса выдачи литературы.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/mmeshcher/library-circulation/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const authCookieName = "auth_token"

// AuthMiddleware проверяет подписанный cookie с идентификатором и ролью участника.
// Cookie выпускает сервис сессий, использующий тот же секрет.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой секрет заменяется случайным,
// и тогда cookie, выпущенные сервисом сессий, не принимаются.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет участника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		actor, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token возвращает значение cookie вида "id:role.подпись".
func (a *AuthMiddleware) Token(actor model.Actor) string {
	payload := strconv.FormatInt(actor.ID, 10) + ":" + string(actor.Role)
	return payload + "." + a.sign(payload)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(value string) (model.Actor, bool) {
	payload, signature, ok := strings.Cut(value, ".")
	if !ok {
		return model.Actor{}, false
	}
	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return model.Actor{}, false
	}

	idStr, roleStr, ok := strings.Cut(payload, ":")
	if !ok {
		return model.Actor{}, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return model.Actor{}, false
	}
	role, err := model.ParseRole(roleStr)
	if err != nil {
		return model.Actor{}, false
	}

	return model.Actor{ID: id, Role: role}, true
}

// GetActorFromContext извлекает участника из контекста запроса.
func GetActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}
