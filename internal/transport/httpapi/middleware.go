package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/purchases/internal/domain"
)

const actorContextKey = "actor"

// JWTAuth проверяет bearer-токен (HMAC) и кладёт в контекст domain.Actor
// из claims sub и role.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "missing bearer token", Kind: domain.ErrorKindUser})
			}
			raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid token", Kind: domain.ErrorKindUser})
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid claims", Kind: domain.ErrorKindUser})
			}
			sub, _ := claims["sub"].(string)
			role, _ := claims["role"].(string)
			if sub == "" {
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "token has no subject", Kind: domain.ErrorKindUser})
			}

			c.Set(actorContextKey, domain.Actor{ID: sub, Role: domain.Role(role)})
			return next(c)
		}
	}
}

// RequireRole пропускает только акторов с одной из ролей.
func RequireRole(roles ...domain.Role) echo.MiddlewareFunc {
	allowed := make(map[domain.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !allowed[actorFrom(c).Role] {
				return c.JSON(http.StatusForbidden, errorBody{Error: domain.ErrForbidden.Error(), Kind: domain.ErrorKindUser})
			}
			return next(c)
		}
	}
}

// actorFrom возвращает пустого актора, если JWTAuth не отработал:
// сервис ответит ErrUnauthenticated.
func actorFrom(c echo.Context) domain.Actor {
	actor, _ := c.Get(actorContextKey).(domain.Actor)
	return actor
}
