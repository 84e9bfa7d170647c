package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyUserID = "user_id"
	contextKeyRole   = "role"

	roleAdmin = "admin"
)

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authMiddleware validates the session bearer token and stashes the caller's
// identity on the request context. Session issuance lives elsewhere; this
// side only validates.
func authMiddleware(signingKey string) gin.HandlerFunc {
	key := []byte(signingKey)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")
		claims := &sessionClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(contextKeyUserID, claims.Subject)
		ctx.Set(contextKeyRole, claims.Role)
		ctx.Next()
	}
}

// adminRequired restricts a route group to admin-role sessions.
func adminRequired() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.GetString(contextKeyRole) != roleAdmin {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
			return
		}
		ctx.Next()
	}
}

func currentUserID(ctx *gin.Context) string {
	return ctx.GetString(contextKeyUserID)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
