package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const chatContextKey = "ChatID"

// ChatClaims represents JWT claims for an authenticated chat. Tokens are
// minted by the chat front end, which shares the signing secret.
type ChatClaims struct {
	ChatID int64 `json:"chat_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for chatID.
func GenerateToken(chatID int64, secret string, expiresAt time.Time) (string, error) {
	if chatID == 0 {
		return "", errors.New("chat id is required")
	}
	claims := ChatClaims{
		ChatID: chatID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(chatID, 10),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ChatClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, err
	}
	if claims, ok := token.Claims.(*ChatClaims); ok && token.Valid && claims.ChatID != 0 {
		return claims.ChatID, nil
	}
	return 0, errors.New("invalid token claims")
}

// bearerToken extracts the token from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query param.
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query("token"); q != "" {
			return q, ""
		}
		return "", "MISSING_TOKEN"
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "INVALID_AUTH_HEADER"
	}
	return parts[1], ""
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, code := bearerToken(c)
		switch code {
		case "MISSING_TOKEN":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  code,
				"error": "missing Authorization header",
			})
			return
		case "INVALID_AUTH_HEADER":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  code,
				"error": "invalid Authorization header",
			})
			return
		}

		chatID, err := parseToken(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(chatContextKey, chatID)
		c.Next()
	}
}

// CurrentChatID returns the authenticated chat ID from context.
func CurrentChatID(c *gin.Context) int64 {
	if v, ok := c.Get(chatContextKey); ok {
		if id, okCast := v.(int64); okCast {
			return id
		}
	}
	return 0
}
