package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

const voterIDKey = "voter_id"

var errMissingToken = errors.New("missing or invalid token")

// VoterAuth verifies the bearer token issued by the identity provider and
// stores its subject as the voter id.
func VoterAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		voterID, err := parseVoterToken(c.GetHeader("Authorization"), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: err.Error(),
				Code:  "unauthorized",
			})
			return
		}
		c.Set(voterIDKey, voterID)
		c.Next()
	}
}

func parseVoterToken(header string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("authentication is not configured")
	}
	if len(header) <= 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", errMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(header[7:], claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errMissingToken
	}
	return claims.Subject, nil
}

// VoterID returns the authenticated voter for the request
func VoterID(c *gin.Context) string {
	return c.GetString(voterIDKey)
}
