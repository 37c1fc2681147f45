package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	internalutils "fulfillment/internal/utils"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

const (
	// AuthorizationHeader authorization header name
	AuthorizationHeader = "Authorization"
	// BearerPrefix bearer prefix
	BearerPrefix = "Bearer "
	// UserIDKey key of the user id in the gin context
	UserIDKey = "user_id"
	// UserRoleKey key of the user role in the gin context
	UserRoleKey = "user_role"
)

// UserInfo user carried by a token
type UserInfo struct {
	ID   uint64 `json:"id"`
	Role string `json:"role"`
}

// TokenValidator resolves a bearer token to a user
type TokenValidator func(token string) (*UserInfo, error)

// JWTValidator validates tokens with manager
func JWTValidator(manager *internalutils.JWTManager) TokenValidator {
	return func(token string) (*UserInfo, error) {
		claims, err := manager.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		return &UserInfo{ID: claims.UserID, Role: claims.Role}, nil
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader(AuthorizationHeader)
	if !strings.HasPrefix(header, BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
}

// Auth rejects requests without a valid bearer token
func Auth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			utils.AppErrorResponse(c, utils.NewError(utils.CodeUnauthorized, "missing bearer token"))
			c.Abort()
			return
		}

		user, err := validator(token)
		if err != nil {
			log.WithContext(c.Request.Context()).WithError(err).Warn("Token rejected")
			utils.AppErrorResponse(c, utils.NewError(utils.CodeUnauthorized, "invalid token"))
			c.Abort()
			return
		}

		c.Set(UserIDKey, user.ID)
		c.Set(UserRoleKey, user.Role)
		c.Next()
	}
}

// AuthWrites applies Auth to state-changing requests only. Reads stay open so
// services can load orders and reservations from each other.
func AuthWrites(validator TokenValidator) gin.HandlerFunc {
	auth := Auth(validator)
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			auth(c)
		}
	}
}

// GetUserID returns the authenticated user id
func GetUserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok && id > 0
}
