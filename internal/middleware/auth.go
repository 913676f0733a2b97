package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/makeasinger/jobserver/pkg/response"
)

// Auth modes, picked from configuration.
const (
	AuthNone  = "none"
	AuthBasic = "basic"
	AuthJWT   = "jwt"
)

type AuthMiddleware struct {
	jwtSecret string
	users     map[string]string
	log       *zap.Logger
}

type UserClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware picks bearer tokens when jwtSecret is set, basic auth
// when users is non-empty and no authentication otherwise.
func NewAuthMiddleware(jwtSecret string, users map[string]string, log *zap.Logger) *AuthMiddleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthMiddleware{jwtSecret: jwtSecret, users: users, log: log.Named("auth")}
}

// Mode reports the active authentication mode.
func (m *AuthMiddleware) Mode() string {
	switch {
	case m.jwtSecret != "":
		return AuthJWT
	case len(m.users) > 0:
		return AuthBasic
	default:
		return AuthNone
	}
}

// Authenticate returns the handler for the active mode.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	switch m.Mode() {
	case AuthJWT:
		return m.bearer()
	case AuthBasic:
		return m.basic()
	default:
		m.log.Warn("No USERS or JWT_SECRET configured: the API is open to everyone")
		return func(c *fiber.Ctx) error { return c.Next() }
	}
}

func (m *AuthMiddleware) basic() fiber.Handler {
	return basicauth.New(basicauth.Config{
		Users: m.users,
		Realm: "jobserver",
		Authorizer: func(user, pass string) bool {
			want, ok := m.users[user]
			return ok && subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1
		},
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="jobserver"`)
			return response.Unauthorized(c, "Invalid credentials")
		},
	})
}

// bearer validates a JWT token from the Authorization header
func (m *AuthMiddleware) bearer() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		token, err := jwt.ParseWithClaims(parts[1], &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(m.jwtSecret), nil
		})
		if err != nil {
			m.log.Debug("Rejected token", zap.Error(err))
			return response.Unauthorized(c, "Invalid or expired token")
		}

		claims, ok := token.Claims.(*UserClaims)
		if !ok || !token.Valid {
			return response.Unauthorized(c, "Invalid token claims")
		}

		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		return c.Next()
	}
}

// GetUserID returns the authenticated principal: the token's user ID or the
// basic auth username.
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok && userID != "" {
		return userID
	}
	if username, ok := c.Locals("username").(string); ok {
		return username
	}
	return ""
}

// GenerateToken signs a token for userID (useful for testing)
func (m *AuthMiddleware) GenerateToken(userID, email string) (string, error) {
	claims := UserClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "jobserver",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.jwtSecret))
}
