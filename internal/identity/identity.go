package identity

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elijah-farrell/nexuschat-sub001/internal/config"
	"github.com/elijah-farrell/nexuschat-sub001/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

// ErrUnauthenticated 表示凭证缺失、无法解析或无法解析出 active 用户。
var ErrUnauthenticated = errors.New("unauthenticated")

type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

// MintAccessToken 用共享密钥签发 HS256 token。生产环境由外部签发方持有
// 同一密钥签发，这里保留给测试与本地工具使用。
func MintAccessToken(userID uint, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAccessToken 校验签名与有效期并返回 claims，校验失败一律视为未认证。
func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrUnauthenticated
}

// Resolve 把凭证解析成用户。非 active 的账号视同凭证无效，连接不予接纳。
func Resolve(db *gorm.DB, tokenStr, secret string) (*models.User, error) {
	claims, err := ParseAccessToken(tokenStr, secret)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := db.First(&user, claims.UserID).Error; err != nil {
		return nil, ErrUnauthenticated
	}
	if user.Status != models.UserActive {
		return nil, ErrUnauthenticated
	}
	return &user, nil
}

// TokenFromRequest 先看 Authorization 头，再看 token 查询参数（WebSocket 握手用）。
func TokenFromRequest(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return c.Query("token")
}

// Middleware 是认证边界：这里通过后，下游组件不再做任何身份校验。
func Middleware(cfg config.Config, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		user, err := Resolve(db, token, cfg.JWTSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", *user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}

func GetUser(c *gin.Context) (models.User, bool) {
	if v, ok := c.Get("user"); ok {
		if u, ok2 := v.(models.User); ok2 {
			return u, true
		}
	}
	return models.User{}, false
}
