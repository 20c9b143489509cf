package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ロールはJWTの role クレームで受け渡す。
const (
	// RoleAdmin は管理者ロール。管理者宛ての通知を扱える。
	RoleAdmin = "admin"
	// RoleEmployee は従業員ロール。自分宛ての通知だけを扱える。
	RoleEmployee = "employee"
	// RoleService は通知を発行する他サービスのロール。
	RoleService = "service"
)

const (
	// tokenIssuer はトークンの発行者。
	tokenIssuer = "kenshu"
	// tokenTTL はトークンの有効期間。
	tokenTTL = 24 * time.Hour
	// queryKeyToken はヘッダーを設定できないクライアント（EventSource）向けのクエリパラメータ名。
	queryKeyToken = "access_token"

	contextKeyUserID = "user_id"
	contextKeyRole   = "role"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。従業員宛て通知の宛先になる。
	UserID string `json:"user_id"`
	// Role はユーザーのロール。
	Role string `json:"role"`
}

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// 認証自体は別サービスの責務であり、ここではテストとサービス間通信のために使う。
func GenerateJWT(secret, userID, role string) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID: userID,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// トークンは Authorization ヘッダーから読む。
// 検証に成功した場合、コンテキストに "user_id" と "role" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return jwtAuth(secret, false)
}

// StreamJWTAuth はストリーム接続用のJWTAuth。
// Authorization ヘッダーが無ければ access_token クエリパラメータのトークンも受け付ける。
// EventSource とブラウザのWebSocketはヘッダーを設定できないため、ストリームのルートにだけ適用する。
func StreamJWTAuth(secret string) gin.HandlerFunc {
	return jwtAuth(secret, true)
}

func jwtAuth(secret string, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c, allowQuery)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証トークンが必要です",
			})
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}
		if claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンにユーザーIDが含まれていません",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyRole, claims.Role)
		c.Next()
	}
}

// RequireRole はコンテキストのロールが指定したいずれかである場合のみ通過させるミドルウェアを返す。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(roles, GetRole(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetRole はGinコンテキストからロールを取得する。
func GetRole(c *gin.Context) string {
	return c.GetString(contextKeyRole)
}

func extractToken(c *gin.Context, allowQuery bool) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		token, found := strings.CutPrefix(authHeader, "Bearer ")
		return token, found && token != ""
	}
	if !allowQuery {
		return "", false
	}
	token := c.Query(queryKeyToken)
	return token, token != ""
}
