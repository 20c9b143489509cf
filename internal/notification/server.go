package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/kenshu/internal/config"
	notificationdb "github.com/nao1215/kenshu/internal/notification/db"
	"github.com/nao1215/kenshu/pkg/event"
	"github.com/nao1215/kenshu/pkg/middleware"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// cfg はサービスの設定。
	cfg *config.Config
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer は router を公開するHTTPサーバー。
	httpServer *http.Server
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// store は通知の永続化層。
	store *notificationdb.Store
	// registry はこのインスタンスに接続中のストリーム。
	registry *Registry
	// redis はインスタンス間中継に使うRedisクライアント。単一インスタンスでは nil。
	redis *redis.Client
	// bridge はRedis経由の配信中継。単一インスタンスでは nil。
	bridge *RedisBridge
	// publisher は通知の作成と配信を行う。
	publisher *Publisher
	// readState は既読状態と削除を管理する。
	readState *ReadStateManager
	// upgrader はWebSocketへのアップグレードを行う。
	upgrader websocket.Upgrader
}

// NewServer は新しい通知サーバーを生成する。
// データベースへの接続とマイグレーションを行う。
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, err := openDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	s, err := newServer(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newServer はマイグレーション済みのデータベースからサーバーを組み立てる。
func newServer(ctx context.Context, db *sqlx.DB, cfg *config.Config) (*Server, error) {
	store, err := notificationdb.New(ctx, db)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(cfg.SubscriberBuffer)
	s := &Server{
		cfg:      cfg,
		db:       db,
		store:    store,
		registry: registry,
	}

	var broadcaster Broadcaster = registry
	if cfg.RedisEnabled() {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		s.bridge = NewRedisBridge(s.redis, cfg.RedisChannel, registry)
		broadcaster = s.bridge
	}
	s.publisher = NewPublisher(store, broadcaster)
	s.readState = NewReadStateManager(store, broadcaster, cfg.MaxListLimit)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.router = gin.New()
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Publisher は同じプロセス内の業務処理が通知を発行するためのPublisherを返す。
func (s *Server) Publisher() *Publisher {
	return s.publisher
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーと、有効な場合はRedisの中継を起動する。
// ctx がキャンセルされると全てのストリームを終了させてからHTTPサーバーを停止する。
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("通知サービスを起動します: %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	})

	if s.bridge != nil {
		g.Go(func() error {
			return s.bridge.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Printf("通知サービスを停止します")

		// ストリームは終わらないため、Shutdown より先に終了させる
		s.registry.Close()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close はRedisとデータベースの接続を閉じる。
func (s *Server) Close() {
	s.registry.Close()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("Redis接続のクローズに失敗: %v", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("データベースのクローズに失敗: %v", err)
		}
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.Logger())
	s.router.Use(cors.New(s.corsConfig()))

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	auth := middleware.JWTAuth(s.cfg.JWTSecret)
	// ストリームだけは access_token クエリパラメータでも認証する
	streamAuth := middleware.StreamJWTAuth(s.cfg.JWTSecret)
	adminOnly := middleware.RequireRole(middleware.RoleAdmin)
	employeeOrAdmin := middleware.RequireRole(middleware.RoleEmployee, middleware.RoleAdmin)

	api := s.router.Group("/api/v1")
	{
		admin := api.Group("/admin/notifications", auth, adminOnly)
		{
			admin.GET("", s.handleList(adminAudience))
			admin.GET("/unread-count", s.handleUnreadCount())
			// 一括の既読・未読
			admin.POST("/read", s.handleMarkMany(true))
			admin.POST("/unread", s.handleMarkMany(false))
			admin.POST("/delete-all", s.handleDeleteAll(adminAudience))
			admin.POST("/:id/read", s.handleMark(true))
			admin.POST("/:id/unread", s.handleMark(false))
			admin.DELETE("/:id", s.handleDelete(adminAudience))
		}
		adminStream := api.Group("/admin/notifications", streamAuth, adminOnly)
		{
			adminStream.GET("/stream", s.handleStream(adminAudience))
			adminStream.GET("/ws", s.handleWebSocket(adminAudience))
		}

		// 従業員は自分宛ての通知だけを扱う
		employee := api.Group("/notifications", auth, employeeOrAdmin)
		{
			employee.GET("", s.handleList(employeeAudience))
			employee.POST("/delete-all", s.handleDeleteAll(employeeAudience))
			employee.DELETE("/:id", s.handleDelete(employeeAudience))
		}
		employeeStream := api.Group("/notifications", streamAuth, employeeOrAdmin)
		{
			employeeStream.GET("/stream", s.handleStream(employeeAudience))
			employeeStream.GET("/ws", s.handleWebSocket(employeeAudience))
		}

		// 通知の発行（内部API - 別プロセスの業務ワークフローから呼び出される）
		internal := api.Group("/internal", auth, middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin))
		{
			internal.POST("/publish", s.handlePublish())
		}
	}
}

func (s *Server) corsConfig() cors.Config {
	c := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = s.cfg.AllowedOrigins
		c.AllowCredentials = true
	}
	c.AddAllowHeaders("Authorization", middleware.HeaderRequestID)
	c.AddExposeHeaders(middleware.HeaderRequestID)
	return c
}

// checkOrigin はWebSocket接続元のオリジンをCORSと同じ設定で検証する。
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func adminAudience(*gin.Context) event.Audience {
	return event.Admin()
}

func employeeAudience(c *gin.Context) event.Audience {
	return event.Employee(middleware.GetUserID(c))
}

// handleHealth は稼働状況と接続中のストリーム数を返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		admins, employees := s.registry.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    "notification",
			"read_state": s.store.HasReadState(),
			"subscribers": gin.H{
				"admin":    admins,
				"employee": employees,
			},
		})
	}
}

// handleList は宛先の通知を新しい順に返すハンドラ。接続時の状態確定に使う。
func (s *Server) handleList(audienceOf func(*gin.Context) event.Audience) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := s.parseLimit(c)
		if !ok {
			return
		}

		list, err := s.store.List(c.Request.Context(), audienceOf(c), limit)
		if err != nil {
			writeError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// handleUnreadCount は管理者宛ての未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := s.store.CountUnread(c.Request.Context())
		if err != nil {
			writeError(c, err, "未読件数の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMark は管理者宛て通知1件の既読状態を変更するハンドラ。
func (s *Server) handleMark(read bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		var (
			n   event.Notification
			err error
		)
		if read {
			n, err = s.readState.MarkRead(c.Request.Context(), id)
		} else {
			n, err = s.readState.MarkUnread(c.Request.Context(), id)
		}
		if err != nil {
			writeError(c, err, "既読状態の更新に失敗しました")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// bulkRequest は一括操作リクエストのJSON構造。
type bulkRequest struct {
	// IDs は対象の通知ID。
	IDs []int64 `json:"ids" binding:"required"`
}

// handleMarkMany は管理者宛て通知の既読状態を一括で変更するハンドラ。
// 一部が失敗しても200で結果を返す。
func (s *Server) handleMarkMany(read bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		var result BulkResult
		if read {
			result = s.readState.MarkManyRead(c.Request.Context(), req.IDs)
		} else {
			result = s.readState.MarkManyUnread(c.Request.Context(), req.IDs)
		}
		for _, f := range result.Failed {
			if !isClientError(f.Err()) {
				log.Printf("[ReadState] 一括更新の一部に失敗: id=%d error=%v", f.ID, f.Err())
			}
		}
		c.JSON(http.StatusOK, result)
	}
}

// handleDelete は通知を1件削除するハンドラ。
func (s *Server) handleDelete(audienceOf func(*gin.Context) event.Audience) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		if err := s.readState.Delete(c.Request.Context(), audienceOf(c), id); err != nil {
			writeError(c, err, "通知の削除に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を削除しました"})
	}
}

// handleDeleteAll は宛先の通知を全て削除するハンドラ。
func (s *Server) handleDeleteAll(audienceOf func(*gin.Context) event.Audience) gin.HandlerFunc {
	return func(c *gin.Context) {
		deleted, err := s.readState.DeleteAll(c.Request.Context(), audienceOf(c))
		if err != nil {
			writeError(c, err, "通知の一括削除に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}

// handlePublish は別プロセスから受け取った業務イベントを通知として発行するハンドラ。
func (s *Server) handlePublish() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req event.Business
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		id, err := s.publisher.PublishEvent(c.Request.Context(), req)
		if err != nil {
			writeError(c, err, "通知の発行に失敗しました")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// parseLimit は limit クエリパラメータを読み取る。未指定なら既定値、上限を超えれば上限に丸める。
func (s *Server) parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return s.cfg.DefaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit は正の整数で指定してください"})
		return 0, false
	}
	return min(limit, s.cfg.MaxListLimit), true
}

// parseID はパスパラメータの通知IDを読み取る。
func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが不正です"})
		return 0, false
	}
	return id, true
}

func isClientError(err error) bool {
	return errors.Is(err, notificationdb.ErrNotFound) ||
		errors.Is(err, notificationdb.ErrReadStateUnavailable) ||
		errors.Is(err, event.ErrInvalidAudience) ||
		errors.Is(err, event.ErrEmptyMessage)
}

// writeError はエラーの種類に応じたステータスコードでエラーレスポンスを返す。
// 想定外のエラーはログに記録し、msg をクライアントに返す。
func writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, notificationdb.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
	case errors.Is(err, notificationdb.ErrReadStateUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "既読状態を管理できないスキーマです"})
	case errors.Is(err, event.ErrInvalidAudience), errors.Is(err, event.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
		log.Printf("%s: request_id=%s error=%v", msg, middleware.GetRequestID(c), err)
	}
}
