package notifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nao1215/kenshu/pkg/event"
)

// publishPath は通知発行APIのパス。
const publishPath = "/api/v1/internal/publish"

// Client は通知サービスの内部APIを呼び出すHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は通知サービスのベースURL。
	baseURL string
	// token は service ロールのJWT。
	token string
}

// New は新しいクライアントを生成する。
// baseURLには通知サービスのベースURL（例: "http://notification:8086"）を指定する。
func New(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL: baseURL,
		token:   token,
	}
}

// publishResponse は通知発行APIのレスポンス。
type publishResponse struct {
	// ID は採番された通知ID。
	ID int64 `json:"id"`
}

// Publish は業務イベントを通知として発行し、採番された通知IDを返す。
func (c *Client) Publish(ctx context.Context, ev event.Business) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, fmt.Errorf("通知イベントが不正です: %w", err)
	}
	var resp publishResponse
	if err := c.postJSON(ctx, publishPath, ev, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// postJSON はJSON形式のPOSTリクエストを実行し、レスポンスをresultにデシリアライズする。
func (c *Client) postJSON(ctx context.Context, path string, body any, result any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	// コンテキストからリクエストIDを伝播する
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok && requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTPエラー: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// 業務処理のリクエストと通知の発行をログで突き合わせるために使う。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
