package notification

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nao1215/kenshu/pkg/event"
)

const (
	// sseHeartbeat はプロキシやブラウザに接続を切られないよう定期的に送るSSEのコメント行。
	sseHeartbeat = ": heartbeat\n\n"
	// writeWait はストリームへの1回の書き込みに許す時間。
	// 読まなくなったクライアントへの書き込みはこの時間で失敗し、購読が解除される。
	writeWait = 10 * time.Second
)

// errStreamClosed はレジストリ側から購読が終了させられたことを表す。
var errStreamClosed = errors.New("購読が終了しました")

// streamTransport はストリーム1本分の送信手段。SSEとWebSocketが実装する。
type streamTransport interface {
	// Send はメッセージを1件送信する。
	Send(msg event.Message) error
	// Heartbeat は接続維持のための信号を送信する。
	Heartbeat() error
}

// pump は購読者のメッセージを切断されるまで送信し続ける。
// 最初に connected を送る。書き込みに失敗した時点で終了し、呼び出し元が購読を解除する。
func pump(ctx context.Context, sub *Subscriber, tr streamTransport, heartbeat time.Duration) error {
	if err := tr.Send(event.Connected()); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return errStreamClosed
		case msg := <-sub.Messages():
			if err := tr.Send(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := tr.Heartbeat(); err != nil {
				return err
			}
		}
	}
}

// serveStream は購読者へのストリームを終了するまで送信し、終了後に購読を解除する。
func serveStream(ctx context.Context, registry *Registry, sub *Subscriber, tr streamTransport, heartbeat time.Duration) error {
	defer registry.Unsubscribe(sub)
	return pump(ctx, sub, tr, heartbeat)
}

// sseTransport はServer-Sent Eventsでメッセージを送る。
type sseTransport struct {
	w  io.Writer
	rc *http.ResponseController
}

func newSSETransport(w http.ResponseWriter) sseTransport {
	return sseTransport{w: w, rc: http.NewResponseController(w)}
}

// Send はメッセージをJSONの data フィールドとして書き込み、即座にフラッシュする。
func (t sseTransport) Send(msg event.Message) error {
	return t.write(func() error {
		return sse.Encode(t.w, sse.Event{Data: msg})
	})
}

// Heartbeat はSSEのコメント行を書き込む。クライアントには配信されない。
func (t sseTransport) Heartbeat() error {
	return t.write(func() error {
		_, err := io.WriteString(t.w, sseHeartbeat)
		return err
	})
}

// write は書き込み期限を設定してから書き込み、フラッシュする。
func (t sseTransport) write(fn func() error) error {
	if err := t.rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return t.rc.Flush()
}

// clearDeadline はストリーム終了後の接続に書き込み期限を残さないよう解除する。
func (t sseTransport) clearDeadline() {
	_ = t.rc.SetWriteDeadline(time.Time{})
}

// wsTransport はWebSocketのテキストフレームでメッセージを送る。
type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Send(msg event.Message) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteJSON(msg)
}

// Heartbeat はpingフレームを送る。
func (t wsTransport) Heartbeat() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleStream はSSEで通知を配信するハンドラ。
// audienceOf はリクエストから購読する宛先を決める。
func (s *Server) handleStream(audienceOf func(*gin.Context) event.Audience) gin.HandlerFunc {
	return func(c *gin.Context) {
		audience := audienceOf(c)
		sub, err := s.registry.Subscribe(audience)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ストリームを開始できません"})
			log.Printf("[Stream] 購読の登録に失敗: audience=%s error=%v", audience, err)
			return
		}

		h := c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		log.Printf("[Stream] SSE接続: audience=%s subscriber=%s", audience, sub.ID())
		tr := newSSETransport(c.Writer)
		defer tr.clearDeadline()
		err = serveStream(c.Request.Context(), s.registry, sub, tr, s.cfg.HeartbeatInterval)
		logStreamEnd("SSE", sub, err)
	}
}

// handleWebSocket はWebSocketで通知を配信するハンドラ。メッセージの形式はSSEと同じ。
func (s *Server) handleWebSocket(audienceOf func(*gin.Context) event.Audience) gin.HandlerFunc {
	return func(c *gin.Context) {
		audience := audienceOf(c)
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade が応答を書き込み済み
			log.Printf("[Stream] WebSocketへのアップグレードに失敗: audience=%s error=%v", audience, err)
			return
		}
		defer conn.Close()

		sub, err := s.registry.Subscribe(audience)
		if err != nil {
			log.Printf("[Stream] 購読の登録に失敗: audience=%s error=%v", audience, err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
				time.Now().Add(writeWait))
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		go s.readWebSocket(conn, cancel)

		log.Printf("[Stream] WebSocket接続: audience=%s subscriber=%s", audience, sub.ID())
		err = serveStream(ctx, s.registry, sub, wsTransport{conn: conn}, s.cfg.HeartbeatInterval)
		logStreamEnd("WebSocket", sub, err)
	}
}

// readWebSocket はクライアントからのフレームを読み捨て、切断を検知したら cancel を呼ぶ。
// pongが届くたびに読み込み期限を延長する。pingの後 writeWait 以内にpongが無ければ切断とみなす。
func (s *Server) readWebSocket(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	pongWait := s.cfg.HeartbeatInterval + writeWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func logStreamEnd(transport string, sub *Subscriber, err error) {
	if err != nil && !errors.Is(err, errStreamClosed) {
		log.Printf("[Stream] %s切断: audience=%s subscriber=%s error=%v", transport, sub.Audience(), sub.ID(), err)
		return
	}
	log.Printf("[Stream] %s切断: audience=%s subscriber=%s", transport, sub.Audience(), sub.ID())
}
