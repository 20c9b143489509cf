package middleware

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// redacted はアクセスログでトークンの代わりに出力する値。
const redacted = "REDACTED"

// Logger はアクセスログを出力するGinミドルウェアを返す。
// access_token クエリパラメータの値はログに残さない。
func Logger() gin.HandlerFunc {
	return loggerTo(gin.DefaultWriter)
}

func loggerTo(out io.Writer) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: logFormatter,
		Output:    out,
	})
}

// logFormatter はGin標準と同じ形式でアクセスログの1行を組み立てる。
func logFormatter(param gin.LogFormatterParams) string {
	return fmt.Sprintf("[GIN] %v | %3d | %13v | %15s | %-7s %#v\n%s",
		param.TimeStamp.Format("2006/01/02 - 15:04:05"),
		param.StatusCode,
		param.Latency,
		param.ClientIP,
		param.Method,
		redactPath(param.Path),
		param.ErrorMessage,
	)
}

// redactPath はクエリ文字列中の access_token の値を伏せる。
func redactPath(path string) string {
	base, rawQuery, found := strings.Cut(path, "?")
	if !found || !strings.Contains(rawQuery, queryKeyToken) {
		return path
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		// 解釈できないクエリはトークンを含み得るため丸ごと伏せる
		return base + "?" + redacted
	}
	if _, ok := query[queryKeyToken]; !ok {
		return path
	}
	query.Set(queryKeyToken, redacted)
	return base + "?" + query.Encode()
}
