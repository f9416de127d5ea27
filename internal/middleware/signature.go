// Package middleware содержит HTTP middleware сервиса журнала начислений.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// SignatureHeader содержит HMAC-SHA256 тела запроса в шестнадцатеричном виде.
const SignatureHeader = "X-Signature"

const maxSignedBody = 1 << 20

// CallbackSignature проверяет подпись обратных вызовов платёжной системы.
type CallbackSignature struct {
	secretKey []byte
}

// NewCallbackSignature создаёт проверку подписи. С пустым секретом проверка отключена.
func NewCallbackSignature(secret string) *CallbackSignature {
	return &CallbackSignature{secretKey: []byte(secret)}
}

// Enabled сообщает, задан ли секрет.
func (c *CallbackSignature) Enabled() bool {
	return len(c.secretKey) > 0
}

// Sign возвращает подпись тела body.
func (c *CallbackSignature) Sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secretKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware отклоняет запросы с отсутствующей или неверной подписью кодом 401.
func (c *CallbackSignature) Middleware(next http.Handler) http.Handler {
	if !c.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		if !hmac.Equal([]byte(signature), []byte(c.Sign(body))) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
