package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// webhookPayload is the JSON body POSTed to the target URL. The "text" field
// mirrors Slack/Discord incoming-webhook conventions; "subject" and
// "timestamp" carry the rest of the Notify step's content.
type webhookPayload struct {
	Subject   string `json:"subject"`
	Body      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type webhookSender struct {
	client *http.Client
	secret string
}

func newWebhookSender(secret string) *webhookSender {
	return &webhookSender{client: &http.Client{Timeout: 10 * time.Second}, secret: secret}
}

// send POSTs the notification JSON to target. When a signing secret is
// configured the receiver can authenticate the body against the
// X-OrbitMesh-Signature header.
func (s *webhookSender) send(ctx context.Context, target, subject, body string) error {
	if target == "" {
		return ErrChannelNotConfigured
	}

	payload := webhookPayload{
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "OrbitMesh-Webhook/1.0")
	if s.secret != "" {
		req.Header.Set("X-OrbitMesh-Signature", s.sign(data))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %s", ErrSendFailed, err)
	}
	defer func() {
		// Drain so the transport can reuse the connection.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: receiver answered %d: %s", ErrSendFailed, resp.StatusCode, responseSnippet(resp.Body))
	}
	return nil
}

// sign computes the hex HMAC-SHA256 of body under the configured secret, in
// the "sha256=<hex>" form receivers expect to compare against.
func (s *webhookSender) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// responseSnippet reads a short, single-line excerpt of an error response so
// the receiver's complaint lands in the host log without dumping pages.
func responseSnippet(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 256))
	if err != nil || len(raw) == 0 {
		return "(no body)"
	}
	return strings.Join(strings.Fields(string(raw)), " ")
}
