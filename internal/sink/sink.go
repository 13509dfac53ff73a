package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"
)

// Notification kinds. Sinks subscribe to them by name in the config.
const (
	KindEqubStarted     = "equb_started"
	KindMemberJoined    = "member_joined"
	KindContribution    = "contribution"
	KindWinnerSelected  = "winner_selected"
	KindEqubImported    = "equb_imported"
	KindReconcileError  = "reconcile_error"
	KindReorgDetected   = "reorg_detected"
	KindSubmissionError = "submission_error"
)

var knownKinds = map[string]struct{}{
	KindEqubStarted:     {},
	KindMemberJoined:    {},
	KindContribution:    {},
	KindWinnerSelected:  {},
	KindEqubImported:    {},
	KindReconcileError:  {},
	KindReorgDetected:   {},
	KindSubmissionError: {},
}

// KnownKind reports whether kind names a notification the reconciler can emit.
func KnownKind(kind string) bool {
	_, ok := knownKinds[kind]
	return ok
}

// Notification is the data passed to sinks. Amount is the canonical integer string in
// smallest units; it is never rendered as a JSON number.
type Notification struct {
	Kind    string    `json:"kind"`
	ChainID string    `json:"chain_id"`
	EqubID  string    `json:"equb_id,omitempty"`
	Account string    `json:"account,omitempty"`
	Amount  string    `json:"amount,omitempty"`
	Round   uint64    `json:"round,omitempty"`
	TxHash  string    `json:"tx_hash,omitempty"`
	Block   uint64    `json:"block,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
	// structured adds the full notification next to the rendered text.
	structured bool
}

// NewWebhookSender builds a generic HTTP sink. The body carries the rendered text and the
// notification itself under "notification".
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	s, err := newHTTPSender(url, method, tmpl, headers)
	if err != nil {
		return nil, err
	}
	s.structured = true
	return s, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return newHTTPSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return newHTTPSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func newHTTPSender(url, method, tmpl string, headers map[string]string) (*httpSender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	if headers == nil {
		headers = map[string]string{"Content-Type": "application/json"}
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

func (s *httpSender) Send(ctx context.Context, n Notification) error {
	text, err := executeTemplate(s.render, n)
	if err != nil {
		return err
	}
	body := map[string]any{"text": text}
	if s.structured {
		body["notification"] = n
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

const defaultTemplate = `[{{.ChainID}}] {{.Kind}}{{if .EqubID}} equb {{.EqubID}}{{end}}` +
	`{{if .Account}} {{short_addr .Account}}{{end}}{{if .Round}} round {{.Round}}{{end}}` +
	`{{if .Amount}} amount {{.Amount}}{{end}}{{if .TxHash}} tx {{short_addr .TxHash}}{{end}}` +
	`{{if .Error}}: {{.Error}}{{end}}`

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	t, err := template.New("msg").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
