package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rendis/botflow/pkg/schema"
)

// Auth schemes a Service can use.
const (
	AuthBearer = "bearer" // Authorization: Bearer <token> (Slack, Notion)
	AuthToken  = "token"  // Authorization: Token <token>
	AuthHeader = "header" // <Header>: <token> (N8N's X-N8N-API-KEY)
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

// Service is a REST API the bots call, configured once so steps refer to
// it by name instead of carrying base URLs and credentials.
type Service struct {
	BaseURL  string            `mapstructure:"base_url"`
	Auth     string            `mapstructure:"auth"`
	Token    string            `mapstructure:"token"`
	TokenEnv string            `mapstructure:"token_env"`
	Header   string            `mapstructure:"header"`
	Headers  map[string]string `mapstructure:"headers"`
}

func (s Service) token() string {
	if s.TokenEnv != "" {
		if v := os.Getenv(s.TokenEnv); v != "" {
			return v
		}
	}
	return s.Token
}

// HTTPConfig configures the http.* actions.
type HTTPConfig struct {
	Timeout         time.Duration
	MaxResponseBody int64
	Services        map[string]Service
	Client          *http.Client // optional; tests inject one
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultHTTPTimeout
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c
}

const httpInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "service": {"type": "string"},
    "path": {"type": "string"},
    "url": {"type": "string"},
    "query": {"type": "object"},
    "headers": {"type": "object"},
    "body": {},
    "token": {"type": "string"},
    "timeout": {"type": "string"},
    "allow_error_status": {"type": "boolean"}
  }
}`

// HTTPAction calls a bot's REST API. A step names either a configured
// service plus a path or a full url. JSON responses are decoded so later
// steps can read fields of step_<id>_result.body.
type HTTPAction struct {
	name   string
	method string // forced method; empty reads the "method" param
	desc   string
	cfg    HTTPConfig
}

// NewHTTPRequestAction creates http.request, which takes the method from
// its parameters (GET by default).
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPAction {
	return &HTTPAction{
		name: "http.request",
		desc: "Call a REST API by service and path or by url",
		cfg:  cfg.withDefaults(),
	}
}

// NewHTTPGetAction creates http.get.
func NewHTTPGetAction(cfg HTTPConfig) *HTTPAction {
	return &HTTPAction{
		name:   "http.get",
		method: http.MethodGet,
		desc:   "GET from a REST API by service and path or by url",
		cfg:    cfg.withDefaults(),
	}
}

// NewHTTPPostAction creates http.post.
func NewHTTPPostAction(cfg HTTPConfig) *HTTPAction {
	return &HTTPAction{
		name:   "http.post",
		method: http.MethodPost,
		desc:   "POST a JSON body to a REST API by service and path or by url",
		cfg:    cfg.withDefaults(),
	}
}

func (a *HTTPAction) Name() string { return a.name }

func (a *HTTPAction) Schema() ActionSchema {
	return ActionSchema{Description: a.desc, InputSchema: json.RawMessage(httpInputSchema)}
}

func (a *HTTPAction) Validate(params map[string]any) error {
	_, _, err := a.target(params)
	return err
}

// target resolves the request url and the service it belongs to, if any.
func (a *HTTPAction) target(params map[string]any) (string, *Service, error) {
	if name := stringParam(params, "service", ""); name != "" {
		svc, ok := a.cfg.Services[name]
		if !ok {
			return "", nil, schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("%s: unknown service %q", a.name, name))
		}
		base := strings.TrimRight(svc.BaseURL, "/")
		path := stringParam(params, "path", "")
		if path != "" && !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		u, err := checkURL(a.name, base+path)
		return u, &svc, err
	}
	raw := stringParam(params, "url", "")
	if raw == "" {
		return "", nil, schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("%s: needs a service or a url", a.name))
	}
	u, err := checkURL(a.name, raw)
	return u, nil, err
}

func checkURL(action, raw string) (string, error) {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("%s: invalid url %q", action, raw))
	}
	return raw, nil
}

func (a *HTTPAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	target, svc, err := a.target(params)
	if err != nil {
		return nil, err
	}

	method := a.method
	if method == "" {
		method = strings.ToUpper(stringParam(params, "method", http.MethodGet))
	}

	if q := stringMapParam(params, "query"); len(q) > 0 {
		u, _ := url.Parse(target)
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, v)
		}
		u.RawQuery = vals.Encode()
		target = u.String()
	}

	var body io.Reader
	contentType := ""
	switch b := params["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, a.name+": body is not JSON encodable").WithCause(err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json; charset=utf-8"
	}

	timeout := a.cfg.Timeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("%s: invalid timeout %q", a.name, ts))
		}
		timeout = d
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, a.name+": build request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	authorize(req, svc, stringParam(params, "token", ""))
	for k, v := range stringMapParam(params, "headers") {
		req.Header.Set(k, v)
	}

	resp, err := a.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s %s %s: %v", a.name, method, target, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, a.name+": read response").WithCause(err)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         decodeBody(raw),
	}
	if boolParam(params, "allow_error_status", false) {
		return &ActionOutput{Data: result}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s %s: status %d", method, target, resp.StatusCode).
			WithDetails(result)
	}
	// Slack answers 200 with {"ok": false, "error": "..."} on API errors.
	if m, ok := result["body"].(map[string]any); ok {
		if okVal, present := m["ok"].(bool); present && !okVal {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s %s: api error: %v", method, target, m["error"]).
				WithDetails(result)
		}
	}
	return &ActionOutput{Data: result}, nil
}

// authorize applies the service's credentials. An explicit step token
// replaces the service token but keeps its scheme; without a service it is
// sent as a bearer token.
func authorize(req *http.Request, svc *Service, stepToken string) {
	scheme, token := AuthBearer, stepToken
	if svc != nil {
		for k, v := range svc.Headers {
			req.Header.Set(k, v)
		}
		if svc.Auth != "" {
			scheme = svc.Auth
		}
		if token == "" {
			token = svc.token()
		}
	}
	if token == "" {
		return
	}
	switch scheme {
	case AuthToken:
		req.Header.Set("Authorization", "Token "+token)
	case AuthHeader:
		if svc != nil && svc.Header != "" {
			req.Header.Set(svc.Header, token)
		}
	default:
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// decodeBody returns JSON bodies decoded and anything else as text.
// An empty body is nil.
func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

// ValidateServices checks the configured services before any step runs.
func ValidateServices(services map[string]Service) error {
	for _, name := range slices.Sorted(maps.Keys(services)) {
		svc := services[name]
		if _, err := checkURL("service "+name, svc.BaseURL); err != nil {
			return err
		}
		switch svc.Auth {
		case "", AuthBearer, AuthToken:
		case AuthHeader:
			if svc.Header == "" {
				return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("service %s: auth header needs a header name", name))
			}
		default:
			return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("service %s: unknown auth %q", name, svc.Auth))
		}
	}
	return nil
}
