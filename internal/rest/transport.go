package rest

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// Request is a single API call. Body is encoded as JSON; when Files is set it
// becomes the payload_json part of a multipart body instead.
type Request struct {
	Method   string
	Endpoint string
	Query    url.Values
	Body     any
	Files    []File
	Reason   string

	// NoAuth omits the Authorization header, for token-bearing webhook calls.
	NoAuth bool
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Transport performs the HTTP call. It knows nothing about rate limits.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

type TransportConfig struct {
	APIBase   string
	Version   int
	Token     string
	UserAgent string
	Timeout   time.Duration
}

type TransportConfigOpt func(config *TransportConfig)

func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		APIBase:   DefaultAPIBase,
		Version:   DefaultAPIVersion,
		UserAgent: DefaultUserAgent,
		Timeout:   DefaultTimeout,
	}
}

func (c *TransportConfig) Apply(opts []TransportConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithAPIBase(base string) TransportConfigOpt {
	return func(config *TransportConfig) {
		config.APIBase = strings.TrimRight(base, "/")
	}
}

func WithAPIVersion(version int) TransportConfigOpt {
	return func(config *TransportConfig) {
		config.Version = version
	}
}

func WithToken(token string) TransportConfigOpt {
	return func(config *TransportConfig) {
		config.Token = token
	}
}

func WithUserAgent(userAgent string) TransportConfigOpt {
	return func(config *TransportConfig) {
		config.UserAgent = userAgent
	}
}

func WithTimeout(timeout time.Duration) TransportConfigOpt {
	return func(config *TransportConfig) {
		config.Timeout = timeout
	}
}

// HTTPTransport is the fasthttp backed Transport.
type HTTPTransport struct {
	client *fasthttp.Client
	config TransportConfig
	token  atomic.Value
}

func NewHTTPTransport(opts ...TransportConfigOpt) *HTTPTransport {
	config := DefaultTransportConfig()
	config.Apply(opts)

	t := &HTTPTransport{
		client: &fasthttp.Client{
			Name:                     config.UserAgent,
			MaxConnsPerHost:          1000,
			NoDefaultUserAgentHeader: true,
			ReadTimeout:              config.Timeout,
			WriteTimeout:             config.Timeout,
		},
		config: *config,
	}
	t.token.Store(config.Token)

	return t
}

// SetToken swaps the token used for subsequent requests.
func (t *HTTPTransport) SetToken(token string) {
	t.token.Store(token)
}

func (t *HTTPTransport) authorization() string {
	token, _ := t.token.Load().(string)
	if token == "" {
		return ""
	}

	if strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}

	return "Bot " + token
}

// URL builds the absolute address of an endpoint.
func (t *HTTPTransport) URL(endpoint string, query url.Values) string {
	u := t.config.APIBase + "/v" + strconv.Itoa(t.config.Version) + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (t *HTTPTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	request := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(request)

	response := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(response)

	request.Header.SetMethod(strings.ToUpper(r.Method))
	request.SetRequestURI(t.URL(r.Endpoint, r.Query))
	request.Header.Set("User-Agent", t.config.UserAgent)

	if auth := t.authorization(); auth != "" && !r.NoAuth {
		request.Header.Set("Authorization", auth)
	}

	if r.Reason != "" {
		request.Header.Set(headerAuditLog, url.PathEscape(r.Reason))
	}

	if err := encodeBody(request, r); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(t.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := t.client.DoDeadline(request, response, deadline); err != nil {
		return nil, fmt.Errorf("rest: %s %s: %w", r.Method, r.Endpoint, err)
	}

	header := http.Header{}
	response.Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})

	return &Response{
		StatusCode: response.StatusCode(),
		Header:     header,
		Body:       append([]byte(nil), response.Body()...),
	}, nil
}

func encodeBody(request *fasthttp.Request, r *Request) error {
	if len(r.Files) == 0 {
		if r.Body == nil {
			return nil
		}

		body, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("rest: encode body: %w", err)
		}

		request.Header.SetContentType("application/json")
		request.SetBody(body)
		return nil
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("rest: encode payload_json: %w", err)
		}

		part := textproto.MIMEHeader{}
		part.Set("Content-Disposition", `form-data; name="payload_json"`)
		part.Set("Content-Type", "application/json")

		w, err := writer.CreatePart(part)
		if err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	for i, file := range r.Files {
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		part := textproto.MIMEHeader{}
		part.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename="%s"`, i, quoteEscaper.Replace(file.Name)))
		part.Set("Content-Type", contentType)

		w, err := writer.CreatePart(part)
		if err != nil {
			return err
		}
		if _, err := w.Write(file.Data); err != nil {
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return err
	}

	request.Header.SetContentType(writer.FormDataContentType())
	request.SetBody(buf.Bytes())
	return nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
