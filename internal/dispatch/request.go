package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/rescale/rest-dispatch/internal/constants"
)

// Attachment is a file sent as one multipart part.
type Attachment struct {
	// Name is both the form field name and the file name
	Name        string
	Data        []byte
	ContentType string
}

// Request is one API call. A Request must not be modified after Submit.
type Request struct {
	Method string
	// Path is the route below the versioned API root, e.g. /channels/123/messages
	Path  string
	Query url.Values

	// Body is encoded as JSON, or as payload_json when attachments are present
	Body any

	// RawBody is sent as-is with ContentType when Body is nil
	RawBody     []byte
	ContentType string

	Attachments []Attachment

	// Headers are sent first; dispatcher headers win on conflict
	Headers http.Header

	// Reason is sent URL-encoded in X-Audit-Log-Reason
	Reason string

	// SkipAuth omits the Authorization header, e.g. for webhook routes
	SkipAuth bool

	// Unversioned drops the /v{version} segment
	Unversioned bool

	// AuthPrefix replaces the default "Bot" scheme, e.g. "Bearer"
	AuthPrefix string
}

// preparedRequest is a Request resolved against the dispatcher settings.
// It can be sent any number of times.
type preparedRequest struct {
	method      string
	url         string
	header      http.Header
	body        []byte
	jsonBody    []byte // JSON payload, for sublimit detection and errors
	attachments []string
	// token is the dispatcher token sent in Authorization, empty when the
	// request carried none or the caller's own
	token string
}

func (p *preparedRequest) newHTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if p.body != nil {
		body = bytes.NewReader(p.body)
	}

	req, err := http.NewRequestWithContext(ctx, p.method, p.url, body)
	if err != nil {
		return nil, err
	}
	req.Header = p.header.Clone()
	return req, nil
}

// prepare resolves the URL, headers and body of req.
func (d *Dispatcher) prepare(req *Request) (*preparedRequest, error) {
	if req.Path == "" || !strings.HasPrefix(req.Path, "/") {
		return nil, fmt.Errorf("invalid request path %q: must start with /", req.Path)
	}

	p := &preparedRequest{
		method: strings.ToUpper(req.Method),
		url:    d.resolveURL(req),
		header: http.Header{},
	}
	if p.method == "" {
		p.method = http.MethodGet
	}
	// A malformed URL or method fails here instead of being retried
	if _, err := http.NewRequest(p.method, p.url, nil); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	for k, values := range req.Headers {
		for _, v := range values {
			p.header.Add(k, v)
		}
	}

	var additional http.Header
	var err error
	switch {
	case len(req.Attachments) > 0:
		additional, err = p.encodeMultipart(req)
	case req.Body != nil:
		p.jsonBody, err = json.Marshal(req.Body)
		p.body = p.jsonBody
		additional = http.Header{"Content-Type": {"application/json"}}
	case req.RawBody != nil:
		p.body = req.RawBody
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if strings.HasPrefix(contentType, "application/json") {
			p.jsonBody = req.RawBody
		}
		additional = http.Header{"Content-Type": {contentType}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	for k, values := range additional {
		p.header[k] = values
	}

	p.header.Set("User-Agent", d.userAgent)

	if !req.SkipAuth {
		token := d.Token()
		if token == "" {
			return nil, ErrMissingToken
		}
		prefix := req.AuthPrefix
		if prefix == "" {
			prefix = constants.DefaultAuthPrefix
		}
		p.header.Set("Authorization", prefix+" "+token)
		p.token = token
	}

	if req.Reason != "" {
		p.header.Set("X-Audit-Log-Reason", encodeURIComponent(req.Reason))
	}

	return p, nil
}

func (d *Dispatcher) resolveURL(req *Request) string {
	var b strings.Builder
	b.WriteString(d.opts.BaseURL)
	if !req.Unversioned {
		b.WriteString("/v")
		b.WriteString(d.opts.Version)
	}
	b.WriteString(req.Path)
	if len(req.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(req.Query.Encode())
	}
	return b.String()
}

func (p *preparedRequest) encodeMultipart(req *Request) (http.Header, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	for _, a := range req.Attachments {
		part := textproto.MIMEHeader{}
		part.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(a.Name), escapeQuotes(a.Name)))
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		part.Set("Content-Type", contentType)

		w, err := form.CreatePart(part)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(a.Data); err != nil {
			return nil, err
		}
		p.attachments = append(p.attachments, a.Name)
	}

	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		if err := form.WriteField("payload_json", string(payload)); err != nil {
			return nil, err
		}
		p.jsonBody = payload
	}

	if err := form.Close(); err != nil {
		return nil, err
	}
	p.body = buf.Bytes()
	return http.Header{"Content-Type": {form.FormDataContentType()}}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// encodeURIComponent escapes everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ).
func encodeURIComponent(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	for _, r := range []string{"!", "'", "(", ")", "*"} {
		escaped = strings.ReplaceAll(escaped, url.QueryEscape(r), r)
	}
	return escaped
}
