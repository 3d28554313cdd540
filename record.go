package offload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// RequestRecord is the HTTP request as it travels from the
// front end to a worker. Everything but Body goes in the
// json meta frame; Body rides in its own trailing frame.
//
// Args and Kwargs are the front end's routing captures.
// The back end uses them as given and never re-resolves them.
type RequestRecord struct {
	Method    string              `json:"method"`
	URI       string              `json:"uri"`
	Version   string              `json:"version"`
	Headers   map[string]string   `json:"headers"`
	RemoteIP  string              `json:"remote_ip"`
	Protocol  string              `json:"protocol"`
	Host      string              `json:"host"`
	Files     map[string][]File   `json:"files"`
	Arguments map[string][]string `json:"arguments"`
	Args      []string            `json:"args"`
	Kwargs    map[string]string   `json:"kwargs"`

	Body []byte `json:"-"`
}

// File is one uploaded part of a multipart request.
type File struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// NewRequestRecord captures r for sending. The body is read
// (at most maxBody bytes; 0 means no limit) and put back on r
// so r stays usable. Duplicate headers are joined with ","
// since the record carries one value per name.
func NewRequestRecord(r *http.Request, args []string, kwargs map[string]string, maxBody int) (rec *RequestRecord, err error) {
	var body []byte
	if r.Body != nil {
		var rd io.Reader = r.Body
		if maxBody > 0 {
			rd = io.LimitReader(r.Body, int64(maxBody)+1)
		}
		body, err = io.ReadAll(rd)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if maxBody > 0 && len(body) > maxBody {
			return nil, fmt.Errorf("%w: request body is over %v bytes", ErrTooLarge, maxBody)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	headers := make(map[string]string, len(r.Header)+1)
	for k, vs := range r.Header {
		headers[k] = strings.Join(vs, ",")
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}
	protocol := "http"
	if r.TLS != nil {
		protocol = "https"
	}
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	if args == nil {
		args = []string{}
	}
	if kwargs == nil {
		kwargs = map[string]string{}
	}

	arguments := make(map[string][]string)
	for k, vs := range r.URL.Query() {
		arguments[k] = append(arguments[k], vs...)
	}
	files := make(map[string][]File)
	if err := parseBodyArguments(r.Header.Get("Content-Type"), body, arguments, files); err != nil {
		return nil, err
	}

	rec = &RequestRecord{
		Method:    r.Method,
		URI:       uri,
		Version:   r.Proto,
		Headers:   headers,
		RemoteIP:  remoteIP,
		Protocol:  protocol,
		Host:      r.Host,
		Files:     files,
		Arguments: arguments,
		Args:      args,
		Kwargs:    kwargs,
		Body:      body,
	}
	return
}

// parseBodyArguments adds urlencoded form fields and multipart
// fields to arguments, and multipart file parts to files.
func parseBodyArguments(contentType string, body []byte, arguments map[string][]string, files map[string][]File) error {
	if contentType == "" || len(body) == 0 {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// not ours to judge; the handler sees the raw body.
		return nil
	}
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return fmt.Errorf("bad urlencoded body: %w", err)
		}
		for k, vs := range vals {
			arguments[k] = append(arguments[k], vs...)
		}
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("bad multipart body: %w", err)
			}
			by, err := io.ReadAll(part)
			if err != nil {
				return fmt.Errorf("bad multipart part: %w", err)
			}
			name := part.FormName()
			if part.FileName() != "" {
				files[name] = append(files[name], File{
					Filename:    part.FileName(),
					ContentType: part.Header.Get("Content-Type"),
					Body:        by,
				})
			} else if name != "" {
				arguments[name] = append(arguments[name], string(by))
			}
		}
	}
	return nil
}

// HTTPRequest rebuilds the request on the back end. Form,
// PostForm and MultipartForm come pre-filled from Arguments
// so handlers do not parse the body a second time; uploaded
// files are on the back end Request (see RequestFromContext).
func (rec *RequestRecord) HTTPRequest(ctx context.Context) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, rec.Method, rec.URI, bytes.NewReader(rec.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot rebuild request '%v %v': %v", ErrMalformed, rec.Method, rec.URI, err)
	}
	r.RequestURI = rec.URI
	if major, minor, ok := http.ParseHTTPVersion(rec.Version); ok {
		r.Proto = rec.Version
		r.ProtoMajor = major
		r.ProtoMinor = minor
	}
	for k, v := range rec.Headers {
		if http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		r.Header.Set(k, v)
	}
	r.Host = rec.Host
	r.RemoteAddr = rec.RemoteIP
	if rec.Protocol != "" {
		r.URL.Scheme = rec.Protocol
		r.URL.Host = rec.Host
	}

	form := make(url.Values, len(rec.Arguments))
	for k, vs := range rec.Arguments {
		form[k] = append([]string(nil), vs...)
	}
	r.Form = form
	r.PostForm = form
	r.MultipartForm = &multipart.Form{
		Value: form,
		File:  map[string][]*multipart.FileHeader{},
	}
	return r, nil
}

// Path is the path part of the URI, which is what routing matches on.
func (rec *RequestRecord) Path() string {
	u, err := url.ParseRequestURI(rec.URI)
	if err != nil {
		if i := strings.IndexAny(rec.URI, "?#"); i >= 0 {
			return rec.URI[:i]
		}
		return rec.URI
	}
	return u.Path
}
