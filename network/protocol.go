package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

const (
	// MaxHeaderSize bounds the start line plus headers of one message.
	MaxHeaderSize = 16 * 1024
	// MaxBodySize bounds one message body (10 MB, enough for an inline image).
	MaxBodySize = 10 * 1024 * 1024

	protocolVersion = "HTTP/1.1"
	readChunkSize   = 4096
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

var (
	// ErrBadRequest indicates a malformed start line, header, or length.
	ErrBadRequest = errors.New("network: malformed message")
	// ErrTruncated indicates the stream ended before framing completed.
	ErrTruncated = errors.New("network: message truncated")
	// ErrFrameTooLarge indicates headers or body exceed their limits.
	ErrFrameTooLarge = errors.New("network: message exceeds max size")
)

var statusText = map[int]string{
	200: "OK",
	201: "Created",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	429: "Too Many Requests",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

// Header holds message headers keyed by lower-cased name.
type Header map[string]string

// Get returns the value for name, ignoring case.
func (h Header) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Set stores value under name, ignoring case.
func (h Header) Set(name, value string) {
	h[strings.ToLower(name)] = value
}

// Request is one parsed request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header Header
	Body   []byte
}

// Response is one parsed or outgoing response.
type Response struct {
	StatusCode  int
	ContentType string
	Header      Header
	Body        []byte
}

// TextResponse builds a plain-text response.
func TextResponse(status int, text string) *Response {
	return &Response{StatusCode: status, ContentType: ContentTypeText, Body: []byte(text)}
}

// JSONResponse builds a JSON response, falling back to 500 if value cannot be encoded.
func JSONResponse(status int, value any) *Response {
	body, err := json.Marshal(value)
	if err != nil {
		return TextResponse(500, "encode response: "+err.Error())
	}
	return &Response{StatusCode: status, ContentType: ContentTypeJSON, Body: body}
}

// DecodeJSON unmarshals a response body.
func (r *Response) DecodeJSON(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode %d response body: %w", r.StatusCode, err)
	}
	return nil
}

// parser is the buffering state machine shared by requests and responses.
// It never assumes one read equals one message.
type parser struct {
	buf []byte

	headersDone   bool
	bodyStart     int
	contentLength int // -1 when the header is absent
	bodyToEOF     bool

	startLine string
	header    Header

	done bool
	body []byte
}

func newParser(bodyToEOF bool) parser {
	return parser{contentLength: -1, bodyToEOF: bodyToEOF}
}

func (p *parser) feed(chunk []byte) (bool, error) {
	if p.done {
		return true, nil
	}
	p.buf = append(p.buf, chunk...)

	if !p.headersDone {
		end, sepLen := headerTerminator(p.buf)
		if end < 0 {
			if len(p.buf) > MaxHeaderSize {
				return false, ErrFrameTooLarge
			}
			return false, nil
		}
		if end > MaxHeaderSize {
			return false, ErrFrameTooLarge
		}
		if err := p.parseHead(p.buf[:end]); err != nil {
			return false, err
		}
		p.headersDone = true
		p.bodyStart = end + sepLen
	}

	if p.contentLength < 0 {
		if p.bodyToEOF {
			if len(p.buf)-p.bodyStart > MaxBodySize {
				return false, ErrFrameTooLarge
			}
			return false, nil
		}
		p.complete(p.bodyStart)
		return true, nil
	}

	if len(p.buf)-p.bodyStart >= p.contentLength {
		p.complete(p.bodyStart + p.contentLength)
		return true, nil
	}
	return false, nil
}

// finish is called at end of stream.
func (p *parser) finish() error {
	if p.done {
		return nil
	}
	if p.headersDone && p.contentLength < 0 && p.bodyToEOF {
		p.complete(len(p.buf))
		return nil
	}
	return ErrTruncated
}

func (p *parser) complete(bodyEnd int) {
	p.body = append([]byte(nil), p.buf[p.bodyStart:bodyEnd]...)
	p.buf = nil
	p.done = true
}

func (p *parser) parseHead(head []byte) error {
	lines := strings.Split(string(head), "\n")
	p.startLine = strings.TrimRight(lines[0], "\r")
	p.header = make(Header, len(lines)-1)

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("%w: header line %q", ErrBadRequest, line)
		}
		p.header.Set(name, strings.TrimSpace(value))
	}

	if raw, ok := p.header["content-length"]; ok {
		length, err := strconv.Atoi(raw)
		if err != nil || length < 0 {
			return fmt.Errorf("%w: content-length %q", ErrBadRequest, raw)
		}
		if length > MaxBodySize {
			return ErrFrameTooLarge
		}
		p.contentLength = length
	}
	return nil
}

// headerTerminator finds the earliest blank line, accepting CRLF or bare LF.
func headerTerminator(buf []byte) (int, int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// RequestParser frames a request from arbitrarily sized chunks.
type RequestParser struct {
	p       parser
	request *Request
}

// NewRequestParser returns a parser ready for the first chunk.
func NewRequestParser() *RequestParser {
	return &RequestParser{p: newParser(false)}
}

// Feed appends chunk and reports whether a complete request is available.
// Without Content-Length the request completes at the blank line.
func (rp *RequestParser) Feed(chunk []byte) (bool, error) {
	done, err := rp.p.feed(chunk)
	if err != nil || !done || rp.request != nil {
		return done, err
	}

	req, err := parseRequestLine(rp.p.startLine)
	if err != nil {
		return false, err
	}
	req.Header = rp.p.header
	req.Body = rp.p.body
	rp.request = req
	return true, nil
}

// Finish reports ErrTruncated if the stream ended mid-request.
func (rp *RequestParser) Finish() error {
	return rp.p.finish()
}

// Request returns the parsed request once Feed has reported completion.
func (rp *RequestParser) Request() *Request {
	return rp.request
}

func parseRequestLine(line string) (*Request, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%w: start line %q", ErrBadRequest, line)
	}
	if !isMethodToken(fields[0]) {
		return nil, fmt.Errorf("%w: method %q", ErrBadRequest, fields[0])
	}
	if len(fields) == 3 && !strings.HasPrefix(fields[2], "HTTP/") {
		return nil, fmt.Errorf("%w: version %q", ErrBadRequest, fields[2])
	}

	target, err := url.ParseRequestURI(fields[1])
	if err != nil || !strings.HasPrefix(target.Path, "/") {
		return nil, fmt.Errorf("%w: target %q", ErrBadRequest, fields[1])
	}

	return &Request{
		Method: fields[0],
		Path:   target.Path,
		Query:  target.Query(),
	}, nil
}

func isMethodToken(method string) bool {
	if method == "" {
		return false
	}
	for _, r := range method {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ResponseParser frames a response. Without Content-Length the body runs to EOF.
type ResponseParser struct {
	p        parser
	response *Response
}

// NewResponseParser returns a parser ready for the first chunk.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{p: newParser(true)}
}

// Feed appends chunk and reports whether a complete response is available.
func (rp *ResponseParser) Feed(chunk []byte) (bool, error) {
	done, err := rp.p.feed(chunk)
	if err != nil || !done {
		return done, err
	}
	return true, rp.build()
}

// Finish completes a to-EOF body or reports ErrTruncated.
func (rp *ResponseParser) Finish() error {
	if err := rp.p.finish(); err != nil {
		return err
	}
	return rp.build()
}

// Response returns the parsed response once complete.
func (rp *ResponseParser) Response() *Response {
	return rp.response
}

func (rp *ResponseParser) build() error {
	if rp.response != nil {
		return nil
	}
	fields := strings.Fields(rp.p.startLine)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return fmt.Errorf("%w: status line %q", ErrBadRequest, rp.p.startLine)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return fmt.Errorf("%w: status code %q", ErrBadRequest, fields[1])
	}
	rp.response = &Response{
		StatusCode:  code,
		ContentType: rp.p.header.Get("Content-Type"),
		Header:      rp.p.header,
		Body:        rp.p.body,
	}
	return nil
}

// ReadRequest reads from r until one request is framed.
func ReadRequest(r io.Reader) (*Request, error) {
	rp := NewRequestParser()
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			done, feedErr := rp.Feed(chunk[:n])
			if feedErr != nil {
				return nil, feedErr
			}
			if done {
				return rp.Request(), nil
			}
		}
		if errors.Is(err, io.EOF) {
			if finishErr := rp.Finish(); finishErr != nil {
				return nil, finishErr
			}
			return rp.Request(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
	}
}

// ReadResponse reads from r until one response is framed.
func ReadResponse(r io.Reader) (*Response, error) {
	rp := NewResponseParser()
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			done, feedErr := rp.Feed(chunk[:n])
			if feedErr != nil {
				return nil, feedErr
			}
			if done {
				return rp.Response(), nil
			}
		}
		if errors.Is(err, io.EOF) {
			if finishErr := rp.Finish(); finishErr != nil {
				return nil, finishErr
			}
			return rp.Response(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
	}
}

// WriteRequest serializes req. host may be empty.
func WriteRequest(w io.Writer, host string, req *Request) error {
	target := (&url.URL{Path: req.Path, RawQuery: req.Query.Encode()}).RequestURI()

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, target, protocolVersion)
	if host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", host)
	}
	if len(req.Body) > 0 {
		contentType := req.Header.Get("Content-Type")
		if contentType == "" {
			contentType = ContentTypeJSON
		}
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(req.Body)

	if _, err := w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// WriteResponse serializes resp. Every response advertises Connection: close.
func WriteResponse(w io.Writer, resp *Response) error {
	if len(resp.Body) > MaxBodySize {
		return ErrFrameTooLarge
	}
	text := statusText[resp.StatusCode]
	if text == "" {
		text = "Status"
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = ContentTypeText
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d %s\r\n", protocolVersion, resp.StatusCode, text)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(resp.Body))
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(resp.Body)

	if _, err := w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
