package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	gwerrors "github.com/wudi/dwebgate/internal/errors"
)

// RequestSnapshot is the read-only view of the inbound request a guest can
// query.
type RequestSnapshot struct {
	Method        string
	URL           string
	Header        http.Header
	Body          []byte
	ContentLength int64
}

// NewRequestSnapshot drains r's body, up to maxBody bytes when maxBody is
// positive. A larger body fails with KindRequestTooLarge.
func NewRequestSnapshot(r *http.Request, maxBody int64) (*RequestSnapshot, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		if maxBody > 0 && r.ContentLength > maxBody {
			return nil, gwerrors.Errorf(gwerrors.KindRequestTooLarge, "content length %d exceeds %d", r.ContentLength, maxBody)
		}
		src := io.Reader(r.Body)
		if maxBody > 0 {
			src = io.LimitReader(r.Body, maxBody+1)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(src); err != nil {
			return nil, gwerrors.Errorf(gwerrors.KindInternal, "read request body: %w", err)
		}
		if maxBody > 0 && int64(buf.Len()) > maxBody {
			return nil, gwerrors.Errorf(gwerrors.KindRequestTooLarge, "request body exceeds %d bytes", maxBody)
		}
		body = buf.Bytes()
	}

	uri := r.RequestURI
	if uri == "" && r.URL != nil {
		uri = r.URL.RequestURI()
	}

	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	// net/http lifts Host out of the header map.
	if r.Host != "" && header.Get("Host") == "" {
		header.Set("Host", r.Host)
	}

	return &RequestSnapshot{
		Method:        r.Method,
		URL:           uri,
		Header:        header,
		Body:          body,
		ContentLength: r.ContentLength,
	}, nil
}

// MethodTag maps the method onto the ABI tags. ok is false for methods
// outside GET, POST, PUT and DELETE, which report as GET.
func (s *RequestSnapshot) MethodTag() (tag int32, ok bool) {
	switch s.Method {
	case http.MethodGet, "":
		return MethodGet, true
	case http.MethodPost:
		return MethodPost, true
	case http.MethodPut:
		return MethodPut, true
	case http.MethodDelete:
		return MethodDelete, true
	default:
		return MethodGet, false
	}
}

// HeaderValue returns every value of the named header joined by ", ".
func (s *RequestSnapshot) HeaderValue(name string) string {
	return strings.Join(s.Header.Values(name), ", ")
}

// BodyLen is the declared length of the body, or the drained length when
// the transport declared none.
func (s *RequestSnapshot) BodyLen() int64 {
	if s.ContentLength >= 0 {
		return s.ContentLength
	}
	return int64(len(s.Body))
}

// ResponseAccumulator collects the response a guest builds.
type ResponseAccumulator struct {
	status int
	header http.Header
	body   []byte
}

// NewResponseAccumulator returns an accumulator with no status set.
func NewResponseAccumulator() *ResponseAccumulator {
	return &ResponseAccumulator{header: make(http.Header)}
}

// SetStatus records the status code.
func (a *ResponseAccumulator) SetStatus(code int) {
	a.status = code
}

// Status returns the status code and whether one was set.
func (a *ResponseAccumulator) Status() (int, bool) {
	return a.status, a.status != 0
}

// SetHeader overwrites the named header.
func (a *ResponseAccumulator) SetHeader(name, value string) {
	a.header.Set(name, value)
}

// Header returns the accumulated headers.
func (a *ResponseAccumulator) Header() http.Header {
	return a.header
}

// SetBody replaces the body. The accumulator keeps b.
func (a *ResponseAccumulator) SetBody(b []byte) {
	a.body = b
}

// Body returns the accumulated body.
func (a *ResponseAccumulator) Body() []byte {
	return a.body
}

// WriteTo finalizes the response onto w. A response without a status is
// malformed and nothing is written.
func (a *ResponseAccumulator) WriteTo(w http.ResponseWriter) error {
	status, ok := a.Status()
	if !ok {
		return gwerrors.E(gwerrors.KindResponseStatusUnset, fmt.Errorf("guest returned without setting a status"))
	}
	h := w.Header()
	for name, values := range a.header {
		h[name] = values
	}
	if !bodyAllowed(status) {
		w.WriteHeader(status)
		return nil
	}
	h.Set("Content-Length", strconv.Itoa(len(a.body)))
	w.WriteHeader(status)
	if len(a.body) > 0 {
		if _, err := w.Write(a.body); err != nil {
			return err
		}
	}
	return nil
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// Bridge is the per-invocation state a Dispatcher reads and mutates.
type Bridge struct {
	Request  *RequestSnapshot
	Response *ResponseAccumulator
}

// NewBridge pairs req with an empty response.
func NewBridge(req *RequestSnapshot) *Bridge {
	return &Bridge{Request: req, Response: NewResponseAccumulator()}
}
