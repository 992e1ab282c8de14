package idcookie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cookie value keys.
const (
	keyVersion           = "version"
	keyWorkerID          = "workerId"
	keyWorkerType        = "workerType"
	keyBatchID           = "batchId"
	keyStudyID           = "studyId"
	keyStudyResultID     = "studyResultId"
	keyGroupResultID     = "groupResultId"
	keyComponentID       = "componentId"
	keyComponentResultID = "componentResultId"
	keyComponentPosition = "componentPosition"
	keyStudyAssets       = "studyAssets"
	keyURLBasePath       = "urlBasePath"
	keyRunKind           = "runKind"
	keyCreationTime      = "creationTime"
)

const (
	pairSep  = "&"
	valueSep = "="
	nullText = "null"
)

// DefaultMaxAge is the lifetime of an ID cookie in the browser.
const DefaultMaxAge = 10000 * 24 * time.Hour

// Encode renders m as a cookie value. Field order is fixed so that encoding
// is deterministic; Decode(m.Name, Encode(m)) returns m.
func Encode(m Model) string {
	pairs := []struct {
		key, value string
	}{
		{keyVersion, strconv.Itoa(CodecVersion)},
		{keyWorkerID, formatID(m.WorkerID)},
		{keyWorkerType, m.WorkerType},
		{keyBatchID, formatID(m.BatchID)},
		{keyStudyID, formatID(m.StudyID)},
		{keyStudyResultID, formatID(m.StudyResultID)},
		{keyGroupResultID, formatOptional(m.GroupResultID)},
		{keyComponentID, formatOptional(m.ComponentID)},
		{keyComponentResultID, formatOptional(m.ComponentResultID)},
		{keyComponentPosition, formatOptional(int64(m.ComponentPosition))},
		{keyStudyAssets, m.StudyAssets},
		{keyURLBasePath, m.URLBasePath},
		{keyRunKind, string(m.RunKind)},
		{keyCreationTime, formatID(m.CreationTime)},
	}
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(pairSep)
		}
		b.WriteString(p.key)
		b.WriteString(valueSep)
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// Decode parses a cookie's name and value into a Model. Every failure wraps
// ErrMalformed.
func Decode(name, value string) (Model, error) {
	index, err := indexFromName(name)
	if err != nil {
		return Model{}, err
	}
	fields, err := splitPairs(value)
	if err != nil {
		return Model{}, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	d := decoder{name: name, fields: fields}

	if v, ok := fields[keyVersion]; ok && v != strconv.Itoa(CodecVersion) {
		return Model{}, fmt.Errorf("%w: %s: unsupported version %q", ErrMalformed, name, v)
	}

	m := Model{
		Index:             index,
		Name:              name,
		WorkerID:          d.requiredInt(keyWorkerID),
		WorkerType:        d.requiredString(keyWorkerType),
		BatchID:           d.requiredInt(keyBatchID),
		StudyID:           d.requiredInt(keyStudyID),
		StudyResultID:     d.requiredInt(keyStudyResultID),
		GroupResultID:     d.optionalInt(keyGroupResultID),
		ComponentID:       d.optionalInt(keyComponentID),
		ComponentResultID: d.optionalInt(keyComponentResultID),
		ComponentPosition: int(d.optionalInt(keyComponentPosition)),
		StudyAssets:       d.requiredString(keyStudyAssets),
		URLBasePath:       d.requiredString(keyURLBasePath),
		RunKind:           d.runKind(),
		CreationTime:      d.requiredInt(keyCreationTime),
	}
	if d.err != nil {
		return Model{}, d.err
	}
	return m, nil
}

// Metrics receives codec events.
type Metrics interface {
	MalformedCookie()
}

type nopMetrics struct{}

func (nopMetrics) MalformedCookie() {}

// Codec converts between HTTP cookies and Collections.
type Codec struct {
	// Path is the cookie path, normally the server's URL base path.
	Path string

	// MaxAge is the browser lifetime of written cookies.
	MaxAge time.Duration

	logger  *slog.Logger
	metrics Metrics
}

// NewCodec returns a codec writing cookies under path. A nil logger uses
// slog.Default; nil metrics are discarded.
func NewCodec(path string, logger *slog.Logger, metrics Metrics) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if path == "" {
		path = "/"
	}
	return &Codec{Path: path, MaxAge: DefaultMaxAge, logger: logger, metrics: metrics}
}

// Parse builds a Collection from the request's cookies. Malformed cookies are
// logged and skipped. A second valid cookie for the same study result is a
// server-side fault: the first one is kept and ErrAlreadyExists is returned
// together with the collection.
func (c *Codec) Parse(cookies []*http.Cookie) (*Collection, error) {
	coll := NewCollection()
	var dupErr error
	for _, ck := range cookies {
		if !hasPrefix(ck.Name) {
			continue
		}
		m, err := Decode(ck.Name, ck.Value)
		if err != nil {
			c.metrics.MalformedCookie()
			c.logger.Warn("dropped malformed ID cookie", "cookie", ck.Name, "error", err)
			continue
		}
		if err := coll.Add(m); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				if dupErr == nil {
					dupErr = err
				}
				c.logger.Error("duplicate ID cookie", "cookie", ck.Name, "studyResultId", m.StudyResultID)
				continue
			}
			c.metrics.MalformedCookie()
			c.logger.Warn("dropped ID cookie with taken index", "cookie", ck.Name, "error", err)
		}
	}
	return coll, dupErr
}

// Cookies renders the collection as response cookies: one per model plus an
// expiring cookie for every discarded name.
func (c *Codec) Cookies(coll *Collection) []*http.Cookie {
	all := coll.All()
	out := make([]*http.Cookie, 0, len(all)+len(coll.discarded))
	for _, m := range all {
		out = append(out, &http.Cookie{
			Name:     m.Name,
			Value:    Encode(m),
			Path:     c.Path,
			MaxAge:   int(c.MaxAge / time.Second),
			SameSite: http.SameSiteLaxMode,
		})
	}
	for _, name := range coll.discarded {
		out = append(out, &http.Cookie{
			Name:   name,
			Value:  "",
			Path:   c.Path,
			MaxAge: -1,
		})
	}
	return out
}

// Write adds the collection's cookies to the response headers.
func (c *Codec) Write(w http.ResponseWriter, coll *Collection) {
	for _, ck := range c.Cookies(coll) {
		http.SetCookie(w, ck)
	}
}

type ctxKey struct{}

// WithCollection returns a context carrying coll.
func WithCollection(ctx context.Context, coll *Collection) context.Context {
	return context.WithValue(ctx, ctxKey{}, coll)
}

// FromContext returns the collection stored by Middleware.
func FromContext(ctx context.Context) (*Collection, bool) {
	coll, ok := ctx.Value(ctxKey{}).(*Collection)
	return coll, ok
}

// Middleware parses the ID cookies of every request into a Collection stored
// in the request context and writes the (possibly modified) collection back
// into the response before the first byte of the body is sent.
func (c *Codec) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coll, err := c.Parse(r.Cookies())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cw := &cookieWriter{ResponseWriter: w, write: func() { c.Write(w, coll) }}
		next.ServeHTTP(cw, r.WithContext(WithCollection(r.Context(), coll)))
		cw.flush()
	})
}

// cookieWriter defers Set-Cookie headers until the handler commits the
// response.
type cookieWriter struct {
	http.ResponseWriter
	write func()
	once  sync.Once
}

func (w *cookieWriter) flush() {
	w.once.Do(w.write)
}

func (w *cookieWriter) WriteHeader(code int) {
	w.flush()
	w.ResponseWriter.WriteHeader(code)
}

func (w *cookieWriter) Write(b []byte) (int, error) {
	w.flush()
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *cookieWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func hasPrefix(name string) bool {
	return len(name) >= len(Prefix) && strings.EqualFold(name[:len(Prefix)], Prefix)
}

func indexFromName(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty cookie name", ErrMalformed)
	}
	last := name[len(name)-1]
	if last < '0' || last > '9' {
		return 0, fmt.Errorf("%w: %s: no index in cookie name", ErrMalformed, name)
	}
	return int(last - '0'), nil
}

func splitPairs(value string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, pair := range strings.Split(value, pairSep) {
		parts := strings.Split(pair, valueSep)
		var key, raw string
		switch len(parts) {
		case 1:
			key = parts[0]
		case 2:
			key, raw = parts[0], parts[1]
		default:
			return nil, fmt.Errorf("pair %q has %d separators", pair, len(parts)-1)
		}
		if key == "" {
			return nil, fmt.Errorf("empty key in pair %q", pair)
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		v, err := url.QueryUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %v", key, err)
		}
		fields[key] = v
	}
	return fields, nil
}

// decoder accumulates the first field error.
type decoder struct {
	name   string
	fields map[string]string
	err    error
}

func (d *decoder) fail(key string, reason string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s: field %s %s", ErrMalformed, d.name, key, reason)
	}
}

func (d *decoder) requiredInt(key string) int64 {
	v, ok := d.fields[key]
	if !ok {
		d.fail(key, "missing")
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		d.fail(key, "not a number")
		return 0
	}
	return n
}

func (d *decoder) optionalInt(key string) int64 {
	v, ok := d.fields[key]
	if !ok || v == "" || v == nullText {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		d.fail(key, "not a number")
		return 0
	}
	return n
}

func (d *decoder) requiredString(key string) string {
	v := d.fields[key]
	if strings.TrimSpace(v) == "" {
		d.fail(key, "empty")
	}
	return v
}

func (d *decoder) runKind() RunKind {
	k := RunKind(d.fields[keyRunKind])
	if !k.Valid() {
		return RunNone
	}
	return k
}

func formatID(n int64) string {
	return strconv.FormatInt(n, 10)
}

func formatOptional(n int64) string {
	if n == 0 {
		return nullText
	}
	return strconv.FormatInt(n, 10)
}
