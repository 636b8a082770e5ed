package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/checkout/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	defaultMaxBody    = 1 << 20
)

// Logger receives persistence failures that cannot reach the client.
type Logger interface {
	Printf(format string, args ...any)
}

type guard struct {
	store    Store
	header   string
	ttl      time.Duration
	methods  map[string]bool
	clock    func() time.Time
	logger   Logger
	scope    func(*http.Request) string
	required bool
	maxBody  int64
}

type MiddlewareOption func(*guard)

func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long a finished response stays replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) { g.ttl = ttl }
}

// WithMethods replaces the guarded method set; blank entries are ignored.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		set := make(map[string]bool, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				set[m] = true
			}
		}
		if len(set) > 0 {
			g.methods = set
		}
	}
}

func WithLogger(logger Logger) MiddlewareOption {
	return func(g *guard) { g.logger = logger }
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithScope partitions keys by caller; the default is the client address.
func WithScope(scope func(*http.Request) string) MiddlewareOption {
	return func(g *guard) {
		if scope != nil {
			g.scope = scope
		}
	}
}

// WithRequiredKey answers 400 to guarded requests without a key.
func WithRequiredKey(required bool) MiddlewareOption {
	return func(g *guard) { g.required = required }
}

// WithMaxBody caps the request body read for fingerprinting.
func WithMaxBody(n int64) MiddlewareOption {
	return func(g *guard) {
		if n > 0 {
			g.maxBody = n
		}
	}
}

// Middleware replays the stored response for a repeated (key, caller) pair
// with the same request fingerprint, answers 409 while the first attempt is
// still running or when the key is reused for a different request, and
// passes unguarded methods straight through. A nil store disables it.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:   store,
		header:  defaultHeaderName,
		methods: map[string]bool{http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true},
		clock:   time.Now,
		scope:   remoteScope,
		maxBody: defaultMaxBody,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.ttl = effectiveTTL(g.ttl)
	return g.wrap
}

func (g *guard) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.methods[r.Method] {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(g.header))
		if key == "" {
			if g.required {
				respondError(w, r, http.StatusBadRequest, "idempotency_key_required", "missing "+g.header+" header")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		body, err := bufferBody(w, r, g.maxBody)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(w, r, http.StatusRequestEntityTooLarge, "idempotency_body_too_large", "request body too large to fingerprint")
				return
			}
			respondError(w, r, http.StatusBadRequest, "idempotency_read_body_failed", "unable to read request body")
			return
		}

		caller := g.scope(r)
		slot := scopedKey(key, caller)
		fp := requestFingerprint(r, body, caller)

		res, err := g.store.Reserve(r.Context(), slot, fp, g.clock().UTC(), g.ttl)
		if err != nil {
			handleStoreError(w, r, g.logger, err)
			return
		}
		switch res.State {
		case ReservationStateCompleted:
			replay(w, res.Record)
		case ReservationStatePending:
			respondError(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		case ReservationStateNew:
			g.serveFirst(w, r, next, key, slot, fp)
		default:
			respondError(w, r, http.StatusInternalServerError, "idempotency_unknown_state", "unexpected idempotency state")
		}
	})
}

// serveFirst runs the handler into a buffer, stores the outcome and only
// then writes it, so a store failure never leaves a sent but unreplayable
// response behind.
func (g *guard) serveFirst(w http.ResponseWriter, r *http.Request, next http.Handler, key, slot, fp string) {
	buf := &bufferedWriter{header: http.Header{}}
	next.ServeHTTP(buf, r)

	resp := Response{Status: buf.statusCode(), Headers: buf.header.Clone(), Body: buf.body.Bytes()}
	if err := g.store.SaveResponse(r.Context(), slot, fp, resp, g.clock().UTC(), g.ttl); err != nil {
		g.logf("idempotency: persist response for key %q: %v", key, err)
		if err := g.store.Release(r.Context(), slot, fp); err != nil {
			g.logf("idempotency: release key %q after failed save: %v", key, err)
		}
		respondError(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}
	if err := buf.flushTo(w); err != nil {
		g.logf("idempotency: write response for key %q: %v", key, err)
	}
}

func (g *guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func bufferBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint hashes what makes two requests "the same": method,
// target, content type, caller and body.
func requestFingerprint(r *http.Request, body []byte, caller string) string {
	h := sha256.New()
	for _, part := range []string{strings.ToUpper(r.Method), r.Host, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), caller} {
		io.WriteString(h, part)
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func remoteScope(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		addr = strings.TrimSpace(first)
	} else if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return "anonymous"
	}
	return addr
}

func scopedKey(key, caller string) string {
	if caller = strings.TrimSpace(caller); caller == "" {
		caller = "anonymous"
	}
	return strings.TrimSpace(key) + "|" + caller
}

func handleStoreError(w http.ResponseWriter, r *http.Request, logger Logger, err error) {
	if errors.Is(err, ErrFingerprintMismatch) {
		respondError(w, r, http.StatusConflict, "idempotency_mismatch", "idempotency key already used for a different request")
		return
	}
	if logger != nil {
		logger.Printf("idempotency: store error: %v", err)
	}
	respondError(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
}

func replay(w http.ResponseWriter, record Record) {
	dst := w.Header()
	clear(dst)
	for name, values := range headersFromRecord(record.ResponseHeaders) {
		dst[name] = values
	}
	dst.Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// bufferedWriter holds the first attempt's response until it is stored.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status <= 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) error {
	dst := w.Header()
	clear(dst)
	for name, values := range b.header {
		dst[name] = values
	}
	w.WriteHeader(b.statusCode())
	if b.body.Len() == 0 {
		return nil
	}
	_, err := w.Write(b.body.Bytes())
	return err
}
