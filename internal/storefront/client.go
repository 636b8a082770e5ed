package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/checkout/internal/domain"
)

const (
	defaultTimeout       = 10 * time.Second
	idempotencyHeader    = "Idempotency-Key"
	requestIDHeader      = "X-Request-ID"
	publishableKeyHeader = "X-Publishable-Api-Key"
	maxResponseBytes     = 1 << 20
)

// RetryPolicy bounds retries of idempotent-safe calls on 5xx responses.
type RetryPolicy struct {
	Attempts int
	Backoff  gax.Backoff
}

// DefaultRetryPolicy retries three times starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff: gax.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		},
	}
}

// Client talks to the storefront commerce API.
type Client struct {
	baseURL        string
	http           *http.Client
	publishableKey string
	retry          RetryPolicy
	tracer         trace.Tracer
	requestID      func() string
	idempotencyKey func() string
	sleep          func(context.Context, time.Duration) error
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithPublishableKey sets the publishable API key header sent on every call.
func WithPublishableKey(key string) Option {
	return func(c *Client) {
		c.publishableKey = strings.TrimSpace(key)
	}
}

// WithRetryPolicy overrides the retry policy for cart creation and shipping-option fetches.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithTracer overrides the tracer used for client spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithIDGenerators overrides request id and idempotency key generation.
func WithIDGenerators(requestID, idempotencyKey func() string) Option {
	return func(c *Client) {
		if requestID != nil {
			c.requestID = requestID
		}
		if idempotencyKey != nil {
			c.idempotencyKey = idempotencyKey
		}
	}
}

// WithSleeper overrides the backoff sleep, primarily for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient constructs a storefront API client.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("storefront: parse base url: %w", err)
	}
	c := &Client{
		baseURL:        base,
		http:           &http.Client{Timeout: defaultTimeout},
		retry:          DefaultRetryPolicy(),
		tracer:         otel.Tracer("github.com/hanko-field/checkout/internal/storefront"),
		requestID:      func() string { return uuid.NewString() },
		idempotencyKey: func() string { return ulid.Make().String() },
		sleep:          gax.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// CreateCart creates a remote cart and returns its id.
func (c *Client) CreateCart(ctx context.Context, req CreateCartRequest) (string, error) {
	body := createCartBody{
		RegionID:     strings.TrimSpace(req.RegionID),
		CurrencyCode: strings.ToLower(strings.TrimSpace(req.CurrencyCode)),
		CountryCode:  strings.ToLower(strings.TrimSpace(req.CountryCode)),
	}
	var payload createCartPayload
	// retries replay the same key so the backend creates at most one cart
	key := c.idempotencyKey()
	err := c.withRetry(ctx, "storefront.create_cart", func(ctx context.Context) error {
		return c.send(ctx, key, http.MethodPost, []string{"carts"}, body, &payload)
	})
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(payload.CartID)
	if id == "" && payload.Cart != nil {
		id = strings.TrimSpace(payload.Cart.ID)
	}
	if id == "" {
		return "", fmt.Errorf("%w: cart id missing", ErrMalformedResponse)
	}
	return id, nil
}

// UpdateCart pushes the full cart snapshot and returns the authoritative cart.
func (c *Client) UpdateCart(ctx context.Context, cartID string, update CartUpdate, currency string) (RemoteCart, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return RemoteCart{}, ErrMissingCartID
	}
	ctx, span := c.tracer.Start(ctx, "storefront.update_cart", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("checkout.cart_id", cartID), attribute.Int("checkout.items", len(update.Items))))
	defer span.End()

	var payload cartEnvelope
	if err := c.do(ctx, http.MethodPatch, []string{"carts", cartID}, newUpdateCartBody(update), &payload); err != nil {
		recordSpanError(span, err)
		return RemoteCart{}, err
	}
	if payload.Cart == nil {
		err := fmt.Errorf("%w: cart missing", ErrMalformedResponse)
		recordSpanError(span, err)
		return RemoteCart{}, err
	}
	cart := payload.Cart.toRemote(currency)
	if cart.ID == "" {
		cart.ID = cartID
	}
	return cart, nil
}

// ListShippingOptions returns the shipping options offered for the cart.
func (c *Client) ListShippingOptions(ctx context.Context, cartID, currency string) ([]domain.ShippingOption, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return nil, ErrMissingCartID
	}
	var payload shippingOptionsEnvelope
	err := c.withRetry(ctx, "storefront.list_shipping_options", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, []string{"carts", cartID, "shipping-options"}, nil, &payload)
	})
	if err != nil {
		return nil, err
	}
	options := make([]domain.ShippingOption, 0, len(payload.ShippingOptions))
	for _, option := range payload.ShippingOptions {
		converted := option.toDomain(currency)
		if converted.ID == "" {
			continue
		}
		options = append(options, converted)
	}
	return options, nil
}

// AddShippingMethod attaches the shipping option to the cart.
func (c *Client) AddShippingMethod(ctx context.Context, cartID, optionID string) error {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return ErrMissingCartID
	}
	ctx, span := c.tracer.Start(ctx, "storefront.add_shipping_method", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("checkout.cart_id", cartID), attribute.String("checkout.shipping_option_id", optionID)))
	defer span.End()

	body := shippingMethodBody{OptionID: strings.TrimSpace(optionID)}
	if err := c.do(ctx, http.MethodPost, []string{"carts", cartID, "shipping-methods"}, body, nil); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

// CreatePaymentCollection creates the payment collection for the cart.
func (c *Client) CreatePaymentCollection(ctx context.Context, cartID string) (RemotePaymentCollection, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return RemotePaymentCollection{}, ErrMissingCartID
	}
	ctx, span := c.tracer.Start(ctx, "storefront.create_payment_collection", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("checkout.cart_id", cartID)))
	defer span.End()

	var payload paymentCollectionEnvelope
	if err := c.do(ctx, http.MethodPost, []string{"payment-collections"}, paymentCollectionBody{CartID: cartID}, &payload); err != nil {
		recordSpanError(span, err)
		return RemotePaymentCollection{}, err
	}
	if payload.PaymentCollection == nil || strings.TrimSpace(payload.PaymentCollection.ID) == "" {
		err := fmt.Errorf("%w: payment collection missing", ErrMalformedResponse)
		recordSpanError(span, err)
		return RemotePaymentCollection{}, err
	}
	return payload.PaymentCollection.toRemote(), nil
}

// CreatePaymentSession creates or refreshes the provider session inside the collection.
func (c *Client) CreatePaymentSession(ctx context.Context, collectionID, providerID string) (RemotePaymentCollection, error) {
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" {
		return RemotePaymentCollection{}, ErrMissingCollectionID
	}
	ctx, span := c.tracer.Start(ctx, "storefront.create_payment_session", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("checkout.payment_collection_id", collectionID), attribute.String("checkout.provider_id", providerID)))
	defer span.End()

	var payload paymentCollectionEnvelope
	body := paymentSessionBody{ProviderID: strings.TrimSpace(providerID)}
	if err := c.do(ctx, http.MethodPost, []string{"payment-collections", collectionID, "sessions"}, body, &payload); err != nil {
		recordSpanError(span, err)
		return RemotePaymentCollection{}, err
	}
	if payload.PaymentCollection == nil {
		err := fmt.Errorf("%w: payment collection missing", ErrMalformedResponse)
		recordSpanError(span, err)
		return RemotePaymentCollection{}, err
	}
	collection := payload.PaymentCollection.toRemote()
	if collection.ID == "" {
		collection.ID = collectionID
	}
	return collection, nil
}

// CompleteCart turns the cart into an order and returns the order id.
func (c *Client) CompleteCart(ctx context.Context, cartID string) (string, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return "", ErrMissingCartID
	}
	ctx, span := c.tracer.Start(ctx, "storefront.complete_cart", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("checkout.cart_id", cartID)))
	defer span.End()

	var payload completeCartPayload
	if err := c.do(ctx, http.MethodPost, []string{"carts", cartID, "complete"}, struct{}{}, &payload); err != nil {
		recordSpanError(span, err)
		return "", err
	}
	orderID := strings.TrimSpace(payload.OrderID)
	if orderID == "" && payload.Order != nil {
		orderID = strings.TrimSpace(payload.Order.ID)
	}
	if orderID == "" {
		err := fmt.Errorf("%w: order id missing", ErrMalformedResponse)
		recordSpanError(span, err)
		return "", err
	}
	return orderID, nil
}

// Ping probes the backend health endpoint for readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "storefront.ping", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	if err := c.do(ctx, http.MethodGet, []string{"health"}, nil, nil); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

func (c *Client) withRetry(ctx context.Context, spanName string, call func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	attempts := c.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.retry.Backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		span.SetAttributes(attribute.Int("storefront.attempt", attempt))
		err = call(ctx)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt == attempts {
			break
		}
		if sleepErr := c.sleep(ctx, backoff.Pause()); sleepErr != nil {
			err = sleepErr
			break
		}
	}
	recordSpanError(span, err)
	return err
}

// do sends a single request. Writes get a fresh idempotency key.
func (c *Client) do(ctx context.Context, method string, path []string, body any, out any) error {
	key := ""
	if method != http.MethodGet {
		key = c.idempotencyKey()
	}
	return c.send(ctx, key, method, path, body, out)
}

func (c *Client) send(ctx context.Context, idempotencyKey, method string, path []string, body any, out any) error {
	endpoint, err := url.JoinPath(c.baseURL, path...)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(requestIDHeader, c.requestID())
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}
	if c.publishableKey != "" {
		req.Header.Set(publishableKeyHeader, c.publishableKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{op: strings.ToLower(method) + " " + strings.Join(path, "/"), err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err == nil {
		apiErr.Code = strings.ToUpper(strings.TrimSpace(payload.Code))
		apiErr.Message = defaultString(payload.Error, payload.Message)
		apiErr.Details = payload.Details
	}
	if apiErr.Message == "" {
		apiErr.Message = defaultString(drainError(raw), http.StatusText(resp.StatusCode))
	}
	return apiErr
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func defaultString(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return strings.TrimSpace(fallback)
	}
	return strings.TrimSpace(val)
}

func drainError(raw []byte) string {
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return strings.TrimSpace(string(raw))
}
