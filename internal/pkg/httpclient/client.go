// internal/pkg/httpclient/client.go

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StatusError 服务端返回了非 2xx 状态码
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// Client 是一个可追踪的 JSON HTTP 客户端
type Client struct {
	BaseURL    string
	Tracer     trace.Tracer
	HTTPClient *http.Client
}

// NewClient 不设置 Timeout, 超时完全由每次请求的 context 控制
func NewClient(baseURL string, tracer trace.Tracer) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Tracer:  tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
	}
}

// Do 发送 JSON 请求并把响应体解码到 out (可为 nil)。
// 非 2xx 响应返回 *StatusError, 其 Message 取自响应中的 error 字段。
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return errors.Wrap(err, "parse url")
	}
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	spanName := fmt.Sprintf("call-%s", target.Hostname())
	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.url", target.String()),
		attribute.String("http.method", method),
	)

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		span.RecordError(err)
		return errors.WithStack(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = resp.Status
		}
		err := &StatusError{StatusCode: resp.StatusCode, Message: payload.Error}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
