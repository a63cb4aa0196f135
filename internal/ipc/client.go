package ipc

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

	"github.com/notdeveloper/notdeveloper-go/internal/middleware"
	"github.com/notdeveloper/notdeveloper-go/internal/retry"
	"github.com/sirupsen/logrus"
)

// CallingPackageHeader 调用方包名
const CallingPackageHeader = middleware.CallingPackageHeader

// Options Discover 参数
type Options struct {
	BaseURL   string // 如 http://127.0.0.1:8765
	Authority string
	Caller    string // 调用方包名，需要在服务端白名单内
	Timeout   time.Duration
	Retry     *retry.Config
	Metrics   *middleware.PrometheusMetrics
	Logger    *logrus.Logger
}

type transport struct {
	baseURL string
	caller  string
	http    *http.Client
	retry   *retry.Config
	metrics *middleware.PrometheusMetrics
	logger  *logrus.Logger
}

// Discover 向 provider 请求服务句柄；任何失败都返回 nil，调用方据此降级
func Discover(ctx context.Context, opts Options) *Service {
	t, err := newTransport(opts)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.WithError(err).Warn("Invalid service options")
		}
		return nil
	}

	var bundle *ServiceBundle
	path := "/provider/" + url.PathEscape(opts.Authority) + "/call"
	err = t.callRetry(ctx, "discover", http.MethodPost, path, ProviderCall{Method: "GET"}, &bundle)
	if err != nil {
		t.logger.WithError(err).Warn("Service discovery failed")
		return nil
	}
	if bundle == nil || bundle.Service == "" {
		t.logger.WithField("caller", opts.Caller).Warn("Service not granted")
		return nil
	}

	return &Service{t: t, handle: bundle.Service}
}

func newTransport(opts Options) (*transport, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid service url %q", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rc := opts.Retry
	if rc == nil {
		rc = retry.DefaultConfig()
		rc.Logger = logger
		rc.Metrics = opts.Metrics
	}

	return &transport{
		baseURL: base,
		caller:  opts.Caller,
		http:    &http.Client{Timeout: timeout},
		retry:   rc,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// call 发送一次请求，out 为 Response.Value 的解码目标
func (t *transport) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CallingPackageHeader, t.caller)

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// provider call 直接返回 bundle 或 null
	if strings.HasPrefix(path, "/provider/") && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode bundle: %w", err))
		}
		return nil
	}

	var r Response
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := r.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &retry.StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out != nil && len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode value: %w", err))
		}
	}
	return nil
}

// callOnce 只发送一次。写操作的响应丢失时无法判断服务端是否已经执行，不能重发
func (t *transport) callOnce(ctx context.Context, op, method, path string, body, out any) error {
	err := t.call(ctx, method, path, body, out)
	t.metrics.RecordIPCCall(op, err)
	return err
}

// callRetry 只用于只读操作
func (t *transport) callRetry(ctx context.Context, op, method, path string, body, out any) error {
	cfg := *t.retry
	cfg.Operation = op

	err := retry.Do(ctx, &cfg, func(ctx context.Context) error {
		return t.call(ctx, method, path, body, out)
	})
	t.metrics.RecordIPCCall(op, err)
	return err
}

var (
	// ErrServiceGone 服务端已不认识该句柄
	ErrServiceGone = errors.New("service handle no longer valid")
	// ErrUnknownMethod 服务端不支持该操作，句柄仍然有效
	ErrUnknownMethod = errors.New("unknown service method")
)

func translate(err error) error {
	var statusErr *retry.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch statusErr.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrServiceGone, statusErr.Message)
	case http.StatusNotImplemented:
		return fmt.Errorf("%w: %s", ErrUnknownMethod, statusErr.Message)
	}
	return err
}
