package suggest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrSuggestionUnavailable = errors.New("SUGGESTION_UNAVAILABLE")

type Kind string

const (
	KindCorrection Kind = "correction"
	KindCompletion Kind = "completion"
	KindSummary    Kind = "summary"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCorrection, KindCompletion, KindSummary:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrSuggestionUnavailable, s)
}

// Client 是外部文本生成服务
type Client interface {
	Generate(ctx context.Context, kind Kind, text string) (string, error)
}

// Result 中 Available=false 表示"没有建议"，不是错误
type Result struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Service 给外部调用加上超时；任何失败都降级为"没有建议"
type Service struct {
	client  Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewService 的 client 为 nil 时（未配置 API key）所有请求都返回"没有建议"
func NewService(client Client, timeout time.Duration, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: client, timeout: timeout, logger: logger}
}

func (s *Service) Suggest(ctx context.Context, kind Kind, text string) Result {
	res := Result{Kind: kind}
	if s.client == nil {
		res.Reason = "disabled"
		return res
	}
	if text == "" {
		res.Reason = "empty text"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.client.Generate(ctx, kind, text)
	if err != nil {
		res.Reason = "unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			res.Reason = "timeout"
		}
		s.logger.Warn("suggestion unavailable", zap.String("kind", string(kind)), zap.Error(err))
		return res
	}
	res.Text, res.Available = out, true
	return res
}
