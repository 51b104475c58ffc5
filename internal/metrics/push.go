package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Pusher はレジストリの内容をPrometheus Pushgatewayに送信する。
type Pusher struct {
	url      string
	job      string
	gatherer prometheus.Gatherer
}

// NewPusher は新しいPusherを生成する。urlが空の場合はnilを返す。
func NewPusher(url, job string, gatherer prometheus.Gatherer) *Pusher {
	if url == "" {
		return nil
	}
	return &Pusher{url: url, job: job, gatherer: gatherer}
}

// Push はジョブ単位でメトリクスを置き換え送信する。nilのPusherでは何もしない。
func (p *Pusher) Push(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := push.New(p.url, p.job).Gatherer(p.gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	slog.Debug("metrics pushed", slog.String("url", p.url), slog.String("job", p.job))
	return nil
}
