// Пакет metrics — отправка метрик запуска в Prometheus Pushgateway.
// Запуск usersync короткий, scrape не успевает, поэтому метрики
// отправляются один раз в конце запуска.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// JobName — значение метки job в Pushgateway.
const JobName = "usersync"

// Pusher отправляет метрики из gatherer в Pushgateway.
type Pusher struct {
	url        string
	gatherer   prometheus.Gatherer
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPusher создаёт Pusher. httpClient может быть nil.
func NewPusher(url string, gatherer prometheus.Gatherer, httpClient *http.Client, logger *slog.Logger) *Pusher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Pusher{
		url:        url,
		gatherer:   gatherer,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "metrics_pusher")),
	}
}

// Push заменяет группу метрик job=usersync, realm=<realm>.
func (p *Pusher) Push(ctx context.Context, realm string) error {
	err := push.New(p.url, JobName).
		Gatherer(p.gatherer).
		Grouping("realm", realm).
		Client(p.httpClient).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("отправка метрик в %s: %w", p.url, err)
	}

	p.logger.Debug("Метрики отправлены",
		slog.String("url", p.url),
		slog.String("realm", realm),
	)
	return nil
}
