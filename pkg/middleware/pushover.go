package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
)

const pushoverEndpoint = "https://api.pushover.net/1/messages.json"

// Pushover sends phone notifications for events worth waking up for. The
// send happens in the background and never delays or fails the wrapped
// handler.
type Pushover struct {
	user   string
	token  string
	device string
}

func NewPushover(user, token, device string) *Pushover {
	return &Pushover{
		user:   user,
		token:  token,
		device: device,
	}
}

func (p *Pushover) WithPositionClosed(handler bus.Handler) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		if closed, ok := event.Payload.(common.PositionClosed); ok {
			go func() {
				msg := fmt.Sprintf("symbol = %s\npnl = %s\nreason = %s",
					closed.Symbol, closed.RealizedPnL.Rescale(2).String(), closed.ExitReason)
				if err := p.send(context.WithoutCancel(ctx), "Position Closed", msg); err != nil {
					slog.Error("sendPushoverNotification", "error", err)
				}
			}()
		}
		return handler(ctx, event)
	}
}

func (p *Pushover) WithRiskHalt(handler bus.Handler) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		if halt, ok := event.Payload.(common.RiskHalt); ok {
			go func() {
				msg := fmt.Sprintf("reason = %s\ndaily loss = %s",
					halt.Reason, halt.DailyLoss.Rescale(2).String())
				if err := p.send(context.WithoutCancel(ctx), "Trading Halted", msg); err != nil {
					slog.Error("sendPushoverNotification", "error", err)
				}
			}()
		}
		return handler(ctx, event)
	}
}

func (p *Pushover) send(ctx context.Context, title, message string) error {
	data := url.Values{}
	data.Set("token", p.token)
	data.Set("user", p.user)
	data.Set("device", p.device)
	data.Set("title", title)
	data.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pushoverEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover post failed: %w", err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("pushover error: %s", body)
	}

	return nil
}
