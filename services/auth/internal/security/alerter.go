package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Outcomes recorded with every security event.
const (
	OutcomeSuccess     = "success"
	OutcomeFail        = "fail"
	OutcomeRateLimited = "rate_limited"
)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts failed auth events per client IP and flags bursts.
// A nil alerter only logs.
type AuditAlerter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewAuditAlerter(client *redis.Client, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "codecollab:auth:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix, now: time.Now}
}

// Observe counts the event in its rule window.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil {
		return result, nil
	}
	rule, ok := ruleFor(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := rule.window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, segment(event), segment(outcome), segment(ip), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	return AlertResult{
		Triggered: count == rule.threshold,
		Count:     count,
		Threshold: rule.threshold,
		Window:    rule.window,
	}, nil
}

// Record logs a security_event and escalates to a security_alert the first
// time a rule threshold is crossed within its window.
func (a *AuditAlerter) Record(ctx context.Context, logger *slog.Logger, event, outcome, ip string, attrs ...any) {
	level := slog.LevelInfo
	if outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	args := append([]any{"event", event, "outcome", outcome, "ip", ip}, attrs...)
	logger.Log(ctx, level, "security_event", args...)

	res, err := a.Observe(ctx, event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_counter_failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		logger.Error("security_alert", "event", event, "outcome", outcome, "ip", ip,
			"count", res.Count, "window", res.Window.String())
	}
}

type alertRule struct {
	threshold int64
	window    time.Duration
}

func ruleFor(event, outcome string) (alertRule, bool) {
	if outcome == OutcomeRateLimited {
		return alertRule{threshold: 20, window: time.Minute}, true
	}
	if outcome != OutcomeFail {
		return alertRule{}, false
	}
	switch event {
	case "auth.login", "auth.signup":
		return alertRule{threshold: 10, window: 5 * time.Minute}, true
	case "auth.logout", "auth.me":
		return alertRule{threshold: 25, window: 5 * time.Minute}, true
	default:
		return alertRule{}, false
	}
}

func segment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
