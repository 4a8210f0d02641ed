package client

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

const subsystemKey = pslog.TrustedString("sys")

func withSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(subsystemKey, subsystem)
}

func hasKey(keyvals []any, target string) bool {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok && key == target {
			return true
		}
	}
	return false
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	if ctx == nil {
		return keyvals
	}
	cid := CorrelationIDFromContext(ctx)
	if cid == "" || hasKey(keyvals, "cid") {
		return keyvals
	}
	enriched := append([]any(nil), keyvals...)
	return append(enriched, "cid", cid)
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logInfoCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logErrorCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Error(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebug(msg string, keyvals ...any) {
	c.logDebugCtx(context.Background(), msg, keyvals...)
}

func (c *Client) logInfo(msg string, keyvals ...any) {
	c.logInfoCtx(context.Background(), msg, keyvals...)
}
