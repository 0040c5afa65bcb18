package assistant

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/avva/pkg/callstring"
	"github.com/jllopis/avva/pkg/errors"
	"github.com/jllopis/avva/pkg/skills"
	"github.com/jllopis/avva/pkg/telemetry"
)

// Tool invocation outcomes recorded in metrics and spans.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
)

// Execute parses and dispatches a raw call string. A malformed call string
// is reported as an unknown tool.
func (a *Assistant) Execute(ctx context.Context, raw string) Reply {
	call, err := callstring.Parse(raw)
	if err != nil {
		a.metrics.ToolInvoked(ctx, raw, OutcomeNotFound)
		return Reply{
			Kind: ReplyText,
			Text: fmt.Sprintf("Tool %s not found.", strings.TrimSpace(raw)),
			Err:  errors.New(errors.CodeToolNotFound, "malformed call string", err).WithContext("call", raw),
		}
	}
	return a.dispatch(ctx, call, nil)
}

// Invoke runs tool with explicit arguments, as an external caller would.
// It goes through the same permission gate as spoken commands.
func (a *Assistant) Invoke(ctx context.Context, tool string, args []string, named map[string]string) Reply {
	return a.dispatch(ctx, callstring.New(tool, args...), named)
}

// dispatch resolves, authorizes and runs a call. Every failure becomes a
// text reply.
func (a *Assistant) dispatch(ctx context.Context, call callstring.Call, named map[string]string) Reply {
	ctx, span := tracer.Start(ctx, "assistant.dispatch")
	defer span.End()

	reply := Reply{Kind: ReplyText, Call: call.String()}
	b, err := a.registry.ResolveTool(call.Name)
	if err != nil {
		a.finishTool(ctx, span, call.Name, "", OutcomeNotFound)
		reply.Text = fmt.Sprintf("Tool %s not found.", call.Name)
		reply.Err = err
		return reply
	}

	d := a.gate.Authorize(ctx, b.ID, b.Permissions)
	if !d.IsAllowed() {
		a.finishTool(ctx, span, b.ID, b.Plugin, OutcomeDenied)
		reply.Text = deniedText(b.ID, d.Permission, d.Reason)
		reply.Err = errors.New(errors.CodePermissionDenied, d.Reason, nil).
			WithContext("tool", b.ID).
			WithContext("permission", d.Permission)
		return reply
	}

	result, err := invoke(ctx, b, skills.Input{Args: call.Values(), Named: named})
	if err != nil {
		a.finishTool(ctx, span, b.ID, b.Plugin, OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		a.logger.Warn("tool failed", "tool", b.ID, "plugin", b.Plugin, "error", err)
		reply.Text = fmt.Sprintf("Error executing %s: %s", b.ID, causeText(err))
		reply.Err = err
		return reply
	}
	a.finishTool(ctx, span, b.ID, b.Plugin, OutcomeOK)
	return render(reply, result)
}

func (a *Assistant) finishTool(ctx context.Context, span trace.Span, tool, plugin, outcome string) {
	span.SetAttributes(telemetry.ToolAttributes(tool, plugin, outcome)...)
	a.metrics.ToolInvoked(ctx, tool, outcome)
}

// invoke runs the tool body, converting panics into execution errors.
func invoke(ctx context.Context, b skills.Binding, in skills.Input) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.New(errors.CodeExecution, fmt.Sprintf("tool panicked: %v", r), nil).
				WithContext("tool", b.ID)
		}
	}()
	result, err = b.Func(ctx, in)
	if err != nil && !errors.IsCode(err, errors.CodeExecution) {
		err = errors.New(errors.CodeExecution, "tool returned an error", err).WithContext("tool", b.ID)
	}
	return result, err
}

func causeText(err error) string {
	ae := errors.AsAvvaError(err)
	if ae.Err != nil {
		return ae.Err.Error()
	}
	return ae.Message
}

func deniedText(tool, permission, reason string) string {
	if permission != "" {
		return fmt.Sprintf("I can't run %s without the %s permission.", tool, permission)
	}
	if reason != "" {
		return fmt.Sprintf("I can't run %s: %s.", tool, strings.TrimSuffix(reason, "."))
	}
	return fmt.Sprintf("I can't run %s.", tool)
}

func render(reply Reply, result any) Reply {
	switch v := result.(type) {
	case nil:
		reply.Text = "Done."
	case string:
		reply.Text = v
	case map[string]any:
		reply.Kind = ReplyStructured
		reply.Data = v
		reply.Text = FormatStructured(v)
	case fmt.Stringer:
		reply.Text = v.String()
	default:
		reply.Text = fmt.Sprint(v)
	}
	return reply
}

// FormatStructured renders a structured tool result for display. A "text"
// entry is used verbatim; otherwise every entry is listed as "key: value".
func FormatStructured(data map[string]any) string {
	if t, ok := data["text"].(string); ok && t != "" {
		return t
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", labelOf(k), valueText(data[k])))
	}
	return strings.Join(lines, "\n")
}

func labelOf(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}

func valueText(v any) string {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return "none"
		}
		return strings.Join(t, ", ")
	case []any:
		if len(t) == 0 {
			return "none"
		}
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, ", ")
	case float64:
		return fmt.Sprintf("%.1f", t)
	default:
		return fmt.Sprint(t)
	}
}
