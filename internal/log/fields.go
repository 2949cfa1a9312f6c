package log

import (
	"maps"
	"slices"
)

// Attribute keys shared by every component.
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldQuery      = "query"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldUserAgent  = "user_agent"
	FieldReferer    = "referer"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldOperation  = "operation"
	FieldExpenseID  = "expense_id"
	FieldAmount     = "amount"
	FieldPayer      = "payer"
	FieldConsumers  = "consumers"
	FieldDate       = "expense_date"
	FieldFilterKey  = "filter_key"
	FieldSheetsRef  = "sheets_ref"
)

const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentExpense   = "expense"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentSheets    = "sheets"
	ComponentCache     = "cache"
	ComponentSecurity  = "security"
	ComponentRateLimit = "rate_limit"
	ComponentTrace     = "trace"
	ComponentBackend   = "backend"
	ComponentTemplate  = "template"
)

// Operation names for the FieldOperation attribute.
const (
	OpCreate   = "create"
	OpRead     = "read"
	OpList     = "list"
	OpStats    = "stats"
	OpSummary  = "summary"
	OpSettle   = "settle"
	OpMirror   = "mirror"
	OpValidate = "validate"
	OpParse    = "parse"
	OpRender   = "render"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields collects attributes for one structured event. Builders skip
// empty strings so optional request data never shows up as key="".
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) set(key string, v any) LogFields {
	if s, ok := v.(string); ok && s == "" {
		return f
	}
	f[key] = v
	return f
}

func (f LogFields) WithComponent(component string) LogFields {
	return f.set(FieldComponent, component)
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	return f.set(FieldRequestID, requestID)
}

func (f LogFields) WithClientIP(ip string) LogFields {
	return f.set(FieldClientIP, ip)
}

func (f LogFields) WithError(err error) LogFields {
	if err == nil {
		return f
	}
	return f.set(FieldError, err.Error())
}

func (f LogFields) WithOperation(op string) LogFields {
	return f.set(FieldOperation, op)
}

// WithExpense records an expense by id, amount as text, payer, consumers and date.
func (f LogFields) WithExpense(id, amount, payer string, consumers []string, date string) LogFields {
	f.set(FieldExpenseID, id).set(FieldAmount, amount).set(FieldPayer, payer).set(FieldDate, date)
	if len(consumers) > 0 {
		f[FieldConsumers] = consumers
	}
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent, referer string) LogFields {
	return f.set(FieldMethod, method).
		set(FieldPath, path).
		set(FieldQuery, query).
		set(FieldUserAgent, userAgent).
		set(FieldReferer, referer)
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice flattens f into slog key/value pairs ordered by key.
func (f LogFields) ToSlice() []any {
	keys := slices.Sorted(maps.Keys(f))
	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, f[k])
	}
	return out
}
