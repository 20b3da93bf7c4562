package logtrace

// Fields is a type alias for structured log fields
type Fields map[string]interface{}

const (
	FieldCorrelationID = "correlation_id"
	FieldModule        = "module"
	FieldMethod        = "method"
	FieldError         = "error"
	FieldStatus        = "status"
	FieldNode          = "node"
	FieldPeer          = "peer"
	FieldKey           = "key"
	FieldTarget        = "target"
	FieldTaskID        = "task_id"
	FieldMessageType   = "message_type"
	FieldState         = "state"
	FieldStackTrace    = "stack_trace"
)
