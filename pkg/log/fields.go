package log

// Field names shared by every log line, so dashboards can join HTTP,
// WebSocket and bus activity on the same keys.
const (
	FieldService  = "service"
	FieldInstance = "instance_id"

	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// who: same keys the auth middleware stores on the gin context
	FieldUserID = "user_id"
	FieldRole   = "role"

	// where: one WebSocket connection and what it is talking to
	FieldClientID  = "client_id"
	FieldRoomID    = "room_id"
	FieldCallID    = "call_id"
	FieldTopology  = "topology"
	FieldEventType = "event_type"

	FieldGRPCMethod = "grpc_method"
	FieldGRPCCode   = "grpc_code"

	// audit entries are tagged log_type=audit
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
