// Package types defines the method-channel protocol spoken between the
// monitor and its host.
package types

// Channel carries every message.
const Channel = "process_monitor"

// Methods
const (
	MethodStartMonitoring = "startMonitoring"  // host -> monitor {processName}
	MethodStopMonitoring  = "stopMonitoring"   // host -> monitor
	MethodProcessStarted  = "onProcessStarted" // monitor -> host {processName}
	MethodRuleMatched     = "onRuleMatched"    // monitor -> host
)

// ArgProcessName is the argument key of startMonitoring and onProcessStarted.
const ArgProcessName = "processName"

// Error codes
const (
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeNotImplemented   = "NOT_IMPLEMENTED"
)

// Message is one method call, its result, or an event sent to the host.
// Calls from the host carry an ID that the result echoes; events carry
// none.
type Message struct {
	ID        uint64                 `json:"id,omitempty"`
	Channel   string                 `json:"channel"`
	Method    string                 `json:"method,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
	Error     *ArgumentError         `json:"error,omitempty"`
}

// ArgumentError is returned to the host for a malformed call. It never
// affects a running session.
type ArgumentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ArgumentError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrProcessNameRequired is returned when startMonitoring has no string
// processName.
var ErrProcessNameRequired = &ArgumentError{Code: CodeInvalidArguments, Message: "Process name required"}

// ParseStartArguments extracts the process name from startMonitoring
// arguments. An empty name is accepted and matches nothing.
func ParseStartArguments(args map[string]interface{}) (string, error) {
	name, ok := args[ArgProcessName].(string)
	if !ok {
		return "", ErrProcessNameRequired
	}
	return name, nil
}

// StartMonitoring builds a startMonitoring call for name.
func StartMonitoring(name string) Message {
	return Message{
		Channel:   Channel,
		Method:    MethodStartMonitoring,
		Arguments: map[string]interface{}{ArgProcessName: name},
	}
}

// ProcessStarted builds the event sent once per matched creation.
func ProcessStarted(name string) Message {
	return Message{
		Channel:   Channel,
		Method:    MethodProcessStarted,
		Arguments: map[string]interface{}{ArgProcessName: name},
	}
}

// RuleMatched builds the event sent when a delivered creation matched a
// Sigma rule.
func RuleMatched(name string, pid uint32, ruleID, title, level string) Message {
	return Message{
		Channel: Channel,
		Method:  MethodRuleMatched,
		Arguments: map[string]interface{}{
			ArgProcessName: name,
			"pid":          pid,
			"ruleId":       ruleID,
			"title":        title,
			"level":        level,
		},
	}
}

// Reply builds the result of call.
func Reply(call Message, result interface{}, err *ArgumentError) Message {
	return Message{
		ID:      call.ID,
		Channel: Channel,
		Method:  call.Method,
		Result:  result,
		Error:   err,
	}
}
