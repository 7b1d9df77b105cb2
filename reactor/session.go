package reactor

// Progress marks. Marks between ProgressStart and ProgressSuccess are
// service-defined steps, usually percentages.
const (
	// ProgressUnknown is reported for a session that ended without a reply
	ProgressUnknown = -200
	// ProgressFailed is reported when the server handler failed
	ProgressFailed = -100
	// ProgressSent is a request the server has not started yet
	ProgressSent = 0
	// ProgressStart is reported when the server picks the request up
	ProgressStart = 1
	// ProgressSuccess is reported just before the reply is sent
	ProgressSuccess = 100
)

// ProgressTopic names the topic carrying session progress for service
func ProgressTopic(service string) string { return service + "/progress" }

// CommandTopic names the topic carrying client commands for service
func CommandTopic(service string) string { return service + "/command" }

// Progress is one progress report. It is published correlated to the request
// sample that opened the session.
type Progress[P any] struct {
	Mark int `json:"mark"`
	Data *P  `json:"data,omitempty"`
}

// CommandKind identifies a client command
type CommandKind int

const (
	// CommandCancel asks the server to stop working on a session
	CommandCancel CommandKind = iota + 1
)

// Command is sent by a client about one of its sessions, correlated to the
// request sample that opened it
type Command struct {
	Kind CommandKind `json:"kind"`
}

// sessionState of a server session; it leaves sessionRunning once
const (
	sessionRunning int32 = iota
	sessionCancelled
	sessionDone
)
