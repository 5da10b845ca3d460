package protocol

import "fmt"

// HTTP surface of the configuration server.
const (
	HeartbeatPath = "/Agent/HeartBeat"
	FetchPath     = "/Agent/FetchPipelineConfig"
	ContentType   = "application/x-protobuf"
)

// CheckStatus is the server's verdict for one named configuration.
type CheckStatus int32

const (
	StatusUnchanged CheckStatus = iota
	StatusNew
	StatusDeleted
	StatusModified
)

func (s CheckStatus) String() string {
	switch s {
	case StatusUnchanged:
		return "UNCHANGED"
	case StatusNew:
		return "NEW"
	case StatusDeleted:
		return "DELETED"
	case StatusModified:
		return "MODIFIED"
	default:
		return fmt.Sprintf("CheckStatus(%d)", int32(s))
	}
}

// RespCode is the application-level result carried in responses.
type RespCode int32

const (
	RespAccept RespCode = iota
	RespInvalidParameter
	RespInternalError
)

// ConfigInfo identifies one configuration at a version.
type ConfigInfo struct {
	Name    string
	Version int64
	Context string
}

// ConfigCheckResult describes one configuration's status for the current poll.
// It only lives for the duration of a heartbeat/fetch cycle.
type ConfigCheckResult struct {
	Name       string
	OldVersion int64
	NewVersion int64
	Status     CheckStatus
	Context    string
}

// ConfigDetail carries the full body of a NEW or MODIFIED configuration.
type ConfigDetail struct {
	Name    string
	Version int64
	Context string
	Detail  []byte
}

// HeartbeatRequest announces the agent and the versions it currently holds.
type HeartbeatRequest struct {
	RequestID       string
	AgentID         string
	AgentType       string
	Hostname        string
	IP              string
	Tags            []string
	RunningStatus   string
	StartupTime     int64
	Interval        int32
	PipelineConfigs []ConfigInfo
}

// HeartbeatResponse lists the server's verdicts. RequestID must echo the request.
type HeartbeatResponse struct {
	RequestID            string
	Code                 RespCode
	Message              string
	PipelineCheckResults []ConfigCheckResult
}

// FetchRequest asks for the bodies of the listed configurations.
type FetchRequest struct {
	RequestID  string
	AgentID    string
	ReqConfigs []ConfigInfo
}

// FetchResponse returns the requested bodies. RequestID must echo the request.
type FetchResponse struct {
	RequestID     string
	Code          RespCode
	Message       string
	ConfigDetails []ConfigDetail
}
