package protocol

// RequestType identifies a control-channel operation.
type RequestType string

const (
	RequestDeploy   RequestType = "deploy"
	RequestStart    RequestType = "start"
	RequestStop     RequestType = "stop"
	RequestRestart  RequestType = "restart"
	RequestRollback RequestType = "rollback"
	RequestStatus   RequestType = "status"
	RequestSync     RequestType = "sync"
)

// Code is the result discriminator carried by every response.
type Code string

const (
	CodeOK            Code = "ok"
	CodeAuth          Code = "auth_error"
	CodeManifest      Code = "manifest_error"
	CodeExtract       Code = "extract_error"
	CodeBuild         Code = "build_error"
	CodeProvision     Code = "provision_error"
	CodeHealthTimeout Code = "health_check_timeout"
	CodeSpawn         Code = "process_spawn_error"
	CodeRollback      Code = "rollback_error"
	CodeNotFound      Code = "not_found"
	CodeBusy          Code = "operation_in_progress"
	CodeInternal      Code = "internal_error"
)

// Request is the single message type the CLI sends after the TLS handshake.
// Fields beyond ID/Type/Token are populated per request type.
type Request struct {
	// ID correlates the response with the request in logs.
	ID string `json:"id"`
	// Type selects the operation.
	Type RequestType `json:"type"`
	// Token is the bearer token; required for everything except the very
	// first sync against an unregistered daemon.
	Token string `json:"token,omitempty"`

	// App names the target application (all operations except sync).
	App string `json:"app,omitempty"`

	// Bundle is the tar.gz application snapshot (deploy only).
	// encoding/json transports it as base64.
	Bundle []byte `json:"bundle,omitempty"`
	// AutoHealth asks the daemon to synthesize a TCP health check against
	// run.port when the manifest carries none.
	AutoHealth bool `json:"auto_health,omitempty"`

	// DeviceName and NewToken register the operator with the daemon (sync).
	// The daemon persists only a salted hash of NewToken.
	DeviceName string `json:"device_name,omitempty"`
	NewToken   string `json:"new_token,omitempty"`
}

// Response is the daemon's answer to a Request.
type Response struct {
	ID      string `json:"id"`
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`

	Status *AppStatus  `json:"status,omitempty"`
	Device *DeviceInfo `json:"device,omitempty"`
}

// OK reports whether the response carries a success code.
func (r *Response) OK() bool { return r.Code == CodeOK }

// AppStatus is the status payload for a single application.
type AppStatus struct {
	App      string   `json:"app"`
	State    string   `json:"state"`
	Version  string   `json:"version,omitempty"`
	Versions []string `json:"versions,omitempty"`
	PID      int      `json:"pid,omitempty"`
	Port     int      `json:"port,omitempty"`
	Domain   string   `json:"domain,omitempty"`
}

// DeviceInfo describes the daemon's identity and host, returned by sync
// requests.
type DeviceInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	CPUCores    int    `json:"cpu_cores"`
	MemoryBytes uint64 `json:"memory_bytes,omitempty"`
	Docker      bool   `json:"docker"`
	Apps        []AppStatus `json:"apps,omitempty"`
}
