package approval

// ProcessInfo represents a single process in the process chain.
type ProcessInfo struct {
	Name string `json:"name"`
	PID  uint32 `json:"pid"`
}

// SenderInfo contains information about the process that asked.
type SenderInfo struct {
	Sender       string        `json:"sender"`                  // D-Bus unique name (":1.123")
	PID          uint32        `json:"pid"`                     // Process ID
	UID          uint32        `json:"uid"`                     // User ID
	Invoker      string        `json:"invoker"`                 // First non-shell program in the chain; PID is its pid
	ProcessChain []ProcessInfo `json:"process_chain,omitempty"` // Full process chain from requestor to init
}
