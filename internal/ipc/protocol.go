package ipc

// Request is one JSON line sent to the running daemon.
type Request struct {
	Command string `json:"command"`
	Arg     string `json:"arg,omitempty"`
}

// Response is the single JSON line written back.
type Response struct {
	OK         bool   `json:"ok"`
	State      string `json:"state,omitempty"`
	Session    string `json:"session,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Activation string `json:"activation,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}
