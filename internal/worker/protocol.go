package worker

import (
	"encoding/json"

	"github.com/cadenza-ai/cadenza/internal/job"
)

// Dispatch protocol message types, tagged by "type". One JSON message per
// websocket frame, strictly ordered per direction.
const (
	msgRegister             = "register"
	msgRegistered           = "registered"
	msgAvailability         = "availability"
	msgAvailabilityResponse = "availability_response"
	msgAssignment           = "assignment"
	msgJobUpdate            = "job_update"
	msgWorkerStatus         = "worker_status"
	msgTermination          = "termination"
)

// dispatchMessage is the wire shape of every dispatch-server exchange.
type dispatchMessage struct {
	Type string `json:"type"`

	// register / registered
	AgentName string `json:"agent_name,omitempty"`
	Version   string `json:"version,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`

	// availability / assignment
	Job   *job.Job `json:"job,omitempty"`
	Token string   `json:"token,omitempty"`
	URL   string   `json:"url,omitempty"`

	// availability_response / job_update / termination
	JobID     string `json:"job_id,omitempty"`
	Available bool   `json:"available,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`

	// worker_status
	Load     float64 `json:"load,omitempty"`
	Draining bool    `json:"draining,omitempty"`
}

func encodeMessage(m dispatchMessage) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (dispatchMessage, error) {
	var m dispatchMessage
	err := json.Unmarshal(data, &m)
	return m, err
}
