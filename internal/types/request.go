package types

// Channel tags the surface a task arrived on. Channel handlers themselves
// live outside the core; the core only routes results back by tag.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelWeb   Channel = "web"
)

// TaskRequest is the inbound contract from channel collaborators.
type TaskRequest struct {
	OwnerID string  `json:"owner_id"`
	Origin  string  `json:"origin"` // reply address on the origin channel
	Subject string  `json:"subject,omitempty"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TaskResult is the outbound contract returned to channel collaborators.
type TaskResult struct {
	TaskID   string         `json:"task_id"`
	Success  bool           `json:"success"`
	Status   TaskStatus     `json:"status"`
	Response string         `json:"response"`
	Results  []ActionResult `json:"results,omitempty"`
	Error    string         `json:"error,omitempty"`
}
