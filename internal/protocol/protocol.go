// Package protocol defines the JSON messages exchanged with viewers over
// the session gateway. Every message is a flat object tagged with "type";
// project-scoped messages carry "project". The vocabulary is a closed set:
// the gateway dispatches by exhaustive switch, never by property probing.
package protocol

// Viewer → daemon.
const (
	MsgStartClaude        = "start-claude"
	MsgSendCommand        = "send-command"
	MsgStartNetlify       = "start-netlify"
	MsgStopClaude         = "stop-claude"
	MsgStopCurrentCommand = "stop-current-command"
	MsgStopNetlify        = "stop-netlify"
	MsgGetProjectState    = "get-project-state"
)

// Daemon → viewers.
const (
	MsgClaudeStarted  = "claude-started"
	MsgClaudeStopped  = "claude-stopped"
	MsgClaudeOutput   = "claude-output"
	MsgQueueUpdate    = "queue-update"
	MsgNetlifyStarted = "netlify-started"
	MsgNetlifyStopped = "netlify-stopped"
	MsgNetlifyOutput  = "netlify-output"
	MsgPreviewURL     = "preview-url"
	MsgFileChanged    = "file-changed"
	MsgProjectState   = "project-state"
)

// Attachment is one file sent along with a command. Data is base64.
type Attachment struct {
	Name    string `json:"name"`
	Data    string `json:"data"`
	IsImage bool   `json:"isImage"`
}

// Inbound is the union of all viewer messages. Fields beyond Type and
// Project are only meaningful for the message types that declare them.
type Inbound struct {
	Type    string       `json:"type"`
	Project string       `json:"project,omitempty"`
	Command string       `json:"command,omitempty"` // send-command
	Files   []Attachment `json:"files,omitempty"`   // send-command
}

// Outbound is the union of all daemon messages. Constructors below build
// each variant; omitempty keeps the wire format flat and sparse.
type Outbound struct {
	Type    string   `json:"type"`
	Project string   `json:"project,omitempty"`
	Data    string   `json:"data,omitempty"`
	Queue   []string `json:"queue,omitempty"`
	URL     string   `json:"url,omitempty"`
	Event   string   `json:"event,omitempty"`
	File    string   `json:"file,omitempty"`

	// project-state payload
	ClaudeReady    *bool `json:"claudeReady,omitempty"`
	NetlifyRunning *bool `json:"netlifyRunning,omitempty"`
	VitePort       *int  `json:"vitePort,omitempty"`
	NetlifyPort    *int  `json:"netlifyPort,omitempty"`
	QueueLength    *int  `json:"queueLength,omitempty"`
}

func ClaudeStarted(project string) Outbound {
	return Outbound{Type: MsgClaudeStarted, Project: project}
}

func ClaudeStopped(project string) Outbound {
	return Outbound{Type: MsgClaudeStopped, Project: project}
}

func ClaudeOutput(project, data string) Outbound {
	return Outbound{Type: MsgClaudeOutput, Project: project, Data: data}
}

func QueueUpdate(project string, queue []string) Outbound {
	if queue == nil {
		queue = []string{}
	}
	return Outbound{Type: MsgQueueUpdate, Project: project, Queue: queue}
}

func NetlifyStarted(project string) Outbound {
	return Outbound{Type: MsgNetlifyStarted, Project: project}
}

func NetlifyStopped(project string) Outbound {
	return Outbound{Type: MsgNetlifyStopped, Project: project}
}

func NetlifyOutput(project, data string) Outbound {
	return Outbound{Type: MsgNetlifyOutput, Project: project, Data: data}
}

func PreviewURL(project, url string) Outbound {
	return Outbound{Type: MsgPreviewURL, Project: project, URL: url}
}

func FileChanged(project, event, file string) Outbound {
	return Outbound{Type: MsgFileChanged, Project: project, Event: event, File: file}
}

// State is the replayable view of one project.
type State struct {
	ClaudeReady    bool
	NetlifyRunning bool
	VitePort       int
	NetlifyPort    int
	QueueLength    int
}

func ProjectState(project string, st State) Outbound {
	return Outbound{
		Type:           MsgProjectState,
		Project:        project,
		ClaudeReady:    &st.ClaudeReady,
		NetlifyRunning: &st.NetlifyRunning,
		VitePort:       &st.VitePort,
		NetlifyPort:    &st.NetlifyPort,
		QueueLength:    &st.QueueLength,
	}
}
