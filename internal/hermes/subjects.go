package hermes

import "strings"

// SessionPrefix roots every per-session subject: loom.session.<id>.<kind>.
const SessionPrefix = "loom.session"

// Inbound kinds.
const (
	KindText       = "text"
	KindTranscript = "transcript"
	KindCommand    = "command"
	KindCard       = "card"
)

// Outbound kinds.
const (
	KindChat       = "chat"
	KindChatUpdate = "chat.update"
	KindTree       = "tree"
	KindState      = "state"
	KindAudio      = "audio"
	KindAudioFlush = "audio.flush"
)

// SessionSubject builds the subject for one session and kind.
func SessionSubject(sessionID, kind string) string {
	return SessionPrefix + "." + sessionID + "." + kind
}

// SessionWildcard matches kind across all sessions.
func SessionWildcard(kind string) string {
	return SessionPrefix + ".*." + kind
}

// ParseSessionSubject splits a session subject into its id and kind.
func ParseSessionSubject(subject string) (sessionID, kind string, ok bool) {
	rest, found := strings.CutPrefix(subject, SessionPrefix+".")
	if !found {
		return "", "", false
	}
	sessionID, kind, found = strings.Cut(rest, ".")
	if !found || sessionID == "" || kind == "" {
		return "", "", false
	}
	return sessionID, kind, true
}

// TextMessage is a typed chat message.
type TextMessage struct {
	Text        string `json:"text"`
	Participant string `json:"participant,omitempty"`
}

// TranscriptMessage is a speech-to-text segment. Only final segments are
// acted on.
type TranscriptMessage struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// CommandMessage carries a client command, e.g.
// {"data":{"command":"rgen","arg":"<node id>"}}. Text is only read by edit.
type CommandMessage struct {
	Data struct {
		Command string `json:"command"`
		Arg     string `json:"arg"`
		Text    string `json:"text,omitempty"`
	} `json:"data"`
}

const (
	CommandRegenerate = "rgen"
	CommandSelect     = "select"
	CommandTree       = "tree"
	CommandEdit       = "edit"
	CommandDelete     = "delete"
	CommandRestore    = "restore"
)

// CardMessage loads a character card into a session.
type CardMessage struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Prompt           string   `json:"prompt"`
	StartingMessages []string `json:"starting_messages"`
	Voice            string   `json:"voice,omitempty"`
	BaseModel        string   `json:"base_model,omitempty"`
	Intro            string   `json:"intro,omitempty"`
}

// StateMessage reports the agent's state: listening, thinking or speaking.
type StateMessage struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}
