// Package protocol defines the string framing used on discovery and room topics.
package protocol

// Kind identifies the application-level meaning of a topic message.
type Kind string

// Message kinds carried on the shared discovery topic and per-room topics.
const (
	KindRoomCreate   Kind = "room:create"        // discovery topic: peer announces it hosts a room
	KindChat         Kind = "duel:chat:message"  // room topic: chat text
	KindRefreshState Kind = "duel:refresh:state" // room topic: full game-state snapshot (JSON)
	KindPlayerJoin   Kind = "duel:player:join"   // room topic: peer announces arrival
	KindCommandExec  Kind = "duel:command:exec"  // room topic: duel command (JSON)
)

// Known reports whether k is one of the kinds this process understands.
// Unknown kinds are not an error: they are skipped for forward compatibility.
func (k Kind) Known() bool {
	switch k {
	case KindRoomCreate, KindChat, KindRefreshState, KindPlayerJoin, KindCommandExec:
		return true
	}
	return false
}

// Envelope is a decoded topic message: a kind prefix plus its raw payload.
// The payload is plain UTF-8 text for KindChat / KindPlayerJoin / KindRoomCreate
// and UTF-8 JSON for KindRefreshState / KindCommandExec.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// Text returns the payload interpreted as UTF-8 text.
func (e Envelope) Text() string {
	return string(e.Payload)
}

// VoiceTopic derives the audio topic name for a room. It exists only while a
// voice session is active and is never persisted.
func VoiceTopic(roomID string) string {
	return roomID + "/voice"
}
