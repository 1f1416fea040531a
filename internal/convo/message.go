// Package convo defines the conversation message variants the conductor
// accumulates: HumanMessage, SystemMessage, AIMessage, and FunctionMessage
// (spec.md §3 Message).
package convo

// Message is implemented by each of the four message variants. It exists
// only to let the conductor hold a single ordered slice of mixed variants;
// callers type-switch on the concrete type, not on this interface's methods.
type Message interface {
	isMessage()
}

// HumanMessage is the user's query. Its presence, scanning backward, marks
// the boundary of the Joiner's "recent messages" window (spec.md §4.6).
type HumanMessage struct {
	Text string
}

func (HumanMessage) isMessage() {}

// SystemMessage carries re-plan context from the Joiner back to the
// Planner. When it is the last message in the conversation, the Planner
// stage takes the replanner branch (spec.md §4.5).
type SystemMessage struct {
	Text string
}

func (SystemMessage) isMessage() {}

// AIMessage is either a "Thought: ..." prefix line or the terminal final
// answer. The Conductor ends the loop when the last message is an
// AIMessage (spec.md §4.7).
type AIMessage struct {
	Text string
}

func (AIMessage) isMessage() {}

// FunctionMessage is emitted once per executed task (spec.md §4.3). Idx is
// the authoritative task index; Args are the pre-resolution arguments;
// Content is the stringified tool result, or an "ERROR (...)" string.
type FunctionMessage struct {
	Name    string
	Content string
	Idx     int
	Args    any
}

func (FunctionMessage) isMessage() {}

// LastFunctionMessageIdx scans messages backward and returns the Idx of the
// most recent FunctionMessage, or 0 if none exists. Used by the replanner
// branch to continue numbering (spec.md §4.5: "continue from
// (max FunctionMessage idx) + 1").
func LastFunctionMessageIdx(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if fm, ok := messages[i].(FunctionMessage); ok {
			return fm.Idx
		}
	}
	return 0
}

// RecentWindow scans messages backward until and including the last
// HumanMessage, then returns that suffix in original order (spec.md §4.6).
// If no HumanMessage is present, the full slice is returned.
func RecentWindow(messages []Message) []Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if _, ok := messages[i].(HumanMessage); ok {
			out := make([]Message, len(messages)-i)
			copy(out, messages[i:])
			return out
		}
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// IsLastSystemMessage reports whether the last message in messages is a
// SystemMessage — the replanner-branch trigger (spec.md §4.5).
func IsLastSystemMessage(messages []Message) bool {
	if len(messages) == 0 {
		return false
	}
	_, ok := messages[len(messages)-1].(SystemMessage)
	return ok
}

// IsLastAIMessage reports whether the last message in messages is an
// AIMessage — the Conductor's loop-termination condition (spec.md §4.7).
func IsLastAIMessage(messages []Message) bool {
	if len(messages) == 0 {
		return false
	}
	_, ok := messages[len(messages)-1].(AIMessage)
	return ok
}
