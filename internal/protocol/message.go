// Package protocol defines the JSON wire messages exchanged with chat room
// clients. Every frame is a JSON object with a required Type field; the
// server stamps a numeric Time field on everything it sends.
package protocol

// Inbound message types recognised by the dispatcher. Anything else is
// silently ignored.
const (
	TypeSetNickName           = "SetNickName"
	TypeGetNickNames          = "GetNickNames"
	TypeGetAvailableNickNames = "GetAvailableNickNames"
	TypeGetUsers              = "GetUsers"
	TypeTell                  = "Tell"
)

// Outbound message types.
const (
	TypeSetNickNameResult  = "SetNickNameResult"
	TypeNickNames          = "NickNames"
	TypeAvailableNickNames = "AvailableNickNames"
	TypeUsers              = "Users"
	TypeJoin               = "Join"
	TypeLeave              = "Leave"
	TypeAward              = "Award"
	TypePenalty            = "Penalty"
)

// QuizBotName is the sender name stamped on engine-posted quiz questions.
const QuizBotName = "MathBot2000"

// Inbound is the decoded form of a client frame. Missing fields keep their
// zero values; unknown fields are dropped.
type Inbound struct {
	Type     string `json:"Type"`
	NickName string `json:"NickName"`
	Tell     string `json:"Tell"`
}

// UserEntry is one element of the Users reply.
type UserEntry struct {
	Nickname string `json:"Nickname"`
	Points   int    `json:"Points"`
}

// Object is one outbound wire message under construction. Envelopes are
// sparse: a field is present on the wire only when it was set, while
// zero-valued fields that were set (Time 0.0, Success false) still appear.
// encoding/json emits map keys in sorted order, so frames are deterministic.
type Object map[string]any

// New starts an envelope of the given type.
func New(typ string) Object {
	return Object{"Type": typ}
}

// Set adds one field and returns the envelope for chaining.
func (o Object) Set(key string, value any) Object {
	o[key] = value
	return o
}
