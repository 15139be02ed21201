// Package protocol defines the message envelope and the newline-delimited
// JSON codec shared between client and server.
package protocol

// Message type tags carried on the wire.
const (
	TypeRegister        = "REGISTER"
	TypeRegisterSuccess = "REGISTER_SUCCESS"
	TypeRegisterFail    = "REGISTER_FAIL"
	TypeCreateRoom      = "CREATE_ROOM"
	TypeRoomCreated     = "ROOM_CREATED"
	TypeJoinRoom        = "JOIN_ROOM"
	TypeJoinSuccess     = "JOIN_SUCCESS"
	TypeUserJoined      = "USER_JOINED"
	TypeLeaveRoom       = "LEAVE_ROOM"
	TypeUserLeft        = "USER_LEFT"
	TypeAudioData       = "AUDIO_DATA"
	TypePing            = "PING"
	TypePong            = "PONG"
	TypeGoodbye         = "GOODBYE"
	TypeError           = "ERROR"
)

// Reply texts reused across handlers.
const (
	TextUsernameTaken = "Username already taken or invalid"
	TextAlreadyInRoom = "Already in a room"
	TextBadRoom       = "Invalid room ID or password"
	TextNotRegistered = "Register first"
)

// Message is the tagged envelope for every record on the wire. Only the
// fields relevant to a given type are populated.
type Message struct {
	Type     string   `json:"type"`
	Username string   `json:"username,omitempty"` // REGISTER, USER_JOINED, USER_LEFT
	Text     string   `json:"message,omitempty"`  // REGISTER_FAIL, ERROR
	RoomID   string   `json:"room_id,omitempty"`  // room operations and broadcasts
	Password string   `json:"password,omitempty"` // CREATE_ROOM, JOIN_ROOM
	Users    []string `json:"users,omitempty"`    // JOIN_SUCCESS, USER_JOINED, USER_LEFT
	From     string   `json:"from,omitempty"`     // relayed AUDIO_DATA sender
	Data     string   `json:"data,omitempty"`     // base64 PCM payload
}
