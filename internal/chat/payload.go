package chat

import "encoding/json"

// createRoomPayload is the input of a create_room job. The sender
// identity travels in the payload so the handler never depends on the
// signed-in session at run time.
type createRoomPayload struct {
	SenderAccountID string `json:"sender_account_id"`
	SenderNumber    string `json:"sender_number"`
	ReceiverNumber  string `json:"receiver_number"`
	ReceiverName    string `json:"receiver_name,omitempty"`
	ReceiverPhoto   string `json:"receiver_photo,omitempty"`
	LocalRoomID     string `json:"local_room_id"`
	RoomCreatedAt   int64  `json:"room_created_at"`
}

// createRoomResult is what a create_room job leaves behind: the room
// the conversation actually lives in, which may differ from the
// provisional local id.
type createRoomResult struct {
	RoomID string `json:"room_id"`
}

// appendMessagePayload is the input of an append_message job. RoomID
// is the room at enqueue time; the handler re-resolves through the
// receiver number in case a migration moved the conversation since.
type appendMessagePayload struct {
	SenderAccountID string `json:"sender_account_id"`
	SenderNumber    string `json:"sender_number"`
	ReceiverNumber  string `json:"receiver_number"`
	RoomID          string `json:"room_id"`
	MessageID       int    `json:"message_id"`
}

type appendMessageResult struct {
	RoomID    string `json:"room_id"`
	MessageID int    `json:"message_id"`
}

func encode(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func decode(data string, v any) error {
	return json.Unmarshal([]byte(data), v)
}
