package server

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/alumni-forum/internal/types"
)

func encodeMessage(msg types.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// closeMessage builds the close frame sent when the server ends a
// websocket feed.
func closeMessage(reason CloseReason) []byte {
	code := websocket.CloseNormalClosure
	switch reason {
	case ReasonShutdown:
		code = websocket.CloseGoingAway
	case ReasonSlowConsumer:
		code = websocket.ClosePolicyViolation
	case ReasonIdle:
		code = websocket.CloseGoingAway
	case ReasonRoomDeleted:
		code = websocket.CloseNormalClosure
	}
	return websocket.FormatCloseMessage(code, reason.String())
}
