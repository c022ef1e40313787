// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the presence relay.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
	InvalidMemberError  = 3002 // Member id in the query string was missing or malformed.
	InvalidRoomIDError  = 3003 // Room id in the WS URL was malformed.
)
