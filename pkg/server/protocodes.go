package server

const (
	// CommandMarker prefixes every command line. Anything else is broadcast.
	CommandMarker = "/"

	// Client commands
	// SetNicknameCmd `/setnickname <name>` sets the sender's display name, exactly one argument
	SetNicknameCmd = "/setnickname"
	// !Client commands

	// Command responses
	RplOk = "ok\n"
	// !Command responses

	// Error responses
	ErrInvalidCommand = "invalid args or no match pattern\n"
	// !Error responses

	// broadcastFormat renders "<name>: <text>". text keeps its trailing newline.
	broadcastFormat = "%s: %s"
)
