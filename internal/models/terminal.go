package models

// MessageType tags every frame of the interactive terminal protocol.
type MessageType string

const (
	// client -> server
	MsgInit  MessageType = "init"
	MsgStdin MessageType = "stdin"

	// server -> client
	MsgStdout       MessageType = "stdout"
	MsgStderr       MessageType = "stderr"
	MsgCompileError MessageType = "compile_error"
	MsgExit         MessageType = "exit"
	MsgError        MessageType = "error"
)

// ClientMessage is any frame a terminal client may send.
type ClientMessage struct {
	Type  MessageType     `json:"type"`
	Files []SubmittedFile `json:"files,omitempty"`
	Data  string          `json:"data,omitempty"`
}

// ServerMessage is any frame the server sends. Code is a pointer so that
// exit(0) is still serialized.
type ServerMessage struct {
	Type    MessageType `json:"type"`
	Data    string      `json:"data,omitempty"`
	Code    *int        `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func Stdout(data string) ServerMessage { return ServerMessage{Type: MsgStdout, Data: data} }

func Stderr(data string) ServerMessage { return ServerMessage{Type: MsgStderr, Data: data} }

func CompileError(data string) ServerMessage {
	return ServerMessage{Type: MsgCompileError, Data: data}
}

func Exit(code int) ServerMessage { return ServerMessage{Type: MsgExit, Code: &code} }

func Error(message string) ServerMessage { return ServerMessage{Type: MsgError, Message: message} }
