package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	// Zstd asks the server to compress chunk frames.
	Zstd     bool `json:"zstd,omitempty"`
	MaxQueue int  `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type               string             `json:"type"`
	ProtocolVersion    string             `json:"protocol_version"`
	SessionID          string             `json:"session_id"`
	WorldParams        WorldParams        `json:"world_params"`
	ServerCapabilities ServerCapabilities `json:"server_capabilities"`
}

type WorldParams struct {
	ChunkSize    int    `json:"chunk_size"`
	ColumnHeight int    `json:"column_height"`
	Seed         int64  `json:"seed"`
	Mode         string `json:"mode"`
}

type ServerCapabilities struct {
	Zstd bool `json:"zstd,omitempty"`
}

// REQUEST_COLUMN (client -> server). Key is the column key (y = 0 chunk).
type RequestColumnMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Key             int64  `json:"key"`
}

// COLUMN_DONE (server -> client) follows the last chunk frame of a column.
type ColumnDoneMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Key             int64  `json:"key"`
	Chunks          int    `json:"chunks"`
}

// SET_BLOCK (client -> server)
type SetBlockMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Pos             [3]int `json:"pos"`
	Block           int32  `json:"block"`
}

// BLOCK_EDITS (server -> client) carries edits for one chunk.
type BlockEditsMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Key             int64       `json:"key"`
	Edits           []BlockEdit `json:"edits"`
}

type BlockEdit struct {
	Pos   [3]int `json:"pos"`
	Block int32  `json:"block"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
	Key             int64  `json:"key,omitempty"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
