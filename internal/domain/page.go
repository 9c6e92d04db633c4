package domain

// Direction selects which side of a cursor a history fetch reads.
type Direction string

const (
	// Older fetches messages sent before the cursor.
	Older Direction = "older"
	// Newer fetches messages sent after the cursor.
	Newer Direction = "newer"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d == Older || d == Newer }

// Cursors holds the opaque continuation tokens of a window. Next continues
// towards older messages, Previous towards newer ones. An empty token means
// there is no further page in that direction.
type Cursors struct {
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// FetchOptions parameterizes a history fetch. An empty Cursor reads from the
// newest end of the conversation.
type FetchOptions struct {
	PageSize  int
	Cursor    string
	Direction Direction
}

// Page is one history fetch result. Messages are ordered newest first.
type Page struct {
	Messages        []Message `json:"messages"`
	TotalCount      int64     `json:"total_count"`
	HasNextPage     bool      `json:"has_next_page"`
	HasPreviousPage bool      `json:"has_previous_page"`
	NextCursor      string    `json:"next_cursor,omitempty"`
	PreviousCursor  string    `json:"previous_cursor,omitempty"`
}
