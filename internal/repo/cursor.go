package repo

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// ErrInvalidCursor is returned for cursors this server did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")

// position is a keyset position in the (sent_at, id) ordering.
type position struct {
	SentAt time.Time
	ID     string
}

// EncodeCursor renders the keyset position of m as an opaque token.
func EncodeCursor(m domain.Message) string {
	raw := strconv.FormatInt(m.SentAt.UTC().UnixNano(), 10) + "|" + m.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return position{}, ErrInvalidCursor
	}
	ts, id, found := strings.Cut(string(raw), "|")
	if !found || id == "" {
		return position{}, ErrInvalidCursor
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return position{}, ErrInvalidCursor
	}
	return position{SentAt: time.Unix(0, ns).UTC(), ID: id}, nil
}
