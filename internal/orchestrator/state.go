package orchestrator

import (
	"time"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// State is the lifecycle of the active conversation's window.
type State string

const (
	StateEmpty      State = "empty"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateRefreshing State = "refreshing"
)

// View is the read model handed to the UI. It is always a copy of the cached
// window; mutating it has no effect on the engine.
type View struct {
	Key          domain.ConversationKey
	State        State
	Messages     []domain.Message
	HasMoreOlder bool
	HasMoreNewer bool
	Loading      bool
	LoadingOlder bool
	LoadingNewer bool
	// Err is the user-visible message of the last failed load, empty after a
	// successful one.
	Err         string
	LastUpdated time.Time
}

func (v View) clone() View {
	v.Messages = domain.CloneMessages(v.Messages)
	return v
}
