package feedback

import "time"

// Kind classifies a user-facing notification
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindVictory Kind = "victory"
	KindInfo    Kind = "info"
)

// Request is a short-lived notification produced by the game
type Request struct {
	Kind     Kind      `json:"type"`
	Message  string    `json:"message"`
	IssuedAt time.Time `json:"issued_at"`
}

// Surface is what the game drives. Display must auto-dismiss on its own.
type Surface interface {
	Display(req Request)
	TriggerCelebration()
	CancelCelebration()
}

// EventType names the events pushed to renderers
type EventType string

const (
	EventToast          EventType = "toast"
	EventToastDismissed EventType = "toast_dismissed"
	EventCelebration    EventType = "celebration"
	EventState          EventType = "state"
	EventLevel          EventType = "level"
)

// Event is one update for a renderer
type Event struct {
	Type        EventType `json:"type"`
	Toast       *Request  `json:"toast,omitempty"`
	Celebrating *bool     `json:"celebrating,omitempty"`
	Payload     any       `json:"payload,omitempty"`
}

// Renderer presents events, for example on a terminal or over a websocket
type Renderer interface {
	Render(ev Event)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(ev Event)

func (f RendererFunc) Render(ev Event) { f(ev) }

// Fanout sends every event to each renderer in order
type Fanout []Renderer

func (f Fanout) Render(ev Event) {
	for _, r := range f {
		r.Render(ev)
	}
}
