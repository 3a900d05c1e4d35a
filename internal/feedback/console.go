package feedback

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console renders events as plain lines for the terminal game
type Console struct {
	mutex sync.Mutex
	out   io.Writer
}

// NewConsole creates a console renderer writing to out
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

var kindPrefix = map[Kind]string{
	KindSuccess: "[ok]",
	KindError:   "[error]",
	KindVictory: "[victory]",
	KindInfo:    "[info]",
}

func (c *Console) Render(ev Event) {
	var line string
	switch ev.Type {
	case EventToast:
		if ev.Toast == nil {
			return
		}
		line = fmt.Sprintf("%s %s", kindPrefix[ev.Toast.Kind], ev.Toast.Message)
	case EventCelebration:
		if ev.Celebrating != nil && *ev.Celebrating {
			line = "*** confetti ***"
		}
	case EventState:
		if s, ok := ev.Payload.(fmt.Stringer); ok {
			line = s.String()
		}
	}
	if line == "" {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	fmt.Fprintln(c.out, strings.TrimSpace(line))
}

// Meter draws a level bar such as "[#####.....] 50%"
func Meter(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent)
}
