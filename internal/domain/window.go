package domain

import (
	"fmt"
	"time"
)

// Window: интервал выгрузки [Start, End] в целевом часовом поясе.
type Window struct {
	Start    time.Time
	End      time.Time
	Location *time.Location
}

// NewWindow создаёт окно выгрузки и переводит границы в loc.
func NewWindow(start, end time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		return Window{}, fmt.Errorf("не задан часовой пояс окна")
	}
	if end.Before(start) {
		return Window{}, fmt.Errorf("конец окна %s раньше начала %s", end, start)
	}
	return Window{Start: start.In(loc), End: end.In(loc), Location: loc}, nil
}

// Local переводит момент времени в целевой часовой пояс.
func (w Window) Local(t time.Time) time.Time {
	return t.In(w.Location)
}

// Contains сообщает, попадает ли момент в окно, границы включены.
func (w Window) Contains(t time.Time) bool {
	local := w.Local(t)
	return !local.Before(w.Start) && !local.After(w.End)
}

// OlderThanStart сообщает, что момент строго раньше начала окна.
func (w Window) OlderThanStart(t time.Time) bool {
	return w.Local(t).Before(w.Start)
}

// NewerThanEnd сообщает, что момент строго позже конца окна.
func (w Window) NewerThanEnd(t time.Time) bool {
	return w.Local(t).After(w.End)
}
