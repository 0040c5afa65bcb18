package builtin

import (
	"context"
	"time"

	"github.com/jllopis/avva/pkg/skills"
)

// Clock tells the time.
type Clock struct {
	now func() time.Time
}

// NewClock creates the clock skill. A nil now uses time.Now.
func NewClock(now func() time.Time) Clock {
	if now == nil {
		now = time.Now
	}
	return Clock{now: now}
}

func (Clock) Describe() skills.Manifest {
	return skills.Manifest{
		Name:       "clock",
		EntryPoint: "clock",
		Intents: skills.Intents{
			Static: skills.Templates{
				{Key: "what time is it", Call: "get_time()"},
				{Key: "current time", Call: "get_time()"},
				{Key: "what's the time", Call: "get_time()"},
				{Key: "what day is it", Call: "get_date()"},
				{Key: "today's date", Call: "get_date()"},
				{Key: "what is the date", Call: "get_date()"},
			},
		},
		Tools: map[string]skills.ToolSpec{
			"get_time": {Description: "Get the current clock time."},
			"get_date": {Description: "Get today's date including the day of the week."},
		},
	}
}

func (c Clock) Bind() map[string]skills.ToolFunc {
	return map[string]skills.ToolFunc{
		"get_time": func(context.Context, skills.Input) (any, error) {
			return "The current time is " + c.now().Format("03:04 PM") + ".", nil
		},
		"get_date": func(context.Context, skills.Input) (any, error) {
			return "Today is " + c.now().Format("Monday, January 02, 2006") + ".", nil
		},
	}
}
