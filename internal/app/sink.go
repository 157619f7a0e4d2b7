package app

import (
	"context"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// wailsSink forwards core events to the frontend over the Wails event
// bus.
type wailsSink struct {
	ctx context.Context
}

func (s *wailsSink) Emit(event string, payload any) {
	runtime.EventsEmit(s.ctx, event, payload)
}
