package services

import (
	"time"

	"github.com/lorrc/event-gateway/internal/core/ports"
)

// SystemClock is the real time implementation of ports.Clock.
type SystemClock struct{}

var _ ports.Clock = SystemClock{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
