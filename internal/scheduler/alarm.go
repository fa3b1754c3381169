package scheduler

import (
	"sync"
	"time"
)

// Alarm is a single-shot wake primitive. Arming replaces any pending wake;
// at most one wake is outstanding at a time.
type Alarm interface {
	Arm(at time.Time)
	Disarm()
}

// AlarmFactory builds the alarm of one shard. fire must not block.
type AlarmFactory func(shardKey string, fire func()) Alarm

type timerAlarm struct {
	mu    sync.Mutex
	timer *time.Timer
	fire  func()
}

// NewTimerAlarm returns an Alarm backed by time.AfterFunc.
func NewTimerAlarm(_ string, fire func()) Alarm {
	return &timerAlarm{fire: fire}
}

func (a *timerAlarm) Arm(at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, a.fire)
}

func (a *timerAlarm) Disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
