package playback

// Observer receives per-utterance speaker notifications from the
// [Scheduler]. Calls arrive on the scheduler's dispatch goroutine in playback
// order; implementations must not block and must not call
// [Scheduler.Cleanup] or [Scheduler.Close].
type Observer interface {
	// OnSpeakerStart fires when the utterance becomes audible.
	OnSpeakerStart(speakerID string)

	// OnSpeakerEnd fires exactly once when the utterance reaches a terminal
	// state, whether it played, failed or was cancelled.
	OnSpeakerEnd(speakerID string)
}

// ObserverFuncs adapts a pair of functions to [Observer]. Nil fields are
// skipped.
type ObserverFuncs struct {
	Start func(speakerID string)
	End   func(speakerID string)
}

// OnSpeakerStart implements [Observer].
func (f ObserverFuncs) OnSpeakerStart(id string) {
	if f.Start != nil {
		f.Start(id)
	}
}

// OnSpeakerEnd implements [Observer].
func (f ObserverFuncs) OnSpeakerEnd(id string) {
	if f.End != nil {
		f.End(id)
	}
}

type multiObserver []Observer

func (m multiObserver) OnSpeakerStart(id string) {
	for _, o := range m {
		o.OnSpeakerStart(id)
	}
}

func (m multiObserver) OnSpeakerEnd(id string) {
	for _, o := range m {
		o.OnSpeakerEnd(id)
	}
}

// Broadcast returns an Observer that forwards to every non-nil observer in
// order. It returns nil when none remain.
func Broadcast(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	default:
		return m
	}
}

var (
	_ Observer = ObserverFuncs{}
	_ Observer = multiObserver(nil)
)
