package voice

type State int

const (
	Idle State = iota
	Listening
	Awake
	Transcribing
	Responding
	Speaking
)

var stateNames = [...]string{
	Idle:         "idle",
	Listening:    "listening",
	Awake:        "awake",
	Transcribing: "transcribing",
	Responding:   "responding",
	Speaking:     "speaking",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
