package domain

// TorrentState is the lifecycle state of a streamed torrent.
type TorrentState string

const (
	StateResolving   TorrentState = "RESOLVING"
	StateStarting    TorrentState = "STARTING"
	StateDownloading TorrentState = "DOWNLOADING"
	StatePaused      TorrentState = "PAUSED"
	StateFinished    TorrentState = "FINISHED"
	StateStopped     TorrentState = "STOPPED"
	StateError       TorrentState = "ERROR"
)

// validTransitions defines the adjacency list of allowed state transitions.
var validTransitions = map[TorrentState][]TorrentState{
	StateResolving:   {StateStarting, StateStopped, StateError},
	StateStarting:    {StateDownloading, StateStopped, StateError},
	StateDownloading: {StatePaused, StateFinished, StateStopped, StateError},
	StatePaused:      {StateDownloading, StateStopped, StateError},
	StateFinished:    {StateStopped},
	StateError:       {StateStopped},
	StateStopped:     {},
}

// CanTransition reports whether a transition from one state to another is valid.
func CanTransition(from, to TorrentState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further progress can happen in this state.
func (s TorrentState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// StreamState is the state of the stream built on top of the active torrent.
type StreamState string

const (
	StreamIdle      StreamState = "IDLE"
	StreamPreparing StreamState = "PREPARING"
	StreamStreaming StreamState = "STREAMING"
	StreamStopped   StreamState = "STOPPED"
)
