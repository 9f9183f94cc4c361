package types

// Model represents a loadable upscaling model.
type Model struct {
	// Stable identifier for the model (weight file basename or builtin label).
	// example: anime-4x
	ID string `json:"id" example:"anime-4x"`
	// Human-friendly name.
	// example: anime-4x (custom weights)
	Name string `json:"name" example:"anime-4x (custom weights)"`
	// Absolute path to the weight file on disk. Empty for builtin models.
	// example: /home/user/models/anime-4x.rsw
	Path string `json:"path,omitempty" example:"/home/user/models/anime-4x.rsw"`
	// True for models compiled into the binary (no weight file).
	Builtin bool `json:"builtin,omitempty"`
}

// JobState is the lifecycle state of an asynchronous upscale job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final (no further transitions).
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}
