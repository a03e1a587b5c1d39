// Package events defines the messages pushed to a client while its job runs.
package events

import (
	"github.com/example/template-detector/internal/scanner"
)

// Name identifies an event on the push channel.
type Name string

const (
	JobStarted          Name = "job_started"
	ScanProgress        Name = "scan_progress"
	TemplateFound       Name = "template_found"
	TemplateNotFound    Name = "template_not_found"
	ProcessingError     Name = "processing_error"
	ProcessingCancelled Name = "processing_cancelled"
)

// Event is the envelope written to the websocket as {"event": ..., "data": ...}.
type Event struct {
	Name Name `json:"event"`
	Data any  `json:"data"`
}

// Terminal reports whether the event ends a job.
func (e Event) Terminal() bool {
	switch e.Name {
	case TemplateFound, TemplateNotFound, ProcessingError, ProcessingCancelled:
		return true
	}
	return false
}

type Started struct {
	JobID     string  `json:"job_id"`
	Threshold float64 `json:"threshold"`
}

type Progress struct {
	JobID       string `json:"job_id"`
	Frame       int    `json:"frame"`
	TotalFrames int    `json:"total_frames,omitempty"`
}

type Found struct {
	JobID          string  `json:"job_id"`
	Frame          int     `json:"frame"`
	ProcessingTime float64 `json:"processing_time"`
	TotalFrames    int     `json:"total_frames,omitempty"`
}

type NotFound struct {
	JobID          string  `json:"job_id"`
	TotalFrames    int     `json:"total_frames"`
	ProcessingTime float64 `json:"processing_time"`
}

type Error struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type Cancelled struct {
	JobID          string  `json:"job_id"`
	FramesExamined int     `json:"frames_examined"`
	ProcessingTime float64 `json:"processing_time"`
}

// FromOutcome maps a terminal scan outcome to the single event it produces.
func FromOutcome(jobID string, o scanner.Outcome) Event {
	seconds := o.Elapsed.Seconds()
	switch o.Status {
	case scanner.StatusFound:
		return Event{Name: TemplateFound, Data: Found{
			JobID:          jobID,
			Frame:          o.Frame,
			ProcessingTime: seconds,
			TotalFrames:    o.TotalFrames,
		}}
	case scanner.StatusNotFound:
		return Event{Name: TemplateNotFound, Data: NotFound{
			JobID:          jobID,
			TotalFrames:    o.Examined,
			ProcessingTime: seconds,
		}}
	case scanner.StatusCancelled:
		return Event{Name: ProcessingCancelled, Data: Cancelled{
			JobID:          jobID,
			FramesExamined: o.Examined,
			ProcessingTime: seconds,
		}}
	default:
		msg := o.Message()
		if msg == "" {
			msg = "scan ended without a result"
		}
		return Event{Name: ProcessingError, Data: Error{JobID: jobID, Message: msg}}
	}
}
