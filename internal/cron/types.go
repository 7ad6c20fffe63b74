package cron

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// Messages of maintenance jobs. They are handled by the gateway itself and
// never reach an agent.
const (
	InternalPrefix            = "__internal:"
	InternalStorageCheckpoint = "__internal:storage:checkpoint"
	InternalVectorGC          = "__internal:vector:gc"
)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload is what a job does when it fires: ask Agent the Message and, with
// Deliver set, send the answer to Channel/To.
type Payload struct {
	Message string `json:"message"`
	Agent   string `json:"agent,omitempty"`
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// IsInternal reports whether the payload is a maintenance job.
func (p Payload) IsInternal() bool {
	return strings.HasPrefix(p.Message, InternalPrefix)
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:             uuid.NewString(),
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		CreatedAtMs:    time.Now().UnixMilli(),
		DeleteAfterRun: schedule.Kind == KindAt,
	}
}
