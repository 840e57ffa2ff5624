package creator

import (
	"log"
	"strings"
	"time"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/dnswlt/catalog-creator/internal/metrics"
	"github.com/dnswlt/catalog-creator/internal/policy"
	"github.com/google/uuid"
)

type stage string

const (
	stageIdle       stage = "idle"
	stageMerging    stage = "merging"
	stageAssembling stage = "assembling"
	stageSubmitting stage = "submitting"
	stageSucceeded  stage = "succeeded"
	stageFailed     stage = "failed"
)

type failureCategory string

const (
	failureInvalidURL      failureCategory = "invalid-url"
	failureNoEntities      failureCategory = "no-entities"
	failureConflict        failureCategory = "conflict"
	failureUnsupportedHost failureCategory = "unsupported-host"
	failureSubmit          failureCategory = "submit"
)

// publicMessages are the only failure messages shown to users.
// Underlying errors are logged, never returned.
var publicMessages = map[failureCategory]string{
	failureInvalidURL:      "invalid repository URL",
	failureNoEntities:      "no entities to submit",
	failureConflict:        "Could not create a pull request, it may already exist.",
	failureUnsupportedHost: "unsupported repository host",
	failureSubmit:          "Could not create a pull request, it may already exist.",
}

func publicMessage(c failureCategory) string {
	if msg, ok := publicMessages[c]; ok {
		return msg
	}
	return "Could not create a pull request."
}

// attempt tracks a single submission through its stages.
type attempt struct {
	id      string
	stage   stage
	start   time.Time
	metrics *metrics.Metrics
}

func (p *Pipeline) newAttempt() *attempt {
	return &attempt{
		id:      uuid.NewString(),
		stage:   stageIdle,
		start:   time.Now(),
		metrics: p.opts.Metrics,
	}
}

func (a *attempt) enter(s stage) {
	log.Printf("submission %s: %s -> %s", a.id, a.stage, s)
	a.metrics.ObserveStageTransition(string(a.stage), string(s))
	a.stage = s
}

func (a *attempt) done(status *api.Status) *api.Status {
	a.metrics.ObserveSubmit(string(status.Severity), time.Since(a.start))
	return status
}

func (a *attempt) succeed(url string) *api.Status {
	a.enter(stageSucceeded)
	log.Printf("submission %s: created pull request %s", a.id, url)
	return a.done(&api.Status{
		Message:  "created a pull request",
		Severity: api.SeveritySuccess,
		URL:      url,
	})
}

func (a *attempt) fail(c failureCategory, err error) *api.Status {
	log.Printf("submission %s failed (%s): %v", a.id, c, err)
	a.enter(stageFailed)
	return a.done(api.ErrorStatus(publicMessage(c)))
}

func (a *attempt) reject(violations []policy.Violation) *api.Status {
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.String()
	}
	log.Printf("submission %s rejected by policies: %s", a.id, strings.Join(msgs, "; "))
	a.enter(stageFailed)
	return a.done(api.ErrorStatus(strings.Join(msgs, "\n")))
}

// abort records an unexpected failure that is returned to the caller as an error.
func (a *attempt) abort(err error) {
	log.Printf("submission %s aborted: %v", a.id, err)
	a.enter(stageFailed)
	a.metrics.ObserveSubmit("aborted", time.Since(a.start))
}
