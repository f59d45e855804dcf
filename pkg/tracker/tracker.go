// Package tracker implements the external-task tracker (C2): it polls a
// remote task's JSON representation until terminal, normalizing log
// lines and update times, persisting each observation, and classifying
// failures into reschedule-worthy transport/store faults versus fatal
// errors (spec §4.2).
package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/log"
	"github.com/asgardops/maestro/pkg/maeerr"
	"github.com/asgardops/maestro/pkg/metrics"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/types"
)

// InitialBudget is the tick budget (one tick per second) the tracker
// grants an ordinary task before calling on-timeout (spec §4.2).
const InitialBudget = 3600

const pollInterval = time.Second

// remoteDateFormat matches "YYYY-MM-DD_HH:MM:SS" remote log lines use.
const remoteDateFormat = "2006-01-02_15:04:05"

// remoteUpdateTimeFormat matches "YYYY-MM-DD HH:MM:SS UTC".
const remoteUpdateTimeFormat = "2006-01-02 15:04:05 MST"

// Tracker polls remote tasks to terminal status on behalf of the executor.
type Tracker struct {
	provider asgard.Provider
	store    store.Store
}

func New(provider asgard.Provider, st store.Store) *Tracker {
	return &Tracker{provider: provider, store: st}
}

// Track polls task.Remote.URL once per second, persisting every
// observation, until the remote task reaches a terminal status (calling
// onComplete) or maxDuration ticks elapse (calling onTimeout). It blocks
// the calling goroutine for the duration of the poll — callers run it
// from a deployment's own serialized queue worker (spec §5).
//
// A transport or store fault reschedules silently (the budget still
// decrements); any other error is fatal and returned immediately.
func (t *Tracker) Track(ctx context.Context, depID string, task *types.Task, maxDuration int, onComplete, onTimeout func(*types.Task)) error {
	logger := log.WithTask(depID, string(task.Action))
	remaining := maxDuration
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			remaining--

			pollTimer := metrics.NewTimer()
			obs, err := t.provider.GetRemoteTask(ctx, task.Remote.URL)
			pollTimer.ObserveDuration(metrics.TrackerPollDuration)
			if err != nil {
				kind := classifyTransportError(err)
				if !maeerr.IsRetryableUpstream(maeerr.New(kind, err.Error())) {
					return maeerr.Wrap(kind, "polling remote task", err)
				}
				logger.Warn().Err(err).Msg("transient fault polling remote task, rescheduling")
				if remaining <= 0 {
					t.timeout(depID, task, onTimeout)
					return nil
				}
				continue
			}

			if err := t.observe(depID, task, obs); err != nil {
				logger.Warn().Err(err).Msg("store fault persisting observation, rescheduling")
				if remaining <= 0 {
					t.timeout(depID, task, onTimeout)
					return nil
				}
				continue
			}

			if isTerminal(obs.Status) {
				task.Status = remoteStatusToTaskStatus(obs.Status)
				if err := t.store.StoreTask(depID, task); err != nil {
					return maeerr.Wrap(maeerr.UpstreamFaultStore, "persisting terminal task", err)
				}
				onComplete(task)
				return nil
			}

			if remaining <= 0 {
				t.timeout(depID, task, onTimeout)
				return nil
			}
		}
	}
}

func (t *Tracker) timeout(depID string, task *types.Task, onTimeout func(*types.Task)) {
	task.Status = types.TaskFailed
	task.End = time.Now().UTC()
	_ = t.store.StoreTask(depID, task)
	onTimeout(task)
}

// observe normalizes and persists one poll observation: its log lines
// and its updateTime, which becomes the task's End whenever the
// observation can't be improved on (a terminal observation's updateTime
// is the remote's own record of when the task actually finished, not
// whenever Maestro happened to poll it next).
func (t *Tracker) observe(depID string, task *types.Task, obs *asgard.RemoteTaskObservation) error {
	for _, raw := range obs.Log {
		line, err := normalizeLogLine(raw.Raw)
		if err != nil {
			continue // malformed line from the façade; skip rather than fail the tracker
		}
		task.AppendLog(line.Message, line.Date)
	}

	if updated, err := normalizeUpdateTime(obs.UpdateTime); err == nil {
		task.End = updated
	} else if isTerminal(obs.Status) {
		task.End = time.Now().UTC()
	}

	return t.store.StoreTask(depID, task)
}

// normalizeLogLine splits "YYYY-MM-DD_HH:MM:SS message text" on the
// first whitespace and parses the timestamp (spec §4.2 normalization).
func normalizeLogLine(raw string) (types.LogLine, error) {
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return types.LogLine{}, fmt.Errorf("tracker: malformed remote log line %q", raw)
	}
	date, err := time.Parse(remoteDateFormat, parts[0])
	if err != nil {
		return types.LogLine{}, fmt.Errorf("tracker: parsing remote log timestamp: %w", err)
	}
	return types.LogLine{Date: date.UTC(), Message: parts[1]}, nil
}

// normalizeUpdateTime parses "YYYY-MM-DD HH:MM:SS UTC" and re-emits UTC.
func normalizeUpdateTime(raw string) (time.Time, error) {
	t, err := time.Parse(remoteUpdateTimeFormat, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("tracker: parsing remote update time: %w", err)
	}
	return t.UTC(), nil
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "terminated":
		return true
	}
	return false
}

func remoteStatusToTaskStatus(status string) types.TaskStatus {
	switch status {
	case "completed":
		return types.TaskCompleted
	case "terminated":
		return types.TaskTerminated
	default:
		return types.TaskFailed
	}
}

// classifyTransportError tags err as an http fault (connection refused,
// timeout, unknown host, or any other transport-level failure) per
// §4.2; anything not recognizably transport-shaped is left for the
// caller to treat as fatal.
func classifyTransportError(err error) maeerr.Kind {
	msg := strings.ToLower(err.Error())
	transportSignals := []string{"connection refused", "timeout", "no such host", "eof", "reset by peer", "dial tcp"}
	for _, sig := range transportSignals {
		if strings.Contains(msg, sig) {
			return maeerr.UpstreamFaultHTTP
		}
	}
	return maeerr.UnexpectedRemoteStatus
}
