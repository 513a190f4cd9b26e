// Package watchdog detects when fetching, stream processing, or committing
// have stalled for a partition the worker owns.
package watchdog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/afikmenashe/alerting-platform/pkg/streamkafka"
)

// Cause names one candidate explanation offered in a diagnostic message,
// enumerated starting at "2)" after the summary line.
type Cause string

const (
	CauseStream        Cause = "the stream processor"
	CauseAgent         Cause = "the agent callback"
	CauseCommitHandler Cause = "the commit handler"
)

// Settings carries the timeout knobs the watchdog reads. Fetch-request,
// fetch-response, and stream-processing checks all share
// StreamProcessingTimeout; commit liveness uses its own, longer timeout.
type Settings struct {
	StreamProcessingTimeout         time.Duration
	BrokerCommitLivelockSoftTimeout time.Duration
}

// PartitionState is the liveness bookkeeping the watchdog reads for a
// single owned TopicPartition. Callers (kafkaconsumer.Session) own and
// update it.
type PartitionState struct {
	TimeStarted     time.Time
	LastPollAt      *time.Time // last time a fetch request was sent for this TP
	Highwater       *int64
	CommittedOffset int64
	LastCommittedAt *time.Time
}

// Watchdog evaluates PartitionState against Settings and logs a diagnostic
// on the first condition matched, walking an ordered decision table.
type Watchdog struct {
	settings Settings
	log      *slog.Logger
	clock    streamkafka.Clock
}

// New returns a Watchdog. log and clock may be nil (defaulting to
// slog.Default and time.Now respectively).
func New(settings Settings, log *slog.Logger, clock streamkafka.Clock) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Watchdog{settings: settings, log: log, clock: clock}
}

// VerifyEventPath walks the full decision table for a single owned
// partition: no-fetch-sent, no-recent-fetch, highwater-unknown, and (only
// when acksEnabled and highwater exceeds the committed offset)
// stream-idle/stream-stalled/no-commit-since-start/no-recent-commit. The
// first matched condition logs and VerifyEventPath returns; it never
// raises.
func (w *Watchdog) VerifyEventPath(tp streamkafka.TopicPartition, state PartitionState, acksEnabled bool, inboundAt *time.Time) {
	now := w.clock()

	if w.verifyFetchAndHighwater(tp, state, now) {
		return
	}

	if !acksEnabled {
		return
	}
	if state.Highwater == nil || *state.Highwater <= state.CommittedOffset {
		return
	}

	w.verifyStreamAndCommit(tp, state, now, inboundAt)
}

// VerifyRecoveryEventPath checks only fetch and highwater health, ignoring
// stream and commit liveness, for use while a partition is recovering from
// a prior reassignment.
func (w *Watchdog) VerifyRecoveryEventPath(tp streamkafka.TopicPartition, state PartitionState) {
	w.verifyFetchAndHighwater(tp, state, w.clock())
}

func (w *Watchdog) verifyFetchAndHighwater(tp streamkafka.TopicPartition, state PartitionState, now time.Time) bool {
	fetchTimeout := w.settings.StreamProcessingTimeout

	if state.LastPollAt == nil {
		if now.Sub(state.TimeStarted) >= fetchTimeout {
			w.log.Error("no fetch sent since start"+causesBlock(
				fmt.Sprintf("no fetch request has been sent for %s since the consumer started", tpString(tp)),
				"stream_processing_timeout", fetchTimeout,
				[]Cause{"the broker connection", "the consumer's fetch loop"},
			))
			return true
		}
		return false
	}

	if now.Sub(*state.LastPollAt) >= fetchTimeout {
		w.log.Error("stopped fetching, last done "+state.LastPollAt.String()+causesBlock(
			fmt.Sprintf("%s has not issued a fetch request since %s", tpString(tp), state.LastPollAt),
			"stream_processing_timeout", fetchTimeout,
			[]Cause{"the broker connection", "the consumer's fetch loop"},
		))
		return true
	}

	if state.Highwater == nil && now.Sub(state.TimeStarted) >= w.settings.StreamProcessingTimeout {
		w.log.Error("highwater not available"+causesBlock(
			fmt.Sprintf("no highwater has been reported for %s", tpString(tp)),
			"stream_processing_timeout", w.settings.StreamProcessingTimeout,
			[]Cause{"the broker connection", "metadata propagation"},
		))
		return true
	}

	return false
}

func (w *Watchdog) verifyStreamAndCommit(tp streamkafka.TopicPartition, state PartitionState, now time.Time, inboundAt *time.Time) {
	streamTimeout := w.settings.StreamProcessingTimeout
	commitTimeout := w.settings.BrokerCommitLivelockSoftTimeout

	if inboundAt == nil {
		if now.Sub(state.TimeStarted) >= streamTimeout {
			w.log.Error("stream idle since start"+causesBlock(
				fmt.Sprintf("%s has not seen an inbound record since the stream started", tpString(tp)),
				"stream_processing_timeout", streamTimeout,
				[]Cause{CauseStream, CauseAgent},
			))
			return
		}
	} else if now.Sub(*inboundAt) >= streamTimeout {
		w.log.Error("stream stalled"+causesBlock(
			fmt.Sprintf("%s has not seen an inbound record since %s", tpString(tp), inboundAt),
			"stream_processing_timeout", streamTimeout,
			[]Cause{CauseStream, CauseAgent},
		))
		return
	}

	if state.LastCommittedAt == nil {
		if now.Sub(state.TimeStarted) >= commitTimeout {
			w.log.Error("no commit since start"+causesBlock(
				fmt.Sprintf("%s has never been committed since the consumer started", tpString(tp)),
				"broker_commit_livelock_soft_timeout", commitTimeout,
				[]Cause{CauseCommitHandler},
			))
		}
		return
	}

	if now.Sub(*state.LastCommittedAt) >= commitTimeout {
		w.log.Error("no recent commit"+causesBlock(
			fmt.Sprintf("%s has not been committed since %s", tpString(tp), state.LastCommittedAt),
			"broker_commit_livelock_soft_timeout", commitTimeout,
			[]Cause{CauseCommitHandler},
		))
	}
}

func (c Cause) string() string { return string(c) }

func tpString(tp streamkafka.TopicPartition) string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// causesBlock builds the standard "multiple possible explanations" suffix
// appended to a diagnostic's headline: the human summary, the relevant
// setting and its current value, then an enumerated list of candidate
// causes starting at "2)" (the summary itself is implicitly "1").
func causesBlock(summary string, setting string, value time.Duration, causes []Cause) string {
	out := ": " + summary
	out += fmt.Sprintf(" (this can have multiple possible explanations; %s is currently %s)", setting, value)
	for i, c := range causes {
		out += fmt.Sprintf(" %d) %s", i+2, c.string())
	}
	return out
}
