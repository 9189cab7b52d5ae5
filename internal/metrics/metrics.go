package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransitionsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_transitions_detected_total",
		Help: "Vehicle status transitions detected by terminal trackers.",
	})
	TransitionsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_transitions_recorded_total",
		Help: "Status log entries appended to the shared store.",
	})
	TransitionsAlreadyLogged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_transitions_already_logged_total",
		Help: "Detected transitions another terminal had already logged.",
	})
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiostatus_alerts_raised_total",
		Help: "Speech requests surfaced to a dispatch operator.",
	}, []string{"status"})
	Acknowledgments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_acknowledgments_total",
		Help: "Speech requests acknowledged by dispatch.",
	})
	DuplicateAcknowledgments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_duplicate_acknowledgments_total",
		Help: "Acknowledgments of entries that were already acknowledged.",
	})
	MobileDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_mobile_deliveries_total",
		Help: "Acknowledged speech requests surfaced on a mobile terminal.",
	})
	StoreReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiostatus_store_read_errors_total",
		Help: "Collections that could not be read or decoded and were treated as empty.",
	}, []string{"collection"})
	StoreWriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiostatus_store_write_conflicts_total",
		Help: "Optimistic transaction retries caused by concurrent writers.",
	}, []string{"collection"})
	ChangeEventDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiostatus_change_event_drops_total",
		Help: "Change notifications dropped because a subscriber was not keeping up.",
	}, []string{"collection"})
	AnnouncementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiostatus_announcement_failures_total",
		Help: "Tone or speech playback that failed; alerts degrade to visual only.",
	}, []string{"kind"})
	ArchiveWriteSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_archive_write_success_total",
		Help: "Status log entries written to the archive.",
	})
	ArchiveWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_archive_write_failures_total",
		Help: "Status log entries the archive failed to store after retry.",
	})
	ArchiveChannelDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiostatus_archive_channel_drops_total",
		Help: "Entries dropped because the archive channel was full.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
