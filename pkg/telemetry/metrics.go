// Package telemetry provides the Prometheus metrics of the relay bot.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionToRelay   = "to_relay"
	DirectionToOutside = "to_outside"
)

var (
	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamsbot_messages_relayed_total",
		Help: "Number of messages forwarded between outside chats and relay groups",
	}, []string{"direction"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamsbot_messages_dropped_total",
		Help: "Number of inbound messages dropped because handling failed",
	}, []string{"reason"})

	RelayGroupsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamsbot_relay_groups_created_total",
		Help: "Number of relay groups created",
	})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamsbot_commands_total",
		Help: "Number of crew commands handled",
	}, []string{"command", "result"})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamsbot_handler_panics_total",
		Help: "Number of recovered panics in event handlers",
	})
)

// Result maps a boolean outcome to a label value.
func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func Handler() http.Handler {
	return promhttp.Handler()
}
