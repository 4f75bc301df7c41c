package pulse

import (
	"encoding/json"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/taskfabric/pulse-go/routingkey"
)

// routePrefix marks CC header entries that carry extra routing
// destinations.
const routePrefix = "route."

// Binding connects the listener's queue to an exchange via a routing-key
// pattern. RoutingKeyReference is optional; when present, routing keys of
// deliveries from the exchange are parsed against it and the result is
// attached to the message.
type Binding struct {
	Exchange            string               `json:"exchange"`
	RoutingKeyPattern   string               `json:"routingKeyPattern"`
	RoutingKeyReference routingkey.Reference `json:"routingKeyReference,omitempty"`
}

// Message is one decoded delivery, handed to every registered handler.
type Message struct {
	// Payload is the JSON-decoded message body.
	Payload any `json:"payload"`

	// Exchange and RoutingKey identify how the message was routed.
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routingKey"`

	// Redelivered is set when the broker has delivered this message
	// before.
	Redelivered bool `json:"redelivered"`

	// Routes holds the extra routing destinations from the CC header,
	// with the "route." prefix stripped.
	Routes []string `json:"routes,omitempty"`

	// Routing maps routing-key field names to the segments of RoutingKey,
	// parsed against the matching binding's reference. Nil when no
	// reference matched or parsing failed.
	Routing map[string]string `json:"routing,omitempty"`
}

// decodeMessage builds a Message from a raw delivery. The routing-key
// reference lookup and parse happen in the listener, which knows the
// binding set.
func decodeMessage(d amqp.Delivery) (Message, error) {
	var payload any
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return Message{}, err
	}

	return Message{
		Payload:     payload,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Routes:      routesFromHeaders(d.Headers),
	}, nil
}

// routesFromHeaders extracts "route."-prefixed entries from the CC header.
func routesFromHeaders(headers amqp.Table) []string {
	cc, ok := headers["CC"].([]interface{})
	if !ok {
		return nil
	}

	var routes []string
	for _, entry := range cc {
		s, ok := entry.(string)
		if ok && strings.HasPrefix(s, routePrefix) {
			routes = append(routes, strings.TrimPrefix(s, routePrefix))
		}
	}
	return routes
}
