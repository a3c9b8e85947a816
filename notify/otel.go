package notify

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("github.com/placedex/querycache/notify")

var propagator = propagation.TraceContext{}
