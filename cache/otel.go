package cache

import (
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/placedex/querycache/cache")
