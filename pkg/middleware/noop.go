package middleware

import (
	"context"

	"github.com/quantfold/tradeflow/pkg/bus"
)

//goland:noinspection GoUnusedGlobalVariable
var NoopHdl bus.Handler = func(context.Context, bus.Event) error { return nil }
