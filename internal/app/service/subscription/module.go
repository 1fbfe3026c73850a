package subscription

import "go.uber.org/fx"

// Module exposes the single process-wide Repository via Fx.
var Module = fx.Options(
	fx.Provide(
		NewGormStore,
		NewNotifier,
		NewRepository,
	),
)
