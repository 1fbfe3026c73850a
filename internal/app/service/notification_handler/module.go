package notification_handler

import (
	"go.uber.org/fx"

	notificationlog "github.com/fatflowers/entitlement/internal/app/service/notification_log"
	"github.com/fatflowers/entitlement/internal/platform/apple/apple_notification"
)

var Module = fx.Options(
	fx.Provide(
		apple_notification.NewVerifier,
		NewRevenueCatParser,
		NewAdaptyParser,
		NewAppStoreParser,
		NewUserResolver,
		NewReconciler,
		func(s *notificationlog.Service) EventLog { return s },
		NewNotificationHandler,
	),
)
