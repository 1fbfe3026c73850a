package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/entitlement/internal/app/api/server"
	"github.com/fatflowers/entitlement/internal/app/service/membership"
	notificationhandler "github.com/fatflowers/entitlement/internal/app/service/notification_handler"
	notificationlog "github.com/fatflowers/entitlement/internal/app/service/notification_log"
	"github.com/fatflowers/entitlement/internal/app/service/statistics"
	"github.com/fatflowers/entitlement/internal/app/service/subscription"
	"github.com/fatflowers/entitlement/internal/platform/db"
	"github.com/fatflowers/entitlement/internal/platform/kafka"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/logger"
	"github.com/fatflowers/entitlement/pkg/metrics"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	metrics.Module,
	db.Module,
	kafka.Module,
	server.Module,
	subscription.Module,
	membership.Module,
	statistics.Module,
	notificationlog.Module,
	notificationhandler.Module,
)
