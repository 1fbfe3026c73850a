package logger

import (
	"context"

	"github.com/fatflowers/entitlement/pkg/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Production JSON output everywhere except dev,
// which gets the console encoder at debug level.
func New(cfg *config.Config) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg != nil && cfg.Env == config.EnvDev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.TimeKey = "time"
	l, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar().With("service", "entitlement"), nil
}

func registerSync(lc fx.Lifecycle, l *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// stderr sync errors are expected on some platforms
			_ = l.Sync()
			return nil
		},
	})
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(registerSync),
)
