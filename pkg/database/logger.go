package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/weiawesome/wes-io-talk/pkg/log"
)

// queryLogger adapts gorm's logger to zerolog.
type queryLogger struct {
	level logger.LogLevel
	slow  time.Duration
}

func newQueryLogger(level logger.LogLevel, slow time.Duration) *queryLogger {
	return &queryLogger{level: level, slow: slow}
}

func parseLevel(s string) logger.LogLevel {
	switch s {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	}
	return logger.Silent
}

func (q *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &queryLogger{level: level, slow: q.slow}
}

func (q *queryLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Info {
		l := log.Ctx(ctx)
		l.Info().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Warn {
		l := log.Ctx(ctx)
		l.Warn().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Error {
		l := log.Ctx(ctx)
		l.Error().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

// Trace logs failed statements at error, slow ones at warn and the rest at
// debug. Missing rows are expected lookups and never count as failures.
func (q *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	l := log.Ctx(ctx)
	switch {
	case err != nil && q.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.Error().Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query failed")
	case elapsed > q.slow && q.level >= logger.Warn:
		sql, rows := fc()
		l.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("slow query")
	case q.level >= logger.Info:
		sql, rows := fc()
		l.Debug().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query")
	}
}
