package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQuery is the threshold above which a statement is logged at warn level
// even when full SQL tracing is off. Job-queue reloads and deployment
// execution sweeps are the queries most likely to trip it.
const slowQuery = 200 * time.Millisecond

// gormZapAdapter routes GORM's internal logging (statements, slow queries,
// errors) into the host's zap logger so the process has a single log stream.
type gormZapAdapter struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newGormLogger builds the adapter at the given GORM log level; zero means
// gormlogger.Warn. gormlogger.Info additionally traces every statement.
func newGormLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	// Skip through gorm's callback layers so the caller column points at the
	// repository method, not this adapter.
	return &gormZapAdapter{log: log.WithOptions(zap.AddCallerSkip(3)), level: level}
}

// LogMode implements gormlogger.Interface; GORM calls it for per-operation
// level overrides such as db.Debug().
func (a *gormZapAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *a
	next.level = level
	return &next
}

func (a *gormZapAdapter) Info(_ context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Info {
		a.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (a *gormZapAdapter) Warn(_ context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Warn {
		a.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (a *gormZapAdapter) Error(_ context.Context, msg string, args ...interface{}) {
	if a.level >= gormlogger.Error {
		a.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace receives every executed statement. Real errors log at error level,
// slow statements at warn, and everything else only under full tracing.
// gorm.ErrRecordNotFound is not an error here — repositories translate it to
// their own ErrNotFound and callers branch on that.
func (a *gormZapAdapter) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if a.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		a.log.Error("query failed", append(fields, zap.Error(err))...)
		return
	}
	if elapsed > slowQuery {
		a.log.Warn("slow query", fields...)
		return
	}
	if a.level >= gormlogger.Info {
		a.log.Debug("query", fields...)
	}
}
