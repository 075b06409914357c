// Package gosiplog bridges the core's logrus-backed Logger into the
// interface github.com/ghettovoice/gosip/sip/parser expects, adapted from
// plugins/reporter/skywalkingtracing's LoggerAdapter (which wraps a concrete
// *logrus.Entry) to wrap the Logger interface directly so every package
// that touches gosip shares one adapter instead of redefining it.
package gosiplog

import (
	gosiplog "github.com/ghettovoice/gosip/log"

	"firestige.xyz/otus/internal/log"
)

type adapter struct {
	logger log.Logger
}

// New wraps logger as a gosip Logger.
func New(logger log.Logger) gosiplog.Logger {
	return &adapter{logger: logger}
}

func (a *adapter) Fields() gosiplog.Fields { return gosiplog.Fields{} }

func (a *adapter) WithFields(fields map[string]interface{}) gosiplog.Logger {
	return &adapter{logger: a.logger.WithFields(fields)}
}

func (a *adapter) Prefix() string { return "" }

func (a *adapter) WithPrefix(prefix string) gosiplog.Logger { return a }

func (a *adapter) Print(args ...interface{})                 { a.logger.Print(args...) }
func (a *adapter) Printf(format string, args ...interface{}) { a.logger.Printf(format, args...) }

func (a *adapter) Trace(args ...interface{})                 { a.logger.Trace(args...) }
func (a *adapter) Tracef(format string, args ...interface{}) { a.logger.Tracef(format, args...) }

func (a *adapter) Debug(args ...interface{})                 { a.logger.Debug(args...) }
func (a *adapter) Debugf(format string, args ...interface{}) { a.logger.Debugf(format, args...) }

func (a *adapter) Info(args ...interface{})                 { a.logger.Info(args...) }
func (a *adapter) Infof(format string, args ...interface{}) { a.logger.Infof(format, args...) }

func (a *adapter) Warn(args ...interface{})                 { a.logger.Warn(args...) }
func (a *adapter) Warnf(format string, args ...interface{}) { a.logger.Warnf(format, args...) }

func (a *adapter) Error(args ...interface{})                 { a.logger.Error(args...) }
func (a *adapter) Errorf(format string, args ...interface{}) { a.logger.Errorf(format, args...) }

func (a *adapter) Fatal(args ...interface{})                 { a.logger.Fatal(args...) }
func (a *adapter) Fatalf(format string, args ...interface{}) { a.logger.Fatalf(format, args...) }

func (a *adapter) Panic(args ...interface{})                 { a.logger.Panic(args...) }
func (a *adapter) Panicf(format string, args ...interface{}) { a.logger.Panicf(format, args...) }

func (a *adapter) SetLevel(level uint32) {}
