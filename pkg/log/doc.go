// Package log provides orchq's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. It is backed by zap; callers never
// import zap directly except to hand a core to WithCore in tests.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat(log.FormatText),
//	)
//	l = l.With(log.Component("server"), log.Str("scope", "default"))
//	l.Info("server started", log.Int("port", 8080))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config (level, json or
// text format, and an output of stderr, stdout, null or a file path).
//
// Loggers are passed explicitly; there is no package-level default.
package log
