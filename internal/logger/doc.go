// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder and an optional log file tee,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Every launcher service accepts a context and extracts the logger from it, so
// the update attempt id and component name travel with each log line.
package logger
