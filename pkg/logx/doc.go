// Package logx configures GAMS structured logging.
//
// logx.Logger is a thin value type over zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON, one record per line
//   - an optional alert sink forwards warnings/errors to an operator
//     channel (min-level + rate limiting)
package logx
