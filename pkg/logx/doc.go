// Package logx configures casewatch's structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON, one event per line
//   - An optional alert sink forwards high-severity lines to an operator chat
package logx
