//go:build js && wasm

package utils

import "syscall/js"

// redirectLogToBridge mirrors log lines to the browser console when the
// execution thread runs inside a web worker.
func (l *Logger) redirectLogToBridge(level LogLevel, logLine string) bool {
	console := js.Global().Get("console")
	if isValueNil(console) {
		return false
	}
	method := "log"
	switch level {
	case DEBUG:
		method = "debug"
	case INFO:
		method = "info"
	case WARN:
		method = "warn"
	case ERROR, FATAL:
		method = "error"
	}
	console.Call(method, logLine)
	return true
}

func isValueNil(v js.Value) bool {
	return v.Type() == js.TypeNull || v.Type() == js.TypeUndefined
}
