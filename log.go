package millrt

import "github.com/mill-run/millrt/internal/mlog"

func logDebug(op string, msg string, kv ...interface{}) {
	args := append([]interface{}{"op", op}, kv...)
	mlog.L().Debugw(msg, args...)
}

func logWarn(op string, msg string, kv ...interface{}) {
	args := append([]interface{}{"op", op}, kv...)
	mlog.L().Warnw(msg, args...)
}

func logProgramBug(op string, msg string) {
	mlog.L().Errorw("program bug", "op", op, "reason", msg)
}
