package offload

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"4d63.com/tz"
	"golang.org/x/time/rate"
)

// Verbose turns on the vv() debug tracing of every
// frame list sent and received. VerboseVerbose adds
// the pp() firehose on top of that.
var Verbose bool = false
var VerboseVerbose bool = false

var utcTz *time.Location

func init() {
	var err error
	utcTz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var myPid = os.Getpid()
var showPid bool

// keep lines from different goroutines from interleaving.
var tsPrintfMut sync.Mutex

func vv(format string, a ...interface{}) {
	if Verbose {
		tsPrintf(format, a...)
	}
}

func pp(format string, a ...interface{}) {
	if VerboseVerbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

// AlwaysPrintf is alwaysPrintf for the cmd/ programs.
func AlwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

// warnLimiter bounds how often we complain about traffic we
// drop (malformed requests, unexpected replies); a peer
// spraying garbage should not be able to fill the disk.
var warnLimiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 20)

func warnf(format string, a ...interface{}) {
	if !warnLimiter.Allow() {
		return
	}
	tsPrintf(format, a...)
}

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	if showPid {
		printf("\n%s [pid %v] %s ", fileLine(3), myPid, ts())
	} else {
		printf("\n%s %s ", fileLine(3), ts())
	}
	printf(format+"\n", a...)
	tsPrintfMut.Unlock()
}

// get timestamp for logging purposes
func ts() string {
	return time.Now().In(utcTz).Format(rfc3339NanoNumericTZ0pad)
}

// so we can multi write easily, use our own printf
var ourStdout io.Writer = os.Stdout

func printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(ourStdout, format, a...)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	} else {
		s = ""
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// return stack dump for calling goroutine.
func stack() string {
	return string(debug.Stack())
}
