package system

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logtitles = [...]string{"All", "BadSIPMessage", "Configuration", "Connectivity", "ICEStack", "MediaCapability", "NAT", "Registration", "SDPStack", "SIPStack", "STUNStack", "System", "Webserver", "None"}
	loglevels = [...]string{"Information", "Warning", "Error"}
)

// ==============================================================
type LogLevel int

const (
	LLInformation LogLevel = iota
	LLWarning
	LLError
)

func (ll LogLevel) String() string {
	return loglevels[ll]
}

type LogTitle int

const (
	LTAll LogTitle = iota
	LTBadSIPMessage
	LTConfiguration
	LTConnectivity
	LTICEStack
	LTMediaCapability
	LTNAT
	LTRegistration
	LTSDPStack
	LTSIPStack
	LTSTUNStack
	LTSystem
	LTWebserver
	LTNone
)

func (lt LogTitle) String() string {
	return logtitles[lt]
}

// ==============================================================

var logger = logrus.New()

// SetupLogging configures the process logger. An empty file keeps
// stderr only; otherwise output is rotated on disk and mirrored to
// stderr.
func SetupLogging(level, file string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if file != "" {
		logger.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}))
	}
}

func LogCallStack(r any) {
	buf := make([]byte, 1024)
	n := runtime.Stack(buf, false)
	logger.WithField("title", LTSystem.String()).Errorf("Panic Recovered! Encountered Error:\n%v\nStack trace:\n%s", r, buf[:n])
}

//===================================================================

func LogInfo(lt LogTitle, msg string) {
	LogHandler(LLInformation, lt, msg)
}

func LogWarning(lt LogTitle, msg string) {
	LogHandler(LLWarning, lt, msg)
}

func LogError(lt LogTitle, msg string) {
	LogHandler(LLError, lt, msg)
}

func LogHandler(ll LogLevel, lt LogTitle, msg string) {
	entry := logger.WithField("title", lt.String())
	switch ll {
	case LLWarning:
		entry.Warn(msg)
	case LLError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}

func Logf(lt LogTitle, format string, args ...any) {
	LogHandler(LLInformation, lt, fmt.Sprintf(format, args...))
}
