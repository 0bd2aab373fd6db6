package logger

import (
	"github.com/sirupsen/logrus"
)

// Log глобальный логгер. До вызова Init пишет текстом с уровнем info.
var Log = logrus.New()

// Init настраивает структурированный логгер: JSON в production, текст в development.
func Init(level string, production bool) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)

	if production {
		Log.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Component возвращает логгер с полем component.
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}
