package relay

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "relay")

func SetLogger(l *logrus.Entry) {
	logger = l
}
