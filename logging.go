package tunnel

import (
	"github.com/sirupsen/logrus"
)

func defaultLogger() *logrus.Logger {
	return logrus.StandardLogger()
}
