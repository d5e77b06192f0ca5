package erv

import "github.com/sirupsen/logrus"

var log = logrus.WithField("module", "erv")
