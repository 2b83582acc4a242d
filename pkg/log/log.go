package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Init configures the global logger. Logs always go to stderr so that stdout
// carries nothing but container output and tables.
func Init(debug bool) {
	setup(os.Stderr, debug)
}

func setup(out io.Writer, debug bool) {
	logrus.SetFormatter(&prefixed.TextFormatter{
		DisableSorting:  true,
		FullTimestamp:   true,
		ForceFormatting: true,
	})
	logrus.SetOutput(out)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// WithContainer returns an entry tagged with the container name.
func WithContainer(name string) *logrus.Entry {
	return logrus.WithField("container", name)
}
