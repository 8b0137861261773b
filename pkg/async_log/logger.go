package async_log

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBackupBuffers = 4
	DefaultBufferSize    = 64 * 1024
	DefaultFlushInterval = time.Second
)

// NewLogger returns a logrus logger whose output goes through an async Writer on
// out. logrus.Fatal flushes the writer before exiting
func NewLogger(level logrus.Level, out io.Writer) (*logrus.Logger, *Writer) {
	w := NewWriter(out, DefaultBackupBuffers, DefaultBufferSize, DefaultFlushInterval)

	lo := logrus.New()
	lo.SetOutput(w)
	lo.SetLevel(level)
	lo.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.RegisterExitHandler(func() {
		w.Close()
	})

	return lo, w
}
