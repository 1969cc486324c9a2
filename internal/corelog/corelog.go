// Package corelog provides component-tagged structured logging for the
// WarpDeck daemon. It mirrors the original libwarpdeck Logger's
// per-component convenience methods, but is injected into constructors
// rather than reached for as a package global from inside core types.
package corelog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.Mutex
	base = logrus.New()
	once sync.Once
)

// Init configures the package-level logger. Safe to call once during
// daemon startup; subsequent calls update level/output.
func Init(level logrus.Level, out io.Writer) {
	// An explicit Init settles the configuration, so Component's lazy
	// default never runs over it.
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	if out == nil {
		out = os.Stderr
	}
	base.SetLevel(level)
	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Component returns a logrus.Entry tagged with the given component name,
// matching the LOG_DISCOVERY_*/LOG_SECURITY_*/LOG_TRANSFER_*/LOG_API_*/
// LOG_CORE_* convenience-macro shape of the original C++ logger.
func Component(name string) *logrus.Entry {
	once.Do(func() {
		mu.Lock()
		base.SetLevel(logrus.InfoLevel)
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		mu.Unlock()
	})
	mu.Lock()
	defer mu.Unlock()
	return base.WithField("component", name)
}
