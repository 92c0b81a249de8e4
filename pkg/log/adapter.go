package log

import (
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerAdapter routes badger's internal logging through logrus.
// Badger is chatty at info level, so its info lines are demoted to debug.
type BadgerAdapter struct {
	entry *logrus.Entry
}

var _ badger.Logger = (*BadgerAdapter)(nil)

// NewBadgerAdapter creates a new adapter tagged with component=ledger-db
func NewBadgerAdapter(entry *logrus.Entry) *BadgerAdapter {
	return &BadgerAdapter{entry: entry.WithField("component", "ledger-db")}
}

func (l *BadgerAdapter) Errorf(f string, v ...interface{}) { l.entry.Errorf(trim(f), v...) }

func (l *BadgerAdapter) Warningf(f string, v ...interface{}) { l.entry.Warnf(trim(f), v...) }

func (l *BadgerAdapter) Infof(f string, v ...interface{}) { l.entry.Debugf(trim(f), v...) }

func (l *BadgerAdapter) Debugf(f string, v ...interface{}) { l.entry.Tracef(trim(f), v...) }

// trim drops the trailing newline badger appends to its format strings
func trim(f string) string {
	return strings.TrimRight(f, "\n")
}
