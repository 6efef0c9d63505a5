package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper builds log lines for the crypto package. Each With method
// returns a new helper, so a base helper can be shared.
type LoggerHelper struct {
	entry *logrus.Entry
}

// NewLogger tags lines with the calling function.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{entry: logrus.WithFields(logrus.Fields{
		"function": function,
		"package":  "crypto",
	})}
}

func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithField(key, value)}
}

func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithFields(fields)}
}

// WithKeyID adds the auth key id, which is public: it prefixes every frame.
func (l *LoggerHelper) WithKeyID(key *AuthKey) *LoggerHelper {
	if key == nil {
		return l
	}
	return l.WithField("auth_key_id", hex.EncodeToString(key.ID[:]))
}

// WithError records err together with the failed operation.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithFields(logrus.Fields{
		"error":     err.Error(),
		"operation": operation,
	})}
}

func (l *LoggerHelper) Debug(message string) { l.entry.Debug(message) }
func (l *LoggerHelper) Info(message string)  { l.entry.Info(message) }
func (l *LoggerHelper) Warn(message string)  { l.entry.Warn(message) }

// SecureFieldHash returns name_preview (the first 8 bytes in hex) and
// name_size fields for data. Only use it on values safe to partially reveal.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if n := len(data); n > 0 {
		if n > 8 {
			preview = fmt.Sprintf("%x...", data[:8])
		} else {
			preview = hex.EncodeToString(data)
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
