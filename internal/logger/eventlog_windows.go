//go:build windows

package logger

import (
	"core_governor/internal/config"

	"github.com/phuslu/log"
)

func eventlogWriter(c *config.EventlogConfig) (log.Writer, error) {
	return withAsync(&log.EventlogWriter{
		Source: c.Source,
		ID:     uintptr(c.ID),
		Host:   c.Host,
	}, c.Async), nil
}
