//go:build !windows

package logger

import (
	"fmt"

	"core_governor/internal/config"

	"github.com/phuslu/log"
)

func eventlogWriter(*config.EventlogConfig) (log.Writer, error) {
	return nil, fmt.Errorf("eventlog output is only available on windows")
}
