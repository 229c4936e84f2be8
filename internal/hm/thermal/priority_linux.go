//go:build linux

package thermal

import (
	"golang.org/x/sys/unix"

	"github.com/stapelberg/hmcentral/internal/logging"
)

// dutyCycleNice is the nice value of the thread sending duty cycle
// broadcasts.
const dutyCycleNice = -15

// raisePriority raises the scheduling priority of the calling thread.
// Negative nice values require CAP_SYS_NICE.
func raisePriority() {
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), dutyCycleNice); err != nil {
		logging.L().Debugf("raising duty cycle thread priority: %v", err)
	}
}
