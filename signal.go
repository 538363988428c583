package tlvdb

import (
	"os"
	"os/signal"
)

// deferSignals runs fn while holding back sigs. Signals that arrive while fn
// runs are re-raised once, in arrival order, after it returns.
//
// Only the default action (terminating the process) is held back. Channels
// registered elsewhere with signal.Notify still receive a signal as it
// arrives, and receive it a second time when it is re-raised.
func deferSignals(sigs []os.Signal, fn func()) {
	if len(sigs) == 0 {
		fn()
		return
	}

	ch := make(chan os.Signal, 8)
	signal.Notify(ch, sigs...)
	fn()
	signal.Stop(ch)

	seen := make(map[os.Signal]struct{}, len(sigs))
	for {
		select {
		case sig := <-ch:
			if _, ok := seen[sig]; ok {
				continue
			}
			seen[sig] = struct{}{}
			raise(sig)
		default:
			return
		}
	}
}

func raise(sig os.Signal) {
	if p, err := os.FindProcess(os.Getpid()); err == nil {
		_ = p.Signal(sig)
	}
}

// syncDir fsyncs a directory so a rename inside it is durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}
