package namedmutex

import (
	"encoding/json"
	"os"
	"time"
)

// Holder identifies the process that wrote the lock file's holder record.
// The record is advisory: mutual exclusion comes from the kernel lock, the
// record only makes takeovers from dead holders observable.
type Holder struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Acquired time.Time `json:"acquired"`
}

// Stale reports whether the recorded holder is known to be dead. It only
// judges holders on this host; a record from another host is never stale.
func (h *Holder) Stale() bool {
	host, err := os.Hostname()
	if err != nil || h.Hostname != host || h.PID <= 0 {
		return false
	}

	return !pidAlive(h.PID)
}

func writeHolder(path string) error {
	data, err := json.Marshal(Holder{
		PID:      os.Getpid(),
		Hostname: hostname(),
		Acquired: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o666)
}

func readHolder(path string) (*Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	if len(data) == 0 {
		return nil, nil
	}

	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		// A torn or foreign record is treated as absent.
		return nil, nil
	}

	return &h, nil
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	return host
}
