package worker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// notification is the parsed payload of a jobs_enqueued broadcast:
// id:<uuid>;q:<queue>;p:<priority>;t:<epoch_seconds_float>.
type notification struct {
	JobID       string
	Queue       string
	Priority    int16
	ScheduledAt time.Time
}

func parseNotification(payload string) (notification, error) {
	fields := make(map[string]string, 4)
	for _, part := range strings.Split(payload, ";") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return notification{}, fmt.Errorf("malformed notification part %q", part)
		}
		fields[key] = value
	}

	for _, key := range []string{"id", "q", "p", "t"} {
		if fields[key] == "" {
			return notification{}, fmt.Errorf("notification missing %q: %q", key, payload)
		}
	}

	priority, err := strconv.ParseInt(fields["p"], 10, 16)
	if err != nil {
		return notification{}, fmt.Errorf("notification priority %q: %w", fields["p"], err)
	}

	epoch, err := strconv.ParseFloat(fields["t"], 64)
	if err != nil {
		return notification{}, fmt.Errorf("notification timestamp %q: %w", fields["t"], err)
	}

	return notification{
		JobID:       fields["id"],
		Queue:       fields["q"],
		Priority:    int16(priority),
		ScheduledAt: time.Unix(0, int64(epoch*float64(time.Second))),
	}, nil
}
