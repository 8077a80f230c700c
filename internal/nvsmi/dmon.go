package nvsmi

import (
	"strconv"
	"strings"
	"time"
)

// dmonFieldCount is the column count of "dmon -s mu" rows:
// gpu, fb, bar1, sm, mem, enc, dec.
const dmonFieldCount = 7

// UnknownMiB marks a memory column dmon rendered as "-": the reading could
// not be taken. Consumers treat it as a maximal-overload condition.
const UnknownMiB int64 = -1

// DmonSample is one parsed device-monitor row: the instantaneous reading
// for a single device at one sampling tick. UsedMiB is UnknownMiB when the
// device could not report memory.
type DmonSample struct {
	Device     int
	UsedMiB    int64
	EncoderPct int
	DecoderPct int
}

// DmonArgs builds the argument list that puts nvidia-smi into device-monitor
// mode, sampling memory and utilization once per interval until killed.
func DmonArgs(interval time.Duration) []string {
	secs := int(interval / time.Second)
	if secs < 1 {
		secs = 1
	}
	return []string{"dmon", "-s", "mu", "-d", strconv.Itoa(secs)}
}

// ParseDmonLine parses one line of dmon output. It returns ok=false for
// header rows, rows with the wrong column count, and rows whose index,
// memory, or encoder/decoder columns are not plain numbers (dmon prints "-"
// for metrics the device cannot report).
//
// Each call is a fresh, stateless match over the given line only.
func ParseDmonLine(line string) (DmonSample, bool) {
	var s DmonSample

	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] == '#' {
		return s, false
	}

	fields := strings.Fields(trimmed)
	if len(fields) != dmonFieldCount {
		return s, false
	}

	device, err := strconv.Atoi(fields[0])
	if err != nil || device < 0 {
		return s, false
	}

	used := UnknownMiB
	if fields[1] != "-" {
		used, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil || used < 0 {
			return s, false
		}
	}

	enc, err := strconv.Atoi(fields[5])
	if err != nil {
		return s, false
	}
	dec, err := strconv.Atoi(fields[6])
	if err != nil {
		return s, false
	}
	if enc < 0 || enc > 100 || dec < 0 || dec > 100 {
		return s, false
	}

	s.Device = device
	s.UsedMiB = used
	s.EncoderPct = enc
	s.DecoderPct = dec
	return s, true
}
