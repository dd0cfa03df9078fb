package sandbox

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

const pingToken = "polybox-ping"

// Ping reports whether the sandbox answers a trivial command. It never
// returns an error.
func (p *Polyfill) Ping(ctx context.Context) bool {
	res, err := p.exec.Execute(ctx, "echo "+pingToken, ExecuteOptions{})
	if err != nil || res == nil {
		return false
	}
	return res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == pingToken
}

// metricsCommand samples /proc/stat twice around a short sleep so CPU usage
// reflects the present rather than the average since boot.
const metricsCommand = `echo "cpus $(nproc 2>/dev/null || grep -c '^processor' /proc/cpuinfo 2>/dev/null)"; ` +
	`{ read -r l; echo "$l"; } < /proc/stat 2>/dev/null; ` +
	`sleep 0.2 2>/dev/null || sleep 1; ` +
	`{ read -r l; echo "$l"; } < /proc/stat 2>/dev/null; ` +
	`cat /proc/meminfo 2>/dev/null; exit 0`

// GetMetrics reads CPU and memory figures from /proc.
func (p *Polyfill) GetMetrics(ctx context.Context) (*Metrics, error) {
	res, err := p.runOK(ctx, CapGetMetrics, metricsCommand)
	if err != nil {
		return nil, err
	}
	m, err := parseMetrics(res.Stdout)
	if err != nil {
		return nil, sandboxerr.CommandFailure(metricsCommand, "parsing metrics", err)
	}
	m.Timestamp = time.Now().UnixMilli()
	return m, nil
}

type cpuSample struct {
	idle, total uint64
}

func parseMetrics(out string) (*Metrics, error) {
	m := &Metrics{}
	var samples []cpuSample
	mem := map[string]int64{}

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "cpus" && len(fields) > 1:
			if n, err := strconv.Atoi(fields[1]); err == nil {
				m.CPUCount = n
			}
		case fields[0] == "cpu":
			if s, ok := parseCPULine(fields[1:]); ok {
				samples = append(samples, s)
			}
		case strings.HasSuffix(fields[0], ":") && len(fields) > 1:
			if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				mem[strings.TrimSuffix(fields[0], ":")] = kb
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if m.CPUCount <= 0 {
		m.CPUCount = 1
	}
	m.CPUUsedPercentage = cpuUsage(samples)

	total := mem["MemTotal"]
	available, ok := mem["MemAvailable"]
	if !ok {
		available = mem["MemFree"] + mem["Buffers"] + mem["Cached"]
	}
	used := max(total-available, 0)
	m.MemoryTotalMiB = int(total / 1024)
	m.MemoryUsedMiB = int(used / 1024)
	return m, nil
}

// parseCPULine sums the jiffy columns of an aggregate "cpu" line. Idle time
// includes iowait.
func parseCPULine(cols []string) (cpuSample, bool) {
	var s cpuSample
	if len(cols) < 4 {
		return s, false
	}
	for i, c := range cols {
		v, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			return s, false
		}
		s.total += v
		if i == 3 || i == 4 {
			s.idle += v
		}
	}
	return s, true
}

func cpuUsage(samples []cpuSample) float64 {
	var idle, total float64
	switch len(samples) {
	case 0:
		return 0
	case 1:
		idle, total = float64(samples[0].idle), float64(samples[0].total)
	default:
		a, b := samples[0], samples[len(samples)-1]
		if b.total <= a.total {
			idle, total = float64(b.idle), float64(b.total)
		} else {
			idle, total = float64(b.idle-min(a.idle, b.idle)), float64(b.total-a.total)
		}
	}
	if total <= 0 {
		return 0
	}
	pct := (1 - idle/total) * 100
	return min(max(pct, 0), 100)
}

// ExecuteStream without native support runs the command to completion and
// delivers each output channel as a single chunk.
func (p *Polyfill) ExecuteStream(ctx context.Context, command string, handlers StreamHandlers, opts ExecuteOptions) (*ExecuteResult, error) {
	res, err := p.exec.Execute(ctx, command, opts)
	if err == nil && res == nil {
		err = sandboxerr.CommandFailure(summarize(command), "provider returned no result", nil)
	}
	if err != nil {
		err = sandboxerr.Translate(err, p.provider, string(CapExecuteStream))
		if handlers.OnError != nil {
			handlers.OnError(err)
		}
		return nil, err
	}
	if res.Stdout != "" && handlers.OnStdout != nil {
		handlers.OnStdout(res.Stdout)
	}
	if res.Stderr != "" && handlers.OnStderr != nil {
		handlers.OnStderr(res.Stderr)
	}
	if handlers.OnComplete != nil {
		handlers.OnComplete(res)
	}
	return res, nil
}
