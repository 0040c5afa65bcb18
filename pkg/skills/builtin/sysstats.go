package builtin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jllopis/avva/pkg/skills"
)

// StatsSampler measures resource usage as percentages.
type StatsSampler interface {
	CPU(ctx context.Context) (float64, error)
	RAM() (float64, error)
	Disk() (float64, error)
}

// ProcSampler reads Linux /proc and statfs.
type ProcSampler struct {
	root     string
	interval time.Duration
	diskPath string
}

// ProcOption configures a ProcSampler.
type ProcOption func(*ProcSampler)

// WithProcRoot reads proc files under root instead of /proc.
func WithProcRoot(root string) ProcOption {
	return func(p *ProcSampler) { p.root = root }
}

// WithSampleInterval sets the gap between the two CPU samples.
func WithSampleInterval(d time.Duration) ProcOption {
	return func(p *ProcSampler) { p.interval = d }
}

// WithDiskPath sets the filesystem reported by Disk.
func WithDiskPath(path string) ProcOption {
	return func(p *ProcSampler) { p.diskPath = path }
}

// NewProcSampler creates a sampler over /proc with a one second CPU window.
func NewProcSampler(opts ...ProcOption) *ProcSampler {
	p := &ProcSampler{root: "/proc", interval: time.Second, diskPath: "/"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CPU returns busy time over the sample interval.
func (p *ProcSampler) CPU(ctx context.Context) (float64, error) {
	idle0, total0, err := p.cpuTimes()
	if err != nil {
		return 0, err
	}
	if p.interval > 0 {
		t := time.NewTimer(p.interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}
	idle1, total1, err := p.cpuTimes()
	if err != nil {
		return 0, err
	}
	dTotal := total1 - total0
	if dTotal == 0 {
		return 0, nil
	}
	return round1(100 * (1 - float64(idle1-idle0)/float64(dTotal))), nil
}

func (p *ProcSampler) cpuTimes() (idle, total uint64, err error) {
	f, err := os.Open(filepath.Join(p.root, "stat"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, v := range fields[1:] {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse cpu field %d: %w", i, err)
			}
			total += n
			// idle and iowait
			if i == 3 || i == 4 {
				idle += n
			}
		}
		return idle, total, nil
	}
	return 0, 0, errors.New("no cpu line in stat")
}

// RAM returns the share of memory not available to new processes.
func (p *ProcSampler) RAM() (float64, error) {
	f, err := os.Open(filepath.Join(p.root, "meminfo"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var total, available uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = n
		case "MemAvailable:":
			available = n
		}
	}
	if total == 0 {
		return 0, errors.New("MemTotal missing from meminfo")
	}
	return round1(100 * float64(total-available) / float64(total)), nil
}

// Disk returns the used share of the configured filesystem.
func (p *ProcSampler) Disk() (float64, error) {
	return diskUsage(p.diskPath)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// SystemStats reports CPU, memory and disk usage.
type SystemStats struct {
	sampler StatsSampler
}

// NewSystemStats creates the system_stats skill.
func NewSystemStats(s StatsSampler) SystemStats {
	return SystemStats{sampler: s}
}

func (SystemStats) Describe() skills.Manifest {
	return skills.Manifest{
		Name:       "system_stats",
		EntryPoint: "system_stats",
		Intents: skills.Intents{
			Static: skills.Templates{
				{Key: "system stats", Call: "get_system_stats()"},
				{Key: "system status", Call: "get_system_stats()"},
				{Key: "cpu usage", Call: "get_cpu_info()"},
				{Key: "processor usage", Call: "get_cpu_info()"},
				{Key: "memory usage", Call: "get_ram_info()"},
				{Key: "ram usage", Call: "get_ram_info()"},
				{Key: "disk usage", Call: "get_disk_info()"},
				{Key: "disk space", Call: "get_disk_info()"},
			},
		},
		Tools: map[string]skills.ToolSpec{
			"get_system_stats": {Description: "Get a full report of CPU, RAM, and Disk usage."},
			"get_cpu_info":     {Description: "Check only the current CPU/processor usage percentage."},
			"get_ram_info":     {Description: "Check only the current RAM/memory usage percentage."},
			"get_disk_info":    {Description: "Check only the main disk storage usage percentage."},
		},
	}
}

func (s SystemStats) Bind() map[string]skills.ToolFunc {
	return map[string]skills.ToolFunc{
		"get_system_stats": s.all,
		"get_cpu_info": func(ctx context.Context, _ skills.Input) (any, error) {
			cpu, err := s.sampler.CPU(ctx)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("CPU usage is currently %.1f%%.", cpu), nil
		},
		"get_ram_info": func(context.Context, skills.Input) (any, error) {
			ram, err := s.sampler.RAM()
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("You are using %.1f%% of your memory.", ram), nil
		},
		"get_disk_info": func(context.Context, skills.Input) (any, error) {
			disk, err := s.sampler.Disk()
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Your disk is %.1f%% full.", disk), nil
		},
	}
}

func (s SystemStats) all(ctx context.Context, _ skills.Input) (any, error) {
	cpu, err := s.sampler.CPU(ctx)
	if err != nil {
		return nil, err
	}
	ram, err := s.sampler.RAM()
	if err != nil {
		return nil, err
	}
	disk, err := s.sampler.Disk()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"cpu":  cpu,
		"ram":  ram,
		"disk": disk,
		"text": fmt.Sprintf("CPU: %.1f%%, RAM: %.1f%%, Disk: %.1f%%", cpu, ram, disk),
	}, nil
}
