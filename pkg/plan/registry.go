package plan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Factory builds a plan from string-typed arguments, as supplied on the
// command line or over an RPC surface.
type Factory func(args map[string]string) (Plan, error)

// Registry maps plan names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty plan registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build constructs a plan by name from string arguments.
func (r *Registry) Build(name string, args map[string]string) (Plan, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", name)
	}
	return f(args)
}

// Types returns the registered plan names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry holds the built-in plans.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register("count", buildCount)
	DefaultRegistry.Register("line_scan", buildLineScan)
	DefaultRegistry.Register("grid_scan", buildGridScan)
}

func buildCount(args map[string]string) (Plan, error) {
	p := CountParams{Points: 1}
	var err error
	for key, val := range args {
		switch key {
		case "points":
			p.Points, err = strconv.Atoi(val)
		case "detectors":
			p.Detectors = splitList(val)
		case "delay":
			p.Delay, err = time.ParseDuration(val)
		default:
			return nil, fmt.Errorf("count: unknown argument %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("count: bad argument %s=%q: %w", key, val, err)
		}
	}
	return NewCount(p)
}

func buildLineScan(args map[string]string) (Plan, error) {
	var p LineScanParams
	var err error
	for key, val := range args {
		switch key {
		case "axis":
			p.Axis = val
		case "start":
			p.Start, err = strconv.ParseFloat(val, 64)
		case "stop":
			p.Stop, err = strconv.ParseFloat(val, 64)
		case "points":
			p.Points, err = strconv.Atoi(val)
		case "detectors":
			p.Detectors = splitList(val)
		case "settle_time":
			p.SettleTime, err = time.ParseDuration(val)
		default:
			return nil, fmt.Errorf("line_scan: unknown argument %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("line_scan: bad argument %s=%q: %w", key, val, err)
		}
	}
	return NewLineScan(p)
}

func buildGridScan(args map[string]string) (Plan, error) {
	var p GridScanParams
	var err error
	for key, val := range args {
		switch key {
		case "outer_axis":
			p.OuterAxis = val
		case "outer_start":
			p.OuterStart, err = strconv.ParseFloat(val, 64)
		case "outer_stop":
			p.OuterStop, err = strconv.ParseFloat(val, 64)
		case "outer_points":
			p.OuterPoints, err = strconv.Atoi(val)
		case "inner_axis":
			p.InnerAxis = val
		case "inner_start":
			p.InnerStart, err = strconv.ParseFloat(val, 64)
		case "inner_stop":
			p.InnerStop, err = strconv.ParseFloat(val, 64)
		case "inner_points":
			p.InnerPoints, err = strconv.Atoi(val)
		case "detectors":
			p.Detectors = splitList(val)
		case "settle_time":
			p.SettleTime, err = time.ParseDuration(val)
		case "snake":
			p.Snake, err = strconv.ParseBool(val)
		default:
			return nil, fmt.Errorf("grid_scan: unknown argument %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("grid_scan: bad argument %s=%q: %w", key, val, err)
		}
	}
	return NewGridScan(p)
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
