package conformance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTick is the base unit for the timing-sensitive scenarios. The
// reference numbers in the scenario descriptions assume this value; harness
// embedders (and this package's own tests) scale it down via Env.Tick to
// keep runs fast.
const DefaultTick = 250 * time.Millisecond

// Reporter receives scenario progress and failures. *testing.T satisfies it.
type Reporter interface {
	Logf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Scenario is one registered conformance check.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env) error
}

// Env is the execution environment handed to every scenario.
type Env struct {
	// BaseURL is the endpoint under test. The server behind it must expose
	// the fixture method set served by NewServer. When empty, scenarios run
	// against a reference deployment they provision through StartServer.
	BaseURL string

	// Client is the template configuration for every client a scenario
	// constructs.
	Client ClientConfig

	// Tick scales the timing-sensitive scenarios. Zero means DefaultTick.
	Tick time.Duration

	Log *slog.Logger

	// StartServer provisions a fixture deployment for scenarios that need a
	// non-default configuration (degraded mode, bounded retention, a fixed
	// retry interval). When nil, an in-process reference server is used.
	StartServer func(ctx context.Context, opts ...ServerOption) (*Deployment, error)
}

// Deployment is one provisioned fixture endpoint.
type Deployment struct {
	URL    string
	Server *Server

	close func()
}

// NewDeployment wraps an externally provisioned endpoint so custom
// StartServer factories can hand it to the suite. srv may be nil when the
// deployment exposes no instrumentation; closeFn may be nil.
func NewDeployment(url string, srv *Server, closeFn func()) *Deployment {
	return &Deployment{URL: url, Server: srv, close: closeFn}
}

// Close tears the deployment down. Safe on a nil receiver and safe to call
// more than once.
func (d *Deployment) Close() {
	if d != nil && d.close != nil {
		d.close()
		d.close = nil
	}
}

func (e *Env) tick() time.Duration {
	if e.Tick > 0 {
		return e.Tick
	}
	return DefaultTick
}

func (e *Env) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// startServer provisions a deployment via the Env's factory or the built-in
// in-process default.
func (e *Env) startServer(ctx context.Context, opts ...ServerOption) (*Deployment, error) {
	if e.StartServer != nil {
		return e.StartServer(ctx, opts...)
	}

	opts = append([]ServerOption{WithServerLogger(e.logger())}, opts...)
	srv, err := NewServer(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("start reference server: %w", err)
	}
	ts := httptest.NewServer(srv)
	return &Deployment{URL: ts.URL, Server: srv, close: ts.Close}, nil
}

// deploy resolves the endpoint a default-configuration scenario should run
// against: the Env's BaseURL when one is set, otherwise a fresh reference
// deployment. The returned Deployment is nil when BaseURL was used.
func (e *Env) deploy(ctx context.Context) (string, *Deployment, error) {
	if e.BaseURL != "" {
		return e.BaseURL, nil, nil
	}
	d, err := e.startServer(ctx)
	if err != nil {
		return "", nil, err
	}
	return d.URL, d, nil
}

// newClient constructs a client for the scenario from the Env's template.
func (e *Env) newClient(baseURL string) *Client {
	cfg := e.Client
	if cfg.Log == nil {
		cfg.Log = e.logger()
	}
	return NewClient(baseURL, cfg)
}

var registry = struct {
	mu    sync.Mutex
	byName map[string]Scenario
}{byName: make(map[string]Scenario)}

// Register adds a scenario to the registry. Registering a duplicate name
// panics: scenario names are the harness's stable identifiers.
func Register(s Scenario) {
	if s.Name == "" || s.Run == nil {
		panic("conformance: scenario requires a name and a run function")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.byName[s.Name]; dup {
		panic(fmt.Sprintf("conformance: scenario %q registered twice", s.Name))
	}
	registry.byName[s.Name] = s
}

// Scenarios returns every registered scenario, sorted by name.
func Scenarios() []Scenario {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]Scenario, 0, len(registry.byName))
	for _, s := range registry.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run executes the named scenarios (all of them when names is empty) against
// env, reporting progress and failures to rep. The returned error joins
// every scenario failure.
func Run(ctx context.Context, rep Reporter, env *Env, names ...string) error {
	if env == nil {
		env = &Env{}
	}

	var selected []Scenario
	if len(names) == 0 {
		selected = Scenarios()
	} else {
		registry.mu.Lock()
		for _, name := range names {
			s, ok := registry.byName[name]
			if !ok {
				registry.mu.Unlock()
				return fmt.Errorf("unknown scenario %q", name)
			}
			selected = append(selected, s)
		}
		registry.mu.Unlock()
	}

	runID := uuid.NewString()
	var errs []error
	for _, s := range selected {
		rep.Logf("scenario %s (run %s): %s", s.Name, runID, s.Description)
		if err := s.Run(ctx, env); err != nil {
			rep.Errorf("scenario %s failed: %v", s.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		rep.Logf("scenario %s: ok", s.Name)
	}
	return errors.Join(errs...)
}
