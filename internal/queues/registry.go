package queues

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cuongbtq/jobdispatch/internal/domain"
)

// Name is the logical name of a queue, stable across deployments
type Name string

const (
	DatasetProfiling         Name = "dataset_profiling"
	DatasetProfilingResult   Name = "dataset_profiling_result"
	FeatureEngineering       Name = "feature_engineering"
	FeatureEngineeringResult Name = "feature_engineering_result"
	FeatureSelection         Name = "feature_selection"
	FeatureSelectionResult   Name = "feature_selection_result"
	ModelTraining            Name = "model_training"
	ModelTrainingResult      Name = "model_training_result"
	ReportGeneration         Name = "report_generation"
	ReportGenerationResult   Name = "report_generation_result"
)

// Direction tells which side of the broker produces onto a queue
type Direction int

const (
	// ToWorker queues carry job requests from the application to workers
	ToWorker Direction = iota
	// FromWorker queues carry results from workers back to the application
	FromWorker
)

func (d Direction) String() string {
	if d == FromWorker {
		return "worker->app"
	}
	return "app->worker"
}

// Definition describes one logical queue
type Definition struct {
	Name      Name
	EnvVar    string
	Default   string
	Direction Direction
	Required  bool
	// BodyField is the envelope field carrying the result body (result queues only)
	BodyField string
}

var definitions = []Definition{
	{Name: DatasetProfiling, EnvVar: "DATASET_PROFILING_QUEUE", Default: "DATASET_PROFILING_QUEUE", Direction: ToWorker, Required: true},
	{Name: DatasetProfilingResult, EnvVar: "DATA_PROFILING_RESULT_QUEUE", Default: "DATA_PROFILING_RESULT_QUEUE", Direction: FromWorker, Required: true, BodyField: "report"},
	{Name: FeatureEngineering, EnvVar: "FEATURE_ENGINEERING_QUEUE", Direction: ToWorker},
	{Name: FeatureEngineeringResult, EnvVar: "FEATURE_ENGINEERING_RESULT_QUEUE", Direction: FromWorker, BodyField: "features"},
	{Name: FeatureSelection, EnvVar: "FEATURE_SELECTION_QUEUE", Direction: ToWorker},
	{Name: FeatureSelectionResult, EnvVar: "FEATURE_SELECTION_RESULT_QUEUE", Direction: FromWorker, BodyField: "selected_features"},
	{Name: ModelTraining, EnvVar: "MODEL_TRAINING_QUEUE", Direction: ToWorker},
	{Name: ModelTrainingResult, EnvVar: "MODEL_TRAINING_RESULT_QUEUE", Direction: FromWorker, BodyField: "model"},
	{Name: ReportGeneration, EnvVar: "REPORT_GENERATION_QUEUE", Direction: ToWorker},
	{Name: ReportGenerationResult, EnvVar: "REPORT_GENERATION_RESULT_QUEUE", Direction: FromWorker, BodyField: "report"},
}

// Definitions returns the static queue catalog in declaration order
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Queue is a definition resolved against configuration
type Queue struct {
	Definition
	// Physical is the broker-side queue name; empty when an optional queue is not configured
	Physical string
	// DeadLetter is the dead-letter queue for this queue, empty when none
	DeadLetter string
}

// Resolved reports whether the queue has a physical name
func (q Queue) Resolved() bool {
	return q.Physical != ""
}

// Registry is the immutable catalog of queues used by this process
type Registry struct {
	queues     []Queue
	byName     map[Name]int
	byPhysical map[string]int
}

// New resolves every definition against cfg and validates the result.
// Resolution order: environment override, configured value, built-in default.
func New(cfg Config) (*Registry, error) {
	return newRegistry(cfg, os.LookupEnv)
}

func newRegistry(cfg Config, lookupEnv func(string) (string, bool)) (*Registry, error) {
	cfg.applyDefaults()

	r := &Registry{
		queues:     make([]Queue, 0, len(definitions)),
		byName:     make(map[Name]int, len(definitions)),
		byPhysical: make(map[string]int, len(definitions)),
	}

	for _, def := range definitions {
		physical := def.Default
		if configured := cfg.Names[def.Name]; configured != "" {
			physical = configured
		}
		if lookupEnv != nil {
			if value, ok := lookupEnv(def.EnvVar); ok && value != "" {
				physical = value
			}
		}

		if physical == "" && def.Required {
			return nil, domain.NewConfigurationError("required queue %s is not configured (set %s)", def.Name, def.EnvVar)
		}

		q := Queue{Definition: def, Physical: physical}
		if physical != "" && def.Direction == FromWorker && !cfg.DeadLetter.Disabled {
			q.DeadLetter = physical + cfg.DeadLetter.Suffix
		}

		if physical != "" {
			if other, dup := r.byPhysical[physical]; dup {
				return nil, domain.NewConfigurationError("queues %s and %s both resolve to %q", r.queues[other].Name, def.Name, physical)
			}
			r.byPhysical[physical] = len(r.queues)
		}

		r.byName[def.Name] = len(r.queues)
		r.queues = append(r.queues, q)
	}

	for _, q := range r.queues {
		if q.DeadLetter == "" {
			continue
		}
		if idx, clash := r.byPhysical[q.DeadLetter]; clash {
			return nil, domain.NewConfigurationError("dead-letter queue %q of %s collides with queue %s", q.DeadLetter, q.Name, r.queues[idx].Name)
		}
	}

	return r, nil
}

// All returns every queue in declaration order, unresolved optional queues included
func (r *Registry) All() []Queue {
	out := make([]Queue, len(r.queues))
	copy(out, r.queues)
	return out
}

// Names returns the physical names of all resolved queues in declaration order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.queues))
	for _, q := range r.queues {
		if q.Resolved() {
			names = append(names, q.Physical)
		}
	}
	return names
}

// Resolve maps a logical name to its physical queue name
func (r *Registry) Resolve(name Name) (string, error) {
	q, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return q.Physical, nil
}

// Get returns the resolved queue for a logical name
func (r *Registry) Get(name Name) (Queue, error) {
	idx, ok := r.byName[name]
	if !ok {
		return Queue{}, &domain.ConfigurationError{Reason: fmt.Sprintf("unknown queue %q", name), Err: domain.ErrUnknownQueue}
	}
	q := r.queues[idx]
	if !q.Resolved() {
		return Queue{}, domain.NewConfigurationError("queue %s is not configured (set %s)", q.Name, q.EnvVar)
	}
	return q, nil
}

// Lookup finds a queue by its physical name
func (r *Registry) Lookup(physical string) (Queue, bool) {
	idx, ok := r.byPhysical[physical]
	if !ok {
		return Queue{}, false
	}
	return r.queues[idx], true
}

// ResultQueues returns the resolved queues that carry worker results
func (r *Registry) ResultQueues() []Queue {
	var out []Queue
	for _, q := range r.queues {
		if q.Resolved() && q.Direction == FromWorker {
			out = append(out, q)
		}
	}
	return out
}

// LogValue keeps registry dumps readable in structured logs
func (r *Registry) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(r.queues))
	for _, q := range r.queues {
		attrs = append(attrs, slog.String(string(q.Name), q.Physical))
	}
	return slog.GroupValue(attrs...)
}
