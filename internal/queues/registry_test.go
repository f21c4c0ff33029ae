package queues

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobdispatch/internal/domain"
)

func envFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		env       map[string]string
		wantErr   bool
		checkFunc func(t *testing.T, r *Registry)
	}{
		{
			name: "defaults only",
			cfg:  Config{},
			env:  map[string]string{},
			checkFunc: func(t *testing.T, r *Registry) {
				assert.Equal(t, []string{"DATASET_PROFILING_QUEUE", "DATA_PROFILING_RESULT_QUEUE"}, r.Names())
				assert.Len(t, r.All(), 10)
			},
		},
		{
			name: "result queues are dead-lettered without configuration",
			cfg:  Config{},
			env:  map[string]string{},
			checkFunc: func(t *testing.T, r *Registry) {
				for _, q := range r.ResultQueues() {
					assert.Equal(t, q.Physical+DefaultDeadLetterSuffix, q.DeadLetter, q.Name)
				}
			},
		},
		{
			name: "dead-lettering disabled",
			cfg:  Config{DeadLetter: DeadLetterConfig{Disabled: true}},
			env:  map[string]string{},
			checkFunc: func(t *testing.T, r *Registry) {
				q, err := r.Get(DatasetProfilingResult)
				require.NoError(t, err)
				assert.Empty(t, q.DeadLetter)
			},
		},
		{
			name: "env overrides yaml and default",
			cfg: Config{Names: map[Name]string{
				DatasetProfiling:   "yaml_profiling",
				FeatureEngineering: "yaml_fe",
			}},
			env: map[string]string{
				"DATASET_PROFILING_QUEUE": "env_profiling",
			},
			checkFunc: func(t *testing.T, r *Registry) {
				name, err := r.Resolve(DatasetProfiling)
				require.NoError(t, err)
				assert.Equal(t, "env_profiling", name)

				name, err = r.Resolve(FeatureEngineering)
				require.NoError(t, err)
				assert.Equal(t, "yaml_fe", name)
			},
		},
		{
			name: "empty env value falls back",
			cfg:  Config{},
			env:  map[string]string{"DATA_PROFILING_RESULT_QUEUE": ""},
			checkFunc: func(t *testing.T, r *Registry) {
				name, err := r.Resolve(DatasetProfilingResult)
				require.NoError(t, err)
				assert.Equal(t, "DATA_PROFILING_RESULT_QUEUE", name)
			},
		},
		{
			name: "duplicate physical names",
			cfg: Config{Names: map[Name]string{
				FeatureEngineering: "shared",
				FeatureSelection:   "shared",
			}},
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "dead-letter names for result queues",
			cfg: Config{
				Names: map[Name]string{ModelTrainingResult: "training_results"},
			},
			env: map[string]string{},
			checkFunc: func(t *testing.T, r *Registry) {
				q, err := r.Get(ModelTrainingResult)
				require.NoError(t, err)
				assert.Equal(t, "training_results_DLQ", q.DeadLetter)

				req, err := r.Get(DatasetProfiling)
				require.NoError(t, err)
				assert.Empty(t, req.DeadLetter, "request queues are not dead-lettered")
			},
		},
		{
			name: "dead-letter collision",
			cfg: Config{
				Names: map[Name]string{
					ModelTrainingResult: "training",
					ReportGeneration:    "training.dlq",
				},
				DeadLetter: DeadLetterConfig{Suffix: ".dlq"},
			},
			env:     map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := newRegistry(tt.cfg, envFrom(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, domain.IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
			if tt.checkFunc != nil {
				tt.checkFunc(t, r)
			}
		})
	}
}

func TestRegistry_AllIsDeterministic(t *testing.T) {
	r, err := newRegistry(Config{}, envFrom(nil))
	require.NoError(t, err)

	first := r.All()
	second := r.All()
	assert.Equal(t, first, second)

	want := []Name{
		DatasetProfiling, DatasetProfilingResult,
		FeatureEngineering, FeatureEngineeringResult,
		FeatureSelection, FeatureSelectionResult,
		ModelTraining, ModelTrainingResult,
		ReportGeneration, ReportGenerationResult,
	}
	got := make([]Name, 0, len(first))
	for _, q := range first {
		got = append(got, q.Name)
	}
	assert.Equal(t, want, got)

	// callers cannot mutate the registry through the returned slice
	first[0].Physical = "mutated"
	assert.Equal(t, "DATASET_PROFILING_QUEUE", r.All()[0].Physical)
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := newRegistry(Config{}, envFrom(nil))
	require.NoError(t, err)

	tests := []struct {
		name    string
		queue   Name
		want    string
		wantErr error
	}{
		{name: "required default", queue: DatasetProfiling, want: "DATASET_PROFILING_QUEUE"},
		{name: "unresolved optional", queue: FeatureSelection},
		{name: "unknown", queue: Name("nope"), wantErr: domain.ErrUnknownQueue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.queue)
			if tt.want == "" {
				require.Error(t, err)
				assert.True(t, domain.IsConfigurationError(err))
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_LookupAndResultQueues(t *testing.T) {
	r, err := newRegistry(Config{Names: map[Name]string{ReportGenerationResult: "reports_done"}}, envFrom(nil))
	require.NoError(t, err)

	q, ok := r.Lookup("reports_done")
	require.True(t, ok)
	assert.Equal(t, ReportGenerationResult, q.Name)
	assert.Equal(t, "report", q.BodyField)

	_, ok = r.Lookup("")
	assert.False(t, ok, "unresolved queues are never found by physical name")

	results := r.ResultQueues()
	require.Len(t, results, 2)
	assert.Equal(t, DatasetProfilingResult, results[0].Name)
	assert.Equal(t, ReportGenerationResult, results[1].Name)
}

type declaration struct {
	name    string
	durable bool
	args    amqp.Table
}

type recordingDeclarer struct {
	declared []declaration
	failOn   string
}

func (d *recordingDeclarer) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if name == d.failOn {
		return amqp.Queue{}, errors.New("channel closed")
	}
	d.declared = append(d.declared, declaration{name: name, durable: durable, args: args})
	return amqp.Queue{Name: name}, nil
}

func TestRegistry_DeclareAll(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("declares resolved queues durable and skips the rest", func(t *testing.T) {
		r, err := newRegistry(Config{DeadLetter: DeadLetterConfig{Disabled: true}}, envFrom(nil))
		require.NoError(t, err)

		d := &recordingDeclarer{}
		require.NoError(t, r.DeclareAll(d, logger))

		require.Len(t, d.declared, 2)
		for _, decl := range d.declared {
			assert.True(t, decl.durable)
			assert.Nil(t, decl.args)
		}

		// idempotent: a second pass declares the same set
		require.NoError(t, r.DeclareAll(d, logger))
		assert.Len(t, d.declared, 4)
	})

	t.Run("dead-letter queue is declared before its source", func(t *testing.T) {
		r, err := newRegistry(Config{}, envFrom(nil))
		require.NoError(t, err)

		d := &recordingDeclarer{}
		require.NoError(t, r.DeclareAll(d, logger))

		require.Len(t, d.declared, 3)
		assert.Equal(t, "DATASET_PROFILING_QUEUE", d.declared[0].name)
		assert.Equal(t, "DATA_PROFILING_RESULT_QUEUE_DLQ", d.declared[1].name)
		assert.Equal(t, "DATA_PROFILING_RESULT_QUEUE", d.declared[2].name)
		assert.Equal(t, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": "DATA_PROFILING_RESULT_QUEUE_DLQ",
		}, d.declared[2].args)
	})

	t.Run("declaration failure is returned", func(t *testing.T) {
		r, err := newRegistry(Config{}, envFrom(nil))
		require.NoError(t, err)

		err = r.DeclareAll(&recordingDeclarer{failOn: "DATA_PROFILING_RESULT_QUEUE"}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DATA_PROFILING_RESULT_QUEUE")
	})
}
