// Package jobs maps job kinds onto the queues their requests and results travel on.
package jobs

import (
	"github.com/cuongbtq/jobdispatch/internal/queues"
)

// Kind identifies a type of asynchronous job
type Kind string

const (
	KindProfiling          Kind = "profiling"
	KindFeatureEngineering Kind = "feature_engineering"
	KindFeatureSelection   Kind = "feature_selection"
	KindTraining           Kind = "training"
	KindReport             Kind = "report"
)

// Route pairs a job kind with its request and result queues
type Route struct {
	Kind    Kind
	Request queues.Name
	Result  queues.Name
}

var routes = []Route{
	{Kind: KindProfiling, Request: queues.DatasetProfiling, Result: queues.DatasetProfilingResult},
	{Kind: KindFeatureEngineering, Request: queues.FeatureEngineering, Result: queues.FeatureEngineeringResult},
	{Kind: KindFeatureSelection, Request: queues.FeatureSelection, Result: queues.FeatureSelectionResult},
	{Kind: KindTraining, Request: queues.ModelTraining, Result: queues.ModelTrainingResult},
	{Kind: KindReport, Request: queues.ReportGeneration, Result: queues.ReportGenerationResult},
}

// Routes returns every known job kind in a stable order
func Routes() []Route {
	out := make([]Route, len(routes))
	copy(out, routes)
	return out
}

// RouteFor returns the route of a kind
func RouteFor(kind Kind) (Route, bool) {
	for _, r := range routes {
		if r.Kind == kind {
			return r, true
		}
	}
	return Route{}, false
}

// KindForResult returns the kind whose results arrive on the given logical queue
func KindForResult(name queues.Name) (Kind, bool) {
	for _, r := range routes {
		if r.Result == name {
			return r.Kind, true
		}
	}
	return "", false
}
