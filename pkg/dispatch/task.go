package dispatch

import (
	"context"
	"strings"
	"time"
)

// Class is the resource class that decides which worker pool runs a task.
type Class string

const (
	// ClassAuto lets the dispatcher classify the task by name.
	ClassAuto Class = ""
	// ClassIO is for work that mostly waits: backend round-trips, file and
	// network IO.
	ClassIO Class = "io"
	// ClassCPU is for compute-bound work such as graph algorithms.
	ClassCPU Class = "cpu"
)

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassAuto, ClassIO, ClassCPU:
		return true
	}
	return false
}

// TaskFunc is the work itself. It receives the submitting context and should
// return promptly once the context is done.
type TaskFunc func(ctx context.Context) (any, error)

// Task is a unit of work plus its resource class. Name is used for
// classification and monitoring and may be empty.
type Task struct {
	Name  string
	Class Class
	Fn    TaskFunc
}

// Result is one task outcome from SubmitBatch.
type Result struct {
	Task     string        `json:"task"`
	Class    Class         `json:"class"`
	Value    any           `json:"value,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the task returned without error.
func (r Result) OK() bool { return r.Err == nil }

// DefaultCPUHeavy is the allow-list of operation names known to be
// compute-bound. Names are matched case-insensitively, either exactly or as
// the prefix of a dotted name ("pagerank.weighted").
var DefaultCPUHeavy = []string{
	"pagerank",
	"personalized_pagerank",
	"betweenness_centrality",
	"closeness_centrality",
	"eigenvector_centrality",
	"katz_centrality",
	"louvain",
	"leiden",
	"label_propagation",
	"community_detection",
	"connected_components",
	"all_pairs_shortest_path",
	"node2vec",
	"graph_embedding",
	"kmeans",
	"clustering",
	"matrix_factorization",
	"ml_training",
}

func taskName(t Task) string {
	if t.Name == "" {
		return "anonymous"
	}
	return t.Name
}

func heavySet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func isHeavy(set map[string]struct{}, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	if _, ok := set[name]; ok {
		return true
	}
	if head, _, found := strings.Cut(name, "."); found {
		_, ok := set[head]
		return ok
	}
	return false
}
