package domain

import (
	"sort"
	"time"
)

// WorkerProfile is one entry of the capability registry.
type WorkerProfile struct {
	ID            string
	Name          string
	Executor      string // worker endpoint address
	Capabilities  CapabilitySet
	Skills        []WorkerSkill // catalog skills, proficiency descending
	IsPlanner     bool
	IsReviewer    bool
	IsWorker      bool
	MaxConcurrent int // <= 0 means unlimited
	Priority      int // higher is preferred
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

// NewWorkerProfile creates an active worker-kind profile.
func NewWorkerProfile(id, name, executor string, caps ...string) *WorkerProfile {
	now := time.Now().UTC()
	return &WorkerProfile{
		ID:           id,
		Name:         name,
		Executor:     executor,
		Capabilities: NewCapabilitySet(caps...),
		IsWorker:     true,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
}

// Eligible reports whether the profile may take a subtask with the given
// requirements, ignoring current load.
func (w *WorkerProfile) Eligible(required CapabilitySet) bool {
	return w.Active && w.IsWorker && w.EffectiveCapabilities().Covers(required)
}

// EffectiveCapabilities is the declared capability set plus the tags of
// held skills.
func (w *WorkerProfile) EffectiveCapabilities() CapabilitySet {
	if len(w.Skills) == 0 {
		return w.Capabilities
	}
	tags := append([]string(nil), w.Capabilities...)
	for _, s := range w.Skills {
		tags = append(tags, s.Name)
	}
	return NewCapabilitySet(tags...)
}

// PromptModifiers returns the prompt modifiers of held skills whose tag is
// among required, strongest proficiency first.
func (w *WorkerProfile) PromptModifiers(required CapabilitySet) []string {
	var out []string
	for _, s := range w.Skills {
		if s.PromptModifier != "" && required.Has(s.Tag()) {
			out = append(out, s.PromptModifier)
		}
	}
	return out
}

// HasHeadroom reports whether another subtask fits under MaxConcurrent.
func (w *WorkerProfile) HasHeadroom(inFlight int) bool {
	return w.MaxConcurrent <= 0 || inFlight < w.MaxConcurrent
}

// SortWorkers orders profiles by priority descending, then name.
func SortWorkers(workers []*WorkerProfile) {
	sort.SliceStable(workers, func(i, j int) bool {
		if workers[i].Priority != workers[j].Priority {
			return workers[i].Priority > workers[j].Priority
		}
		return workers[i].Name < workers[j].Name
	})
}
