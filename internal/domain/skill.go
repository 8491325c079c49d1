package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Proficiency bounds for skill assignments.
const (
	MinProficiency     = 1
	MaxProficiency     = 5
	DefaultProficiency = 3
)

// DefaultSkillCategory is used when a skill is created without one.
const DefaultSkillCategory = "general"

// Skill is a catalog entry that can be assigned to worker profiles. Its
// normalized name acts as a capability tag of every profile holding it.
type Skill struct {
	ID             string
	Name           string
	Description    string
	Category       string
	PromptModifier string // extra instructions handed to workers
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// NewSkill creates a catalog entry.
func NewSkill(id, name, description, category string) *Skill {
	now := time.Now().UTC()
	category = strings.TrimSpace(category)
	if category == "" {
		category = DefaultSkillCategory
	}
	return &Skill{
		ID:          id,
		Name:        strings.TrimSpace(name),
		Description: description,
		Category:    category,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// Tag is the capability tag the skill contributes.
func (s *Skill) Tag() string {
	return strings.ToLower(strings.TrimSpace(s.Name))
}

// WorkerSkill is a skill held by a worker profile.
type WorkerSkill struct {
	SkillID        string
	Name           string
	Category       string
	PromptModifier string
	Proficiency    int
}

// Tag is the capability tag of the held skill.
func (s WorkerSkill) Tag() string {
	return strings.ToLower(strings.TrimSpace(s.Name))
}

// ValidateProficiency checks an assignment level; 0 selects the default.
func ValidateProficiency(p int) (int, error) {
	if p == 0 {
		return DefaultProficiency, nil
	}
	if p < MinProficiency || p > MaxProficiency {
		return 0, fmt.Errorf("%w: proficiency must be between %d and %d", ErrInvalidArgument, MinProficiency, MaxProficiency)
	}
	return p, nil
}

// SortWorkerSkills orders held skills by proficiency descending, then name.
func SortWorkerSkills(skills []WorkerSkill) {
	sort.SliceStable(skills, func(i, j int) bool {
		if skills[i].Proficiency != skills[j].Proficiency {
			return skills[i].Proficiency > skills[j].Proficiency
		}
		return skills[i].Name < skills[j].Name
	})
}
