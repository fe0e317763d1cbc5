package stage

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Group starts and stops a set of stages together. Stages are stopped in
// reverse order of addition, so upstream stages drain into live ones.
type Group struct {
	mu     sync.Mutex
	stages []*Stage
	byName map[string]*Stage
}

func NewGroup() *Group {
	return &Group{byName: make(map[string]*Stage)}
}

func (g *Group) Add(s *Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byName[s.Name()]; ok {
		return fmt.Errorf("stage: duplicate stage name %q", s.Name())
	}
	g.stages = append(g.stages, s)
	g.byName[s.Name()] = s
	return nil
}

// Create builds a stage and adds it to the group.
func (g *Group) Create(name string, h Handler, opts ...Option) (*Stage, error) {
	s := New(name, h, opts...)
	if err := g.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Group) Stage(name string) *Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byName[name]
}

func (g *Group) Start() {
	g.mu.Lock()
	stages := append([]*Stage(nil), g.stages...)
	g.mu.Unlock()
	for _, s := range stages {
		s.Start()
	}
}

func (g *Group) Shutdown(timeout time.Duration) error {
	g.mu.Lock()
	stages := append([]*Stage(nil), g.stages...)
	g.mu.Unlock()
	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		if err := stages[i].Shutdown(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
