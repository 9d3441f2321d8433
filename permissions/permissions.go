// Package permissions implements a capability oracle backed by a YAML file.
//
// The file grants capabilities to every participant and to participants by
// name:
//
//	default:
//	  - vanish.list
//	participants:
//	  ted:
//	    - vanish.*
//
// A grant ending with ".*" matches every capability with that prefix and "*"
// matches every capability.
package permissions

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-vanish/models"
	"github.com/aukilabs/hagall-vanish/modules/vanish"
	"gopkg.in/yaml.v3"
)

const (
	ErrTypeInvalidFile = "invalid_permissions_file"
)

// File is the content of a permissions file.
type File struct {
	Default      []string            `yaml:"default"`
	Participants map[string][]string `yaml:"participants"`
}

// Parse parses the content of a permissions file. Unknown fields are
// rejected.
func Parse(r io.Reader) (File, error) {
	var f File

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return File{}, errors.New("parsing permissions failed").
			WithType(ErrTypeInvalidFile).
			Wrap(err)
	}

	for name, grants := range f.Participants {
		if strings.TrimSpace(name) == "" {
			return File{}, errors.New("participant name is empty").
				WithType(ErrTypeInvalidFile)
		}

		for _, g := range grants {
			if strings.TrimSpace(g) == "" {
				return File{}, errors.New("grant is empty").
					WithType(ErrTypeInvalidFile).
					WithTag("participant", name)
			}
		}
	}
	return f, nil
}

// Store is a capability oracle that holds the grants of a permissions file.
// The zero value grants nothing.
type Store struct {
	// The path of the permissions file. An empty path means no file.
	Path string

	mutex        sync.RWMutex
	defaults     grants
	participants map[string]grants

	hookMutex sync.Mutex
	hookIDs   models.SequentialIDGenerator
	hooks     map[uint32]func()
}

// Load returns a store loaded from the permissions file at the given path.
func Load(path string) (*Store, error) {
	s := &Store{Path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the grants of the store.
func (s *Store) Set(f File) {
	participants := make(map[string]grants, len(f.Participants))
	for name, g := range f.Participants {
		participants[name] = newGrants(g)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.defaults = newGrants(f.Default)
	s.participants = participants
}

// Reload reloads the permissions file and calls the reload hooks. The
// previous grants are kept when the file cannot be loaded.
func (s *Store) Reload() error {
	if err := s.load(); err != nil {
		return err
	}

	logs.WithTag("path", s.Path).Info("permissions reloaded")

	s.hookMutex.Lock()
	hooks := make([]func(), 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h)
	}
	s.hookMutex.Unlock()

	for _, h := range hooks {
		h()
	}
	return nil
}

func (s *Store) load() error {
	if s.Path == "" {
		s.Set(File{})
		return nil
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return errors.New("reading permissions file failed").
			WithTag("path", s.Path).
			Wrap(err)
	}

	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return errors.New("loading permissions file failed").
			WithTag("path", s.Path).
			Wrap(err)
	}

	s.Set(f)
	return nil
}

// OnReload registers a function called after each successful reload.
func (s *Store) OnReload(h func()) (cancel func()) {
	s.hookMutex.Lock()
	defer s.hookMutex.Unlock()

	if s.hooks == nil {
		s.hooks = make(map[uint32]func())
	}

	id := s.hookIDs.New()
	s.hooks[id] = h

	return func() {
		s.hookMutex.Lock()
		defer s.hookMutex.Unlock()

		if _, ok := s.hooks[id]; !ok {
			return
		}
		delete(s.hooks, id)
		s.hookIDs.Reuse(id)
	}
}

// HasCapability reports whether the participant is granted the capability,
// either by default or by name.
func (s *Store) HasCapability(p *models.Participant, c vanish.Capability) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.defaults.match(string(c)) {
		return true
	}

	if p == nil {
		return false
	}
	return s.participants[p.Name].match(string(c))
}

type grants struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newGrants(list []string) grants {
	g := grants{exact: make(map[string]struct{}, len(list))}

	for _, c := range list {
		c = strings.TrimSpace(c)

		switch {
		case c == "*":
			g.all = true

		case strings.HasSuffix(c, ".*"):
			g.prefixes = append(g.prefixes, strings.TrimSuffix(c, "*"))

		case c != "":
			g.exact[c] = struct{}{}
		}
	}
	return g
}

func (g grants) match(c string) bool {
	if g.all {
		return true
	}

	if _, ok := g.exact[c]; ok {
		return true
	}

	for _, p := range g.prefixes {
		if strings.HasPrefix(c, p) {
			return true
		}
	}
	return false
}
