// Package policy decides which capability-server targets a task body may
// reach through the tool proxy gateway. Default is deny-all; operators opt
// targets in via a yaml allow-list.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface the tool proxy consults per call.
type Checker interface {
	AllowTarget(target string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	// AllowTargets lists permitted capability-server identifiers.
	// A single "*" entry allows every registered target.
	AllowTargets []string `yaml:"allow_targets"`

	version string
}

func Default() Policy {
	p := Policy{AllowTargets: nil}
	p.version = computeVersion(p)
	return p
}

// Load reads a policy file. A missing or empty file yields the deny-all
// default rather than an error, so a fresh install is safe by default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p.version = computeVersion(p)
	return p, nil
}

func (p Policy) AllowTarget(target string) bool {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return false
	}
	for _, allowed := range p.AllowTargets {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if allowed == "*" || allowed == target {
			return true
		}
	}
	return false
}

// PolicyVersion returns a stable fingerprint of the loaded policy, recorded
// with every audit entry so a decision can be traced to the rules in force.
func (p Policy) PolicyVersion() string {
	if p.version != "" {
		return p.version
	}
	return computeVersion(p)
}

func computeVersion(p Policy) string {
	h := fnv.New64a()
	for _, t := range p.AllowTargets {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(t))))
		_, _ = h.Write([]byte{0})
	}
	return "pv-" + strconv.FormatUint(h.Sum64(), 16)
}

// Reloadable wraps a Policy behind a lock so the config watcher can swap it
// at runtime without restarting workers.
type Reloadable struct {
	mu   sync.RWMutex
	path string
	cur  Policy
}

// NewReloadable loads the policy at path and keeps the path for reloads.
func NewReloadable(path string) (*Reloadable, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Reloadable{path: path, cur: p}, nil
}

// Reload re-reads the policy file. On parse failure the previous policy
// stays in force and the error is returned for logging.
func (r *Reloadable) Reload() error {
	p, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cur = p
	r.mu.Unlock()
	return nil
}

func (r *Reloadable) AllowTarget(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.AllowTarget(target)
}

func (r *Reloadable) PolicyVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.PolicyVersion()
}
