// Package beadstore wraps the external bd CLI, the repository's
// issue-tracking collaborator, as a typed Go client. Every call shells
// out to bd and is serialized through a single mutex: bd's own on-disk
// state is not safe for concurrent invocation from multiple goroutines.
package beadstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrCLINotFound = errors.New("beadstore: bd CLI not found on PATH")
	ErrNotFound    = errors.New("beadstore: bead not found")
)

// Kind enumerates the bead types the orchestrator creates or consumes.
type Kind string

const (
	KindTask    Kind = "task"
	KindBug     Kind = "bug"
	KindFeature Kind = "feature"
	KindEpic    Kind = "epic"
)

// Status enumerates bead lifecycle states.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusBlocked    Status = "blocked"
)

// Dependency records that this bead is blocked by Target.
type Dependency struct {
	Type   string `json:"type"` // always "blocks" in the current bd schema
	Target string `json:"target"`
}

// Bead is the orchestrator's in-memory view of a bd issue.
type Bead struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Kind         Kind         `json:"kind"`
	Status       Status       `json:"status"`
	Priority     int          `json:"priority"`
	CreatedAt    time.Time    `json:"created_at"`
	Labels       []string     `json:"labels,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// wireBead mirrors bd's JSON representation on the wire, which differs
// slightly in field names from the in-memory Bead.
type wireBead struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	IssueType    string           `json:"issue_type"`
	Status       string           `json:"status"`
	Priority     int              `json:"priority"`
	CreatedAt    time.Time        `json:"created_at"`
	Labels       []string         `json:"labels"`
	Dependencies []wireDependency `json:"dependencies"`
}

type wireDependency struct {
	IssueID     string `json:"issue_id"`
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

func (w wireBead) toBead() Bead {
	b := Bead{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		Kind:        Kind(w.IssueType),
		Status:      Status(w.Status),
		Priority:    w.Priority,
		CreatedAt:   w.CreatedAt,
		Labels:      w.Labels,
	}
	for _, d := range w.Dependencies {
		if d.Type != "blocks" {
			continue
		}
		b.Dependencies = append(b.Dependencies, Dependency{Type: "blocks", Target: d.DependsOnID})
	}
	return b
}

// Client serializes all bd CLI invocations through one mutex and runs
// them relative to Dir (typically the frozen-spec workspace root).
type Client struct {
	Dir string

	mu sync.Mutex
}

// NewClient creates a Client that runs bd in the given directory.
func NewClient(dir string) *Client {
	return &Client{Dir: dir}
}

// RunLabel is the label applied to every bead created for a given run,
// scoping List/Sync calls to that run's bead set.
func RunLabel(runID string) string {
	return "compiler-run:" + runID
}

func (c *Client) checkBD() error {
	if _, err := exec.LookPath("bd"); err != nil {
		return ErrCLINotFound
	}
	return nil
}

func (c *Client) run(args ...string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkBD(); err != nil {
		return nil, err
	}
	cmd := exec.Command("bd", args...)
	cmd.Dir = c.Dir
	out, err := cmd.Output()
	if err != nil {
		var stderr []byte
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = ee.Stderr
		}
		return nil, fmt.Errorf("beadstore: bd %v: %w\n%s", args, err, bytes.TrimSpace(stderr))
	}
	return out, nil
}

// List returns every bead carrying the given label, newest-label-first
// is not guaranteed; callers sort as needed.
func (c *Client) List(label string) ([]Bead, error) {
	out, err := c.run("list", "--label", label, "--json")
	if err != nil {
		return nil, err
	}
	var wires []wireBead
	if err := json.Unmarshal(out, &wires); err != nil {
		return nil, fmt.Errorf("beadstore: parsing list output: %w", err)
	}
	beads := make([]Bead, len(wires))
	for i, w := range wires {
		beads[i] = w.toBead()
	}
	return beads, nil
}

// Show fetches a single bead by ID.
func (c *Client) Show(id string) (Bead, error) {
	out, err := c.run("show", id, "--json")
	if err != nil {
		return Bead{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var wires []wireBead
	if err := json.Unmarshal(out, &wires); err != nil {
		return Bead{}, fmt.Errorf("beadstore: parsing show output for %s: %w", id, err)
	}
	if len(wires) == 0 {
		return Bead{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return wires[0].toBead(), nil
}

// CreateInput describes a new bead to create.
type CreateInput struct {
	Title        string
	Description  string
	Kind         Kind
	Priority     int
	Labels       []string
	Dependencies []string // IDs this bead is blocked by
}

// Create makes a new bead and returns its assigned ID.
func (c *Client) Create(in CreateInput) (string, error) {
	args := []string{"create", "--title", in.Title, "--type", string(in.Kind)}
	if in.Description != "" {
		args = append(args, "--description", in.Description)
	}
	if in.Priority != 0 {
		args = append(args, "--priority", fmt.Sprint(in.Priority))
	}
	out, err := c.run(args...)
	if err != nil {
		return "", err
	}
	id := string(bytes.TrimSpace(out))

	for _, label := range in.Labels {
		if _, err := c.run("label", "add", id, label); err != nil {
			return id, err
		}
	}
	for _, dep := range in.Dependencies {
		if _, err := c.run("dep", "add", id, dep); err != nil {
			return id, err
		}
	}
	return id, nil
}

// UpdateStatus transitions a bead to a new status.
func (c *Client) UpdateStatus(id string, status Status) error {
	_, err := c.run("update", id, "--status", string(status))
	return err
}

// Close marks a bead as closed.
func (c *Client) Close(id string) error {
	_, err := c.run("close", id)
	return err
}

// CloseWithReason marks a bead as closed, recording reason on the close
// record (used when the closure references something else, such as a
// merge target).
func (c *Client) CloseWithReason(id, reason string) error {
	_, err := c.run("close", id, "--reason", reason)
	return err
}

// Label attaches a label to a bead.
func (c *Client) Label(id, label string) error {
	_, err := c.run("label", "add", id, label)
	return err
}

// AddDependency records that bead id is blocked by dependsOn.
func (c *Client) AddDependency(id, dependsOn string) error {
	_, err := c.run("dep", "add", id, dependsOn)
	return err
}

// Sync flushes any pending bd-local state to its backing store (e.g. a
// shared file or remote). Best-effort: callers treat failure as
// non-fatal logging fodder, not a run-ending condition.
func (c *Client) Sync() error {
	_, err := c.run("sync")
	return err
}
