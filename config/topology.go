package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"jobrelay/internal/communicator"
	rerr "jobrelay/internal/errors"
	"jobrelay/internal/executor"
)

// Stage is one communicator entry of a topology file.
type Stage struct {
	Name   string `yaml:"name" json:"name"`
	Input  string `yaml:"input" json:"input"`
	Output string `yaml:"output" json:"output"`

	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	UID      string `yaml:"uid" json:"uid"`
	Password string `yaml:"pwd" json:"pwd"`
	// PasswordAlt is the spelled-out form of pwd.
	PasswordAlt    string `yaml:"password" json:"password"`
	KeyPath        string `yaml:"key_path" json:"key_path"`
	UseAgent       bool   `yaml:"use_agent" json:"use_agent"`
	PromptPassword bool   `yaml:"prompt_password" json:"prompt_password"`
	StrictHostKey  bool   `yaml:"strict_host_key" json:"strict_host_key"`
	KnownHosts     string `yaml:"known_hosts" json:"known_hosts"`

	InstallPath string   `yaml:"install_path" json:"install_path"`
	Command     []string `yaml:"command" json:"command"`
	Args        []string `yaml:"args" json:"args"`
	Workspace   string   `yaml:"workspace" json:"workspace"`

	Next string `yaml:"next_communicator" json:"next_communicator"`
}

// Topology is the parsed topology file.
type Topology struct {
	Communicators []Stage          `yaml:"communicators" json:"communicators"`
	Workspace     string           `yaml:"workspace" json:"workspace"`
	Heartbeat     time.Duration    `yaml:"heartbeat" json:"heartbeat"`
	Executor      *executor.Config `yaml:"executor" json:"executor"`
}

// LoadTopology reads a topology file.  Files ending in .json are read
// as JSON, everything else as YAML.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var t Topology
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &t, t.validate()
	}
	t, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// UnmarshalJSON reads heartbeat the way the YAML form writes it, as a
// duration string such as "30s".  A bare number is taken as
// nanoseconds.
func (t *Topology) UnmarshalJSON(data []byte) error {
	type plain Topology
	aux := struct {
		*plain
		Heartbeat json.RawMessage `json:"heartbeat"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d, err := jsonDuration(aux.Heartbeat)
	if err != nil {
		return &rerr.ConfigError{Field: "heartbeat", Value: string(aux.Heartbeat), Message: err.Error()}
	}
	t.Heartbeat = d
	return nil
}

func jsonDuration(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.ParseDuration(s)
	}
	var ns int64
	if err := json.Unmarshal(raw, &ns); err != nil {
		return 0, errors.New("want a duration such as \"30s\"")
	}
	return time.Duration(ns), nil
}

// ParseTopology decodes a YAML topology and checks its stage graph.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &t, t.validate()
}

func (t *Topology) validate() error {
	if len(t.Communicators) == 0 {
		return &rerr.ConfigError{Field: "communicators", Message: "topology defines no communicators"}
	}
	byName := make(map[string]bool, len(t.Communicators))
	for _, st := range t.Communicators {
		if st.Name == "" {
			return &rerr.ConfigError{Field: "name", Message: "every communicator needs a name"}
		}
		if byName[st.Name] {
			return &rerr.ConfigError{Field: "name", Value: st.Name, Message: "duplicate communicator name"}
		}
		byName[st.Name] = true
	}
	for _, st := range t.Communicators {
		if _, err := t.Spec(st.Name); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the stage names in file order.
func (t *Topology) Names() []string {
	out := make([]string, len(t.Communicators))
	for i, st := range t.Communicators {
		out[i] = st.Name
	}
	return out
}

func (t *Topology) stage(name string) (Stage, bool) {
	for _, st := range t.Communicators {
		if st.Name == name {
			return st, true
		}
	}
	return Stage{}, false
}

// Spec resolves the stage called name, following next_communicator
// links into a chained communicator.Spec.  An empty name selects the
// first stage.
func (t *Topology) Spec(name string) (communicator.Spec, error) {
	if name == "" {
		if len(t.Communicators) == 0 {
			return communicator.Spec{}, &rerr.ConfigError{Field: "communicators", Message: "topology defines no communicators"}
		}
		name = t.Communicators[0].Name
	}

	var (
		head    communicator.Spec
		tail    = &head
		visited = make(map[string]bool)
	)
	for cur := name; ; {
		if visited[cur] {
			return communicator.Spec{}, &rerr.ConfigError{Field: "next_communicator", Value: cur, Message: "cycle in communicator chain"}
		}
		visited[cur] = true
		st, ok := t.stage(cur)
		if !ok {
			return communicator.Spec{}, &rerr.ConfigError{Field: "next_communicator", Value: cur, Message: "no communicator with this name"}
		}
		*tail = st.spec(t.Workspace)
		if st.Next == "" {
			break
		}
		tail.Next = &communicator.Spec{}
		tail = tail.Next
		cur = st.Next
	}
	if err := head.Validate(); err != nil {
		return communicator.Spec{}, err
	}
	return head, nil
}

func (st Stage) spec(workspace string) communicator.Spec {
	s := communicator.Spec{
		Name:           st.Name,
		Input:          communicator.Kind(st.Input),
		Output:         communicator.Kind(st.Output),
		Host:           st.Host,
		Port:           st.Port,
		UID:            st.UID,
		Password:       st.Password,
		KeyPath:        st.KeyPath,
		UseAgent:       st.UseAgent,
		PromptPassword: st.PromptPassword,
		StrictHostKey:  st.StrictHostKey,
		KnownHosts:     st.KnownHosts,
		InstallPath:    st.InstallPath,
		Command:        st.Command,
		Args:           st.Args,
		Workspace:      st.Workspace,
	}
	if s.Password == "" {
		s.Password = st.PasswordAlt
	}
	if s.Output == communicator.KindSSH && s.Port == 0 {
		s.Port = DefaultSSHPort
	}
	if s.Workspace == "" {
		s.Workspace = workspace
	}
	return s
}
