package reflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NodeKind identifies the effector variant of a node metamodel.
type NodeKind string

const (
	NodeKindLLM        NodeKind = "llm"
	NodeKindEmbeddings NodeKind = "embeddings"
	NodeKindVectorDB   NodeKind = "vector_db"
	NodeKindRest       NodeKind = "rest"
	NodeKindGateway    NodeKind = "gateway"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// portKindFor maps a node kind to the port kind its ports must carry.
func portKindFor(kind NodeKind) PortKind {
	switch kind {
	case NodeKindLLM:
		return PortKindLLM
	case NodeKindEmbeddings:
		return PortKindEmbeddings
	case NodeKindVectorDB:
		return PortKindVectorDB
	case NodeKindRest:
		return PortKindRest
	default:
		return PortKindStandard
	}
}

// Version is a semver triple plus an optional pre-release label.
type Version struct {
	Major int    `json:"major"`
	Minor int    `json:"minor"`
	Patch int    `json:"patch"`
	Label string `json:"label,omitempty"`
}

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?$`)

// ParseVersion parses "MAJOR.MINOR.PATCH[-label]".
func ParseVersion(s string) (Version, error) {
	match := versionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return Version{}, Errorf(CodeValidation, "invalid version %q", s)
	}
	major, _ := strconv.Atoi(match[1])
	minor, _ := strconv.Atoi(match[2])
	patch, _ := strconv.Atoi(match[3])
	return Version{Major: major, Minor: minor, Patch: patch, Label: match[4]}, nil
}

// String renders the version in its canonical form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Label != "" {
		s += "-" + v.Label
	}
	return s
}

// Compare orders versions by triple, ignoring labels. It returns a
// negative value when v precedes other, zero when the triples match,
// and a positive value otherwise.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return v.Major - other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor - other.Minor
	}
	return v.Patch - other.Patch
}

// IsValidVersionBump reports whether next is a legal successor of
// prev. Exactly four shapes are accepted: a label-only change on the
// same triple, major+1 with minor and patch reset, minor+1 with patch
// reset, and patch+1.
func IsValidVersionBump(prev, next Version) bool {
	sameTriple := prev.Major == next.Major && prev.Minor == next.Minor && prev.Patch == next.Patch
	switch {
	case sameTriple:
		return prev.Label != next.Label
	case next.Major == prev.Major+1:
		return next.Minor == 0 && next.Patch == 0
	case next.Major == prev.Major && next.Minor == prev.Minor+1:
		return next.Patch == 0
	case next.Major == prev.Major && next.Minor == prev.Minor && next.Patch == prev.Patch+1:
		return true
	default:
		return false
	}
}

// QuantitativeDescriptor carries the cost, latency and quality SLAs
// attached to a node for routing and reporting.
type QuantitativeDescriptor struct {
	CostPerCallUSD float64 `json:"cost_per_call_usd,omitempty"`
	LatencyP50Ms   int     `json:"latency_p50_ms,omitempty"`
	LatencyP99Ms   int     `json:"latency_p99_ms,omitempty"`
	QualityScore   float64 `json:"quality_score,omitempty"`
}

// LLMParameters configures sampling for an LLM node.
type LLMParameters struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// LLMSpec is the payload of an LLM node metamodel.
type LLMSpec struct {
	Provider             string        `json:"provider"`
	ModelName            string        `json:"model_name"`
	SystemPromptTemplate string        `json:"system_prompt_template,omitempty"`
	Parameters           LLMParameters `json:"parameters,omitempty"`
}

// EmbeddingsSpec is the payload of an embeddings node metamodel.
type EmbeddingsSpec struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
}

// VectorDBSpec is the payload of a vector-db node metamodel.
type VectorDBSpec struct {
	URI                 string  `json:"uri"`
	DatabaseName        string  `json:"database_name"`
	CollectionName      string  `json:"collection_name"`
	IndexName           string  `json:"index_name"`
	VectorField         string  `json:"vector_field"`
	Limit               int     `json:"limit"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// RestSpec is the payload of a REST node metamodel.
type RestSpec struct {
	ServiceURI string            `json:"service_uri"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// NodeMetamodel is the design-time specification of a node: a shared
// header plus exactly one kind-specific payload selected by Kind.
type NodeMetamodel struct {
	ID          string   `json:"id"`
	FamilyID    string   `json:"family_id"`
	Version     Version  `json:"version"`
	IsLatest    bool     `json:"is_latest"`
	Enabled     bool     `json:"enabled"`
	Kind        NodeKind `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`

	QualitativeDescriptor  string                 `json:"qualitative_descriptor,omitempty"`
	QuantitativeDescriptor QuantitativeDescriptor `json:"quantitative_descriptor,omitempty"`

	// Embedding is the dense vector backing semantic node search.
	Embedding []float32 `json:"embedding,omitempty"`

	InputPorts  PortSet `json:"input_ports,omitempty"`
	OutputPorts PortSet `json:"output_ports,omitempty"`

	// NonFatal lets a workflow survive this node's failure.
	// Reserved; defaults to off.
	NonFatal bool `json:"non_fatal,omitempty"`

	// Exactly one payload is set, matching Kind.
	LLM        *LLMSpec        `json:"llm,omitempty"`
	Embeddings *EmbeddingsSpec `json:"embeddings,omitempty"`
	VectorDB   *VectorDBSpec   `json:"vector_db,omitempty"`
	Rest       *RestSpec       `json:"rest,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Validate checks the metamodel's structural invariants: kind and
// payload agree, ports are well-formed, and port kinds match the node
// kind.
func (m *NodeMetamodel) Validate() error {
	if m.ID == "" {
		return Errorf(CodeValidation, "node metamodel id is required")
	}
	if m.Name == "" {
		return Errorf(CodeValidation, "node metamodel %s: name is required", m.ID)
	}
	switch m.Kind {
	case NodeKindLLM:
		if m.LLM == nil {
			return Errorf(CodeValidation, "node %s: llm payload is required", m.ID)
		}
	case NodeKindEmbeddings:
		if m.Embeddings == nil {
			return Errorf(CodeValidation, "node %s: embeddings payload is required", m.ID)
		}
	case NodeKindVectorDB:
		if m.VectorDB == nil {
			return Errorf(CodeValidation, "node %s: vector_db payload is required", m.ID)
		}
	case NodeKindRest:
		if m.Rest == nil {
			return Errorf(CodeValidation, "node %s: rest payload is required", m.ID)
		}
	case NodeKindGateway:
		// Gateway carries only ports.
	default:
		return Errorf(CodeValidation, "node %s: unknown kind %q", m.ID, m.Kind)
	}
	if err := m.payloadCount(); err != nil {
		return err
	}
	expected := portKindFor(m.Kind)
	for _, set := range []PortSet{m.InputPorts, m.OutputPorts} {
		if err := set.Validate(); err != nil {
			return err
		}
		for _, p := range set {
			if p.Kind != expected {
				return Errorf(CodeValidation, "node %s: port %q has kind %q, want %q", m.ID, p.Key, p.Kind, expected)
			}
		}
	}
	return nil
}

func (m *NodeMetamodel) payloadCount() error {
	count := 0
	for _, set := range []bool{m.LLM != nil, m.Embeddings != nil, m.VectorDB != nil, m.Rest != nil} {
		if set {
			count++
		}
	}
	max := 1
	if m.Kind == NodeKindGateway {
		max = 0
	}
	if count > max {
		return Errorf(CodeValidation, "node %s: conflicting payloads for kind %q", m.ID, m.Kind)
	}
	return nil
}

// DescriptorText concatenates the human-readable fields used when the
// metamodel is embedded for semantic search.
func (m *NodeMetamodel) DescriptorText() string {
	parts := []string{m.Name, m.Description, m.QualitativeDescriptor}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// Clone returns an independent copy of the metamodel; port sets and
// payloads are copied so a hot-swapped replacement cannot alias the
// prior reference.
func (m *NodeMetamodel) Clone() *NodeMetamodel {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		copied := *m
		return &copied
	}
	var out NodeMetamodel
	if err := json.Unmarshal(data, &out); err != nil {
		copied := *m
		return &copied
	}
	return &out
}
