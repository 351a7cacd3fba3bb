// Package export reads and writes the per-seed comment header used by seed
// corpora on disk:
//
//	// <ID> 42
//	// <Prompt> {"origin":"mutate","metadata":"...","lineage":[7,9]}
//	// <Combination> ["cJSON_Parse","cJSON_Delete"]
//	// <score> 0.512345, nr_unique_branch: 7
//	// <Quality> {"density":0.07,"unique_branches":{"cJSON":[3,8]},"library_calls":["cJSON_Parse"],"critical_calls":["cJSON_Parse"],"visited":1}
//
// A seed that has not been evaluated exports zero/empty quality fields.
package export

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ashita-ai/tane/internal/model"
)

// Prompt is the provenance carried in the <Prompt> line.
type Prompt struct {
	Origin   model.Origin   `json:"origin,omitempty"`
	Metadata string         `json:"metadata,omitempty"`
	Lineage  []model.SeedID `json:"lineage,omitempty"`
}

// Quality is the <Quality> line.
type Quality struct {
	Density        float64             `json:"density"`
	UniqueBranches map[string][]uint32 `json:"unique_branches"`
	LibraryCalls   []string            `json:"library_calls"`
	CriticalCalls  []string            `json:"critical_calls"`
	Visited        Flag                `json:"visited"`
}

// Flag is a boolean written as 0 or 1. It also accepts true and false.
type Flag bool

// MarshalJSON writes 0 or 1.
func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// UnmarshalJSON accepts 0, 1, true and false.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "1", "true":
		*f = true
	case "0", "false", "null":
		*f = false
	default:
		return fmt.Errorf("export: invalid visited flag %s", data)
	}
	return nil
}

// Header is one seed's comment header.
type Header struct {
	ID             model.SeedID
	Target         string
	SourceDigest   string
	Prompt         Prompt
	Combination    []string
	Score          float64
	NrUniqueBranch int
	Quality        Quality
}

// Evaluated reports whether the header carries any quality evidence. The
// all-zero header is the pending / not-yet-evaluated state.
func (h Header) Evaluated() bool {
	q := h.Quality
	return h.Score != 0 || h.NrUniqueBranch != 0 || q.Density != 0 || bool(q.Visited) ||
		len(q.LibraryCalls) > 0 || len(q.CriticalCalls) > 0 || len(q.UniqueBranches) > 0
}

// Render writes h as a header block.
func Render(w io.Writer, h Header) error {
	q := h.Quality
	if q.UniqueBranches == nil {
		q.UniqueBranches = map[string][]uint32{}
	}
	if q.LibraryCalls == nil {
		q.LibraryCalls = []string{}
	}
	if q.CriticalCalls == nil {
		q.CriticalCalls = []string{}
	}
	combination := h.Combination
	if combination == nil {
		combination = []string{}
	}
	prompt, err := json.Marshal(h.Prompt)
	if err != nil {
		return fmt.Errorf("export: encode prompt: %w", err)
	}
	comb, err := json.Marshal(combination)
	if err != nil {
		return fmt.Errorf("export: encode combination: %w", err)
	}
	qual, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("export: encode quality: %w", err)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "// <ID> %d\n", h.ID)
	fmt.Fprintf(&b, "// <Prompt> %s\n", prompt)
	fmt.Fprintf(&b, "// <Combination> %s\n", comb)
	fmt.Fprintf(&b, "// <score> %s, nr_unique_branch: %d\n", strconv.FormatFloat(h.Score, 'f', 6, 64), h.NrUniqueBranch)
	fmt.Fprintf(&b, "// <Quality> %s\n", qual)
	if h.Target != "" {
		fmt.Fprintf(&b, "// <Target> %s\n", h.Target)
	}
	if h.SourceDigest != "" {
		fmt.Fprintf(&b, "// <Digest> %s\n", h.SourceDigest)
	}
	_, err = w.Write(b.Bytes())
	return err
}

// RenderAll writes headers separated by blank lines.
func RenderAll(w io.Writer, headers []Header) error {
	for i, h := range headers {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if err := Render(w, h); err != nil {
			return err
		}
	}
	return nil
}

// WriteCorpus writes one <id>.cpp stub per header under dir/<target>/. The
// stub holds only the header; seed bodies are owned by the generator.
func WriteCorpus(dir string, headers []Header) error {
	for _, h := range headers {
		sub := filepath.Join(dir, h.Target)
		if err := os.MkdirAll(sub, 0o750); err != nil {
			return fmt.Errorf("export: create %s: %w", sub, err)
		}
		var b bytes.Buffer
		if err := Render(&b, h); err != nil {
			return err
		}
		path := filepath.Join(sub, fmt.Sprintf("%d.cpp", h.ID))
		if err := os.WriteFile(path, b.Bytes(), 0o600); err != nil {
			return fmt.Errorf("export: write %s: %w", path, err)
		}
	}
	return nil
}

// Parse reads every header block in r. Code around the headers and header
// lines it does not know are skipped. A block begins at a <ID> line.
func Parse(r io.Reader) ([]Header, error) {
	var (
		out  []Header
		cur  *Header
		line int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line++
		tag, value, ok := splitHeaderLine(sc.Text())
		if !ok {
			continue
		}
		if tag == "ID" {
			id, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("export: line %d: invalid id %q", line, value)
			}
			out = append(out, Header{ID: model.SeedID(id)})
			cur = &out[len(out)-1]
			continue
		}
		if cur == nil {
			continue
		}
		if err := cur.apply(tag, value); err != nil {
			return nil, fmt.Errorf("export: line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("export: read: %w", err)
	}
	return out, nil
}

// ParseFile parses one file.
func ParseFile(path string) ([]Header, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied corpus path
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

func splitHeaderLine(s string) (tag, value string, ok bool) {
	s = strings.TrimSpace(s)
	rest, found := strings.CutPrefix(s, "//")
	if !found {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "<") {
		return "", "", false
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", "", false
	}
	return rest[1:end], strings.TrimSpace(rest[end+1:]), true
}

func (h *Header) apply(tag, value string) error {
	switch tag {
	case "Prompt":
		if strings.HasPrefix(value, "{") && json.Unmarshal([]byte(value), &h.Prompt) == nil {
			return nil
		}
		h.Prompt = Prompt{Metadata: value}
	case "Combination":
		if value == "" {
			return nil
		}
		if strings.HasPrefix(value, "[") {
			if err := json.Unmarshal([]byte(value), &h.Combination); err != nil {
				return fmt.Errorf("invalid combination: %w", err)
			}
			return nil
		}
		for _, c := range strings.Split(value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				h.Combination = append(h.Combination, c)
			}
		}
	case "score":
		return h.applyScore(value)
	case "Quality":
		return h.applyQuality(value)
	case "Target":
		h.Target = value
	case "Digest":
		h.SourceDigest = value
	}
	return nil
}

// applyScore parses "0.5, nr_unique_branch: 7".
func (h *Header) applyScore(value string) error {
	scoreText, rest, _ := strings.Cut(value, ",")
	score, err := strconv.ParseFloat(strings.TrimSpace(scoreText), 64)
	if err != nil {
		return fmt.Errorf("invalid score %q", scoreText)
	}
	h.Score = score
	if _, n, ok := strings.Cut(rest, "nr_unique_branch:"); ok {
		nr, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return fmt.Errorf("invalid nr_unique_branch %q", n)
		}
		h.NrUniqueBranch = nr
	}
	return nil
}

func (h *Header) applyQuality(value string) error {
	var raw struct {
		Density        float64         `json:"density"`
		UniqueBranches json.RawMessage `json:"unique_branches"`
		LibraryCalls   []string        `json:"library_calls"`
		CriticalCalls  []string        `json:"critical_calls"`
		Visited        Flag            `json:"visited"`
	}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return fmt.Errorf("invalid quality: %w", err)
	}
	h.Quality = Quality{
		Density:       raw.Density,
		LibraryCalls:  raw.LibraryCalls,
		CriticalCalls: raw.CriticalCalls,
		Visited:       raw.Visited,
	}
	// unique_branches is an object keyed by target; some producers write a
	// bare count instead, which carries no branch IDs.
	if len(raw.UniqueBranches) > 0 && raw.UniqueBranches[0] == '{' {
		if err := json.Unmarshal(raw.UniqueBranches, &h.Quality.UniqueBranches); err != nil {
			return fmt.Errorf("invalid unique_branches: %w", err)
		}
	}
	if h.Target == "" && len(h.Quality.UniqueBranches) == 1 {
		for t := range h.Quality.UniqueBranches {
			h.Target = t
		}
	}
	return nil
}
