package process

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Processor turns the output of a finished process into a typed value.
type Processor[T any] interface {
	Process(res Result) (T, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(res Result) (T, error)

func (f ProcessorFunc[T]) Process(res Result) (T, error) {
	return f(res)
}

// LinesProcessor returns the stdout lines. Blank lines are dropped unless
// KeepBlank is set.
type LinesProcessor struct {
	KeepBlank bool
	// TrimSpace trims each line before it is returned.
	TrimSpace bool
}

func (p LinesProcessor) Process(res Result) ([]string, error) {
	lines := make([]string, 0, len(res.Stdout))
	for _, line := range res.Stdout {
		if p.TrimSpace {
			line = strings.TrimSpace(line)
		}
		if !p.KeepBlank && strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// FirstLineProcessor returns the first non-blank stdout line, trimmed.
type FirstLineProcessor struct{}

func (FirstLineProcessor) Process(res Result) (string, error) {
	for _, line := range res.Stdout {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%s: %w", res.Command, ErrNoOutput)
}

// Version is a dotted version number found in command output.
type Version struct {
	Major int
	Minor int
	Patch int
	// Raw is the matched text, including any pre-release suffix.
	Raw string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or +1 as v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	for _, d := range [...]int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v is o or newer.
func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?([-+.][0-9A-Za-z.-]+)?`)

// ParseVersion finds the first dotted version number in s, as in
// "git version 2.43.0.windows.1".
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("no version in %q", s)
	}
	v := Version{Raw: m[0]}
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	return v, nil
}

// VersionProcessor parses the first stdout line that carries a version.
type VersionProcessor struct{}

func (VersionProcessor) Process(res Result) (Version, error) {
	for _, line := range res.Stdout {
		if v, err := ParseVersion(line); err == nil {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%s: %w", res.Command, ErrNoOutput)
}
